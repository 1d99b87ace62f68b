package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/convo-relay/chatserver/internal/store"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ChatService is what the HTTP layer talks to. Existence checks and the
// mutation that follows are separate store calls, so a conversation can be
// deleted in between. Appending or replacing with a non-empty list then fails
// the messages foreign key and surfaces as an internal error. An update touches
// no row and its re-read reports ErrConversationNotFound. An empty replace
// touches no row and succeeds.
type ChatService struct {
	dbStore    *store.SQLiteStore
	llmService *LLMService
}

func NewChatService(db *store.SQLiteStore, llm *LLMService) *ChatService {
	return &ChatService{
		dbStore:    db,
		llmService: llm,
	}
}

func (s *ChatService) CreateConversation(ctx context.Context, title, systemPrompt *string) (*store.Conversation, error) {
	var t, p string
	if title != nil {
		t = *title
	}
	if systemPrompt != nil {
		p = *systemPrompt
	}

	id, err := s.dbStore.CreateConversation(ctx, t, p)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation in DB: %w", err)
	}
	return s.GetConversation(ctx, id)
}

func (s *ChatService) ListConversations(ctx context.Context) ([]store.ConversationSummary, error) {
	return s.dbStore.ListConversations(ctx)
}

// GetConversation returns ErrConversationNotFound for an unknown id.
func (s *ChatService) GetConversation(ctx context.Context, id int64) (*store.Conversation, error) {
	conv, err := s.dbStore.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (s *ChatService) GetMessages(ctx context.Context, conversationID int64) ([]store.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	messages, err := s.dbStore.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for conversation: %w", err)
	}
	return messages, nil
}

// UpdateConversation applies the non-nil fields and returns the stored result.
func (s *ChatService) UpdateConversation(ctx context.Context, id int64, title, systemPrompt *string) (*store.Conversation, error) {
	if err := s.dbStore.UpdateConversation(ctx, id, title, systemPrompt); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *ChatService) DeleteConversation(ctx context.Context, id int64) error {
	deleted, err := s.dbStore.DeleteConversation(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrConversationNotFound
	}
	return nil
}

// AppendMessage fails with store.ErrInvalidRole for an unknown role.
func (s *ChatService) AppendMessage(ctx context.Context, conversationID int64, role store.Role, content string) error {
	return s.dbStore.AppendMessage(ctx, conversationID, role, content)
}

// ReplaceMessages fails with store.ErrInvalidRole, leaving the stored
// messages untouched, if any role is unknown.
func (s *ChatService) ReplaceMessages(ctx context.Context, conversationID int64, messages []store.NewMessage) error {
	return s.dbStore.ReplaceMessages(ctx, conversationID, messages)
}

// Chat relays messages to the completion backend; failures are *UpstreamError.
func (s *ChatService) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	return s.llmService.Chat(ctx, messages)
}
