package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/convo-relay/chatserver/internal/core"
	"github.com/convo-relay/chatserver/internal/store"
)

const maxBodyBytes = 4 << 20

var (
	errInvalidBody    = errors.New("invalid JSON body")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid content")
)

type APIHandler struct {
	chatService *core.ChatService
	static      http.Handler
}

func NewAPIHandler(cs *core.ChatService, static http.Handler) *APIHandler {
	return &APIHandler{chatService: cs, static: static}
}

// ConversationRequest is the body of conversation create and update. A nil
// field was absent (or null) in the request.
type ConversationRequest struct {
	Title        *string `json:"title"`
	SystemPrompt *string `json:"systemPrompt"`
}

// MessageRequest is one message as a caller sends it. Both fields stay raw so
// a bad role and unstorable content are reported separately.
type MessageRequest struct {
	Role    json.RawMessage `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MessagesRequest keeps "messages" raw so a non-array value can be told apart
// from an absent one.
type MessagesRequest struct {
	Messages json.RawMessage `json:"messages"`
}

type conversationResponse struct {
	Conversation *store.Conversation `json:"conversation"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.chatService.ListConversations(r.Context())
	if err != nil {
		internalError(w, r, err, "Error listing conversations")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"conversations": conversations})
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.chatService.CreateConversation(r.Context(), req.Title, req.SystemPrompt)
	if err != nil {
		internalError(w, r, err, "Error creating conversation")
		return
	}
	writeJSON(w, r, http.StatusCreated, conversationResponse{Conversation: conv})
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	conv, ok := h.requireConversation(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *APIHandler) UpdateConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if _, ok := h.requireConversation(w, r, id); !ok {
		return
	}

	var req ConversationRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.chatService.UpdateConversation(r.Context(), id, req.Title, req.SystemPrompt)
	if err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			writeError(w, r, http.StatusNotFound, core.ErrConversationNotFound.Error())
			return
		}
		internalError(w, r, err, "Error updating conversation")
		return
	}
	writeJSON(w, r, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if err := h.chatService.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			writeError(w, r, http.StatusNotFound, core.ErrConversationNotFound.Error())
			return
		}
		internalError(w, r, err, "Error deleting conversation")
		return
	}
	writeJSON(w, r, http.StatusOK, okResponse{OK: true})
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	messages, err := h.chatService.GetMessages(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			writeError(w, r, http.StatusNotFound, core.ErrConversationNotFound.Error())
			return
		}
		internalError(w, r, err, "Error listing messages")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"messages": messages})
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	// Existence is checked before the body is looked at.
	if _, ok := h.requireConversation(w, r, id); !ok {
		return
	}

	var req MessageRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := req.newMessage()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.chatService.AppendMessage(r.Context(), id, msg.Role, msg.Content); err != nil {
		internalError(w, r, err, "Error appending message")
		return
	}
	writeJSON(w, r, http.StatusCreated, okResponse{OK: true})
}

func (h *APIHandler) ReplaceMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if _, ok := h.requireConversation(w, r, id); !ok {
		return
	}

	var req MessagesRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, ok := messageList(req.Messages)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "messages must be an array")
		return
	}

	messages := make([]store.NewMessage, 0, len(items))
	for _, item := range items {
		var m MessageRequest
		if err := json.Unmarshal(item, &m); err != nil {
			writeError(w, r, http.StatusBadRequest, errInvalidRole.Error()+" in messages")
			return
		}
		msg, err := m.newMessage()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error()+" in messages")
			return
		}
		messages = append(messages, msg)
	}

	if err := h.chatService.ReplaceMessages(r.Context(), id, messages); err != nil {
		internalError(w, r, err, "Error replacing messages")
		return
	}
	writeJSON(w, r, http.StatusOK, okResponse{OK: true})
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req MessagesRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, ok := messageList(req.Messages)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "messages must be an array")
		return
	}

	messages := make([]core.ChatMessage, 0, len(items))
	for _, item := range items {
		messages = append(messages, core.ParseChatMessage(item))
	}

	reply, err := h.chatService.Chat(r.Context(), messages)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Error relaying chat completion")
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"reply": reply})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// FallbackHandler serves static files for GET and HEAD; any other request for
// an unknown route is a 404.
func (h *APIHandler) FallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		h.static.ServeHTTP(w, r)
		return
	}
	writeError(w, r, http.StatusNotFound, "not found")
}

func (h *APIHandler) requireConversation(w http.ResponseWriter, r *http.Request, id int64) (*store.Conversation, bool) {
	conv, err := h.chatService.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			writeError(w, r, http.StatusNotFound, core.ErrConversationNotFound.Error())
		} else {
			internalError(w, r, err, "Error loading conversation")
		}
		return nil, false
	}
	return conv, true
}

func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

// decodeJSONBody treats an empty body as {}.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errInvalidBody
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errInvalidBody
	}
	return nil
}

func (m MessageRequest) newMessage() (store.NewMessage, error) {
	var msg store.NewMessage
	if err := json.Unmarshal(m.Role, &msg.Role); err != nil || !msg.Role.Valid() {
		return msg, errInvalidRole
	}
	content, ok := scalarText(m.Content)
	if !ok {
		return msg, errInvalidContent
	}
	msg.Content = content
	return msg, nil
}

// scalarText reads message content as text. Numbers and booleans keep their
// literal form; absent or null content is empty. Objects and arrays are not
// storable.
func scalarText(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", true
	}
	switch trimmed[0] {
	case '{', '[':
		return "", false
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return string(trimmed), true
}

// messageList splits a raw "messages" value into its elements. An absent
// value is an empty list; anything other than a JSON array is rejected.
func messageList(raw json.RawMessage) ([]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, true
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, false
	}
	return items, true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, map[string]string{"error": message})
}

func internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	zerolog.Ctx(r.Context()).Error().Err(err).Msg(msg)
	writeError(w, r, http.StatusInternalServerError, "internal server error")
}
