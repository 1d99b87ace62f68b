package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/convo-relay/chatserver/internal/config"
	"github.com/convo-relay/chatserver/internal/logger"
)

const (
	defaultCompletionTimeout = 60 * time.Second

	offlineReplyFormat = "[offline reply] No API key is configured, so no model was called. Last user message: %s"
)

// ChatMessage is one turn of the context sent to the model. Raw, when set, is
// the turn exactly as the caller sent it and is what goes upstream; Role and
// Content are a lenient text view of it for the offline reply and for Gemini.
type ChatMessage struct {
	Role    string
	Content string
	Raw     json.RawMessage
}

// ParseChatMessage reads a caller-supplied turn. Any JSON value is accepted:
// a non-string role reads as "", and multi-part content reads as its text parts
// joined by newlines.
func ParseChatMessage(raw json.RawMessage) ChatMessage {
	m := ChatMessage{Raw: append(json.RawMessage(nil), raw...)}

	var fields struct {
		Role    json.RawMessage `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return m
	}
	_ = json.Unmarshal(fields.Role, &m.Role)
	m.Content = contentText(fields.Content)
	return m
}

func contentText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			var part struct {
				Text *string `json:"text"`
			}
			if err := json.Unmarshal(p, &part); err == nil && part.Text != nil {
				texts = append(texts, *part.Text)
			}
		}
		return strings.Join(texts, "\n")
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '{' || string(trimmed) == "null" {
		return ""
	}
	return string(trimmed)
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	*m = ParseChatMessage(data)
	return nil
}

// UpstreamError reports a failed completion call. StatusCode is set when the
// endpoint answered with a non-2xx status, Err when no usable response arrived
// at the transport level, and Reason when the response was unusable.
type UpstreamError struct {
	StatusCode int
	Body       string
	Reason     string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("LLM request failed (%d): %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("LLM connection failed: %v", e.Err)
	default:
		return e.Reason
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

type LLMOptions struct {
	Provider string
	APIURL   string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// LLMService relays a message list to the configured chat-completion backend.
// Without an API key it answers offline and never fails.
type LLMService struct {
	provider string
	apiURL   string
	model    string
	apiKey   string
	timeout  time.Duration

	httpClient *resty.Client
	gemini     *genai.Client
}

func NewLLMService(ctx context.Context, opts LLMOptions) (*LLMService, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCompletionTimeout
	}
	if opts.Provider == "" {
		opts.Provider = config.ProviderOpenAI
	}

	s := &LLMService{
		provider: opts.Provider,
		apiURL:   opts.APIURL,
		model:    opts.Model,
		apiKey:   opts.APIKey,
		timeout:  opts.Timeout,
	}
	if s.Offline() {
		return s, nil
	}

	switch s.provider {
	case config.ProviderOpenAI:
		// Single attempt: resty does not retry unless a retry count is set.
		s.httpClient = resty.New().
			SetTimeout(s.timeout).
			SetHeader("Content-Type", "application/json").
			SetAuthToken(s.apiKey)
	case config.ProviderGemini:
		client, err := genai.NewClient(ctx, option.WithAPIKey(s.apiKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		s.gemini = client
	default:
		return nil, fmt.Errorf("unknown completion provider %q", s.provider)
	}
	return s, nil
}

func (s *LLMService) Close() error {
	if s.gemini != nil {
		return s.gemini.Close()
	}
	return nil
}

// Offline reports whether the service answers without calling a model.
func (s *LLMService) Offline() bool {
	return s.apiKey == ""
}

// Chat sends messages, in order, to the model and returns its reply.
// Failures are *UpstreamError.
func (s *LLMService) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	if s.Offline() {
		return offlineReply(messages), nil
	}

	log := zerolog.Ctx(ctx)
	started := time.Now()

	var (
		reply string
		err   error
	)
	if s.provider == config.ProviderGemini {
		reply, err = s.chatGemini(ctx, messages)
	} else {
		reply, err = s.chatOpenAI(ctx, messages)
	}

	if err != nil {
		log.Warn().Err(err).Str("provider", s.provider).Dur("elapsed", time.Since(started)).Msg("completion failed")
		return "", err
	}
	log.Debug().Str("provider", s.provider).Int("messages", len(messages)).Dur("elapsed", time.Since(started)).Msg("completion succeeded")
	return reply, nil
}

func offlineReply(messages []ChatMessage) string {
	lastUser := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = messages[i].Content
			break
		}
	}
	return fmt.Sprintf(offlineReplyFormat, lastUser)
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (s *LLMService) chatOpenAI(ctx context.Context, messages []ChatMessage) (string, error) {
	if messages == nil {
		messages = []ChatMessage{}
	}

	req := s.httpClient.R().
		SetContext(ctx).
		SetBody(chatCompletionRequest{Model: s.model, Messages: messages})
	if id := logger.RequestID(ctx); id != "" {
		req.SetHeader("X-Request-ID", id)
	}

	resp, err := req.Post(s.apiURL)
	if err != nil {
		return "", &UpstreamError{Err: err}
	}
	if !resp.IsSuccess() {
		return "", &UpstreamError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(resp.Body(), &completion); err != nil {
		return "", &UpstreamError{Reason: fmt.Sprintf("LLM response was not valid JSON: %v", err)}
	}
	if len(completion.Choices) == 0 {
		return "", &UpstreamError{Reason: "LLM response did not include choices"}
	}
	content := completion.Choices[0].Message.Content
	if content == nil || *content == "" {
		return "", &UpstreamError{Reason: "LLM response did not include assistant content"}
	}
	return *content, nil
}
