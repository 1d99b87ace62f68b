package core

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

// geminiPrompt is a message list reshaped for a Gemini chat session: system
// turns become the system instruction and the final turn is sent on its own.
type geminiPrompt struct {
	system  string
	history []*genai.Content
	last    *genai.Content
}

func toGeminiPrompt(messages []ChatMessage) geminiPrompt {
	var (
		prompt geminiPrompt
		system []string
		turns  []*genai.Content
	)
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}

	prompt.system = strings.Join(system, "\n\n")
	if len(turns) > 0 {
		prompt.history = turns[:len(turns)-1]
		prompt.last = turns[len(turns)-1]
	}
	return prompt
}

func (s *LLMService) chatGemini(ctx context.Context, messages []ChatMessage) (string, error) {
	prompt := toGeminiPrompt(messages)
	if prompt.last == nil {
		return "", &UpstreamError{Reason: "LLM request did not include any user or assistant messages"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	model := s.gemini.GenerativeModel(s.model)
	if prompt.system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(prompt.system)},
		}
	}

	chatSession := model.StartChat()
	chatSession.History = prompt.history

	resp, err := chatSession.SendMessage(ctx, prompt.last.Parts...)
	if err != nil {
		return "", &UpstreamError{Err: err}
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &UpstreamError{Reason: "LLM response did not include choices"}
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	if responseText.Len() == 0 {
		return "", &UpstreamError{Reason: "LLM response did not include assistant content"}
	}
	return responseText.String(), nil
}
