package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
	openai "github.com/sashabaranov/go-openai"
)

// openAIAdapter serves every OpenAI-compatible chat completions backend
// (OpenAI, Groq, OpenRouter, Together, ...). Endpoint is the API base; the
// client appends /chat/completions.
type openAIAdapter struct {
	name   string
	model  string
	client *openai.Client
}

func init() {
	RegisterFamily(FamilyOpenAI, newOpenAIAdapter)
}

func newOpenAIAdapter(spec Spec, httpClient *http.Client) (Adapter, error) {
	if strings.TrimSpace(spec.Endpoint) == "" {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrMissingEndpoint)
	}
	cfg := openai.DefaultConfig(spec.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(spec.Endpoint), "/")
	cfg.HTTPClient = &headerDoer{client: httpClient, headers: spec.Headers}
	return &openAIAdapter{
		name:   spec.Name,
		model:  spec.Model,
		client: openai.NewClientWithConfig(cfg),
	}, nil
}

func (a *openAIAdapter) Chat(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openAIRole(m.Role), Content: m.Content})
	}
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", a.normalizeError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w", a.name, ErrEmptyReply)
	}
	return nonEmpty(a.name, resp.Choices[0].Message.Content)
}

func (a *openAIAdapter) normalizeError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &StatusError{Provider: a.name, Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &StatusError{Provider: a.name, Status: reqErr.HTTPStatusCode, Message: msg}
	}
	return fmt.Errorf("%s: %w", a.name, err)
}

func openAIRole(role string) string {
	switch role {
	case llm.RoleSystem:
		return openai.ChatMessageRoleSystem
	case llm.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// headerDoer adds static per-provider headers (OpenRouter's HTTP-Referer,
// X-Title) to requests issued by the openai client.
type headerDoer struct {
	client  *http.Client
	headers map[string]string
}

func (d *headerDoer) Do(req *http.Request) (*http.Response, error) {
	for k, v := range d.headers {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			req.Header.Set(k, v)
		}
	}
	return d.client.Do(req)
}
