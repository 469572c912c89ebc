package providers

import (
	"context"
	"net/http"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
)

const anthropicVersion = "2023-06-01"

type anthropicAdapter struct {
	name     string
	model    string
	endpoint *jsonEndpoint
}

func init() {
	RegisterFamily(FamilyAnthropic, newAnthropicAdapter)
}

func newAnthropicAdapter(spec Spec, client *http.Client) (Adapter, error) {
	headers := map[string]string{"anthropic-version": anthropicVersion}
	for k, v := range spec.Headers {
		headers[k] = v
	}
	ep, err := newJSONEndpoint(spec.Name, spec.Endpoint, NewHeaderAuth("x-api-key", NewStaticTokenSource(spec.APIKey, spec.APIKeyEnv)), client, headers)
	if err != nil {
		return nil, err
	}
	return &anthropicAdapter{name: spec.Name, model: spec.Model, endpoint: ep}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *anthropicAdapter) Chat(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	var system []string
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: m.Content})
	}

	payload := map[string]any{
		"model":       model,
		"max_tokens":  req.MaxTokens,
		"messages":    msgs,
		"temperature": clampTemperature(req.Temperature, 1.0),
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := a.endpoint.post(ctx, payload, &out); err != nil {
		return "", err
	}
	if len(out.Content) == 0 {
		return nonEmpty(a.name, "")
	}
	return nonEmpty(a.name, out.Content[0].Text)
}

func clampTemperature(t, max float64) float64 {
	if t < 0 {
		return 0
	}
	if t > max {
		return max
	}
	return t
}
