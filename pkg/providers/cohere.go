package providers

import (
	"context"
	"net/http"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
)

type cohereAdapter struct {
	name     string
	model    string
	endpoint *jsonEndpoint
}

func init() {
	RegisterFamily(FamilyCohere, newCohereAdapter)
}

func newCohereAdapter(spec Spec, client *http.Client) (Adapter, error) {
	ep, err := newJSONEndpoint(spec.Name, spec.Endpoint, NewBearerAuth(NewStaticTokenSource(spec.APIKey, spec.APIKeyEnv)), client, spec.Headers)
	if err != nil {
		return nil, err
	}
	return &cohereAdapter{name: spec.Name, model: spec.Model, endpoint: ep}, nil
}

type cohereTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Chat sends the last user message as "message"; earlier turns travel as
// chat_history and system text as preamble.
func (a *cohereAdapter) Chat(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var (
		preamble []string
		history  []cohereTurn
		message  string
	)
	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == llm.RoleUser {
			lastUser = i
		}
	}
	for i, m := range req.Messages {
		switch {
		case m.Role == llm.RoleSystem:
			preamble = append(preamble, m.Content)
		case i == lastUser:
			message = m.Content
		case m.Role == llm.RoleAssistant:
			history = append(history, cohereTurn{Role: "CHATBOT", Message: m.Content})
		default:
			history = append(history, cohereTurn{Role: "USER", Message: m.Content})
		}
	}

	payload := map[string]any{
		"message":     message,
		"model":       model,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}
	if len(preamble) > 0 {
		payload["preamble"] = strings.Join(preamble, "\n\n")
	}
	if len(history) > 0 {
		payload["chat_history"] = history
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := a.endpoint.post(ctx, payload, &out); err != nil {
		return "", err
	}
	return nonEmpty(a.name, out.Text)
}
