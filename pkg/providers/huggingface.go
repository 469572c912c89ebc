package providers

import (
	"context"
	"net/http"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
)

type huggingFaceAdapter struct {
	name     string
	endpoint *jsonEndpoint
}

func init() {
	RegisterFamily(FamilyHuggingFace, newHuggingFaceAdapter)
}

// The inference API addresses the model in the path: {endpoint}/{model}.
func newHuggingFaceAdapter(spec Spec, client *http.Client) (Adapter, error) {
	url := strings.TrimRight(strings.TrimSpace(spec.Endpoint), "/")
	if url != "" && spec.Model != "" {
		url += "/" + strings.TrimLeft(spec.Model, "/")
	}
	ep, err := newJSONEndpoint(spec.Name, url, NewBearerAuth(NewStaticTokenSource(spec.APIKey, spec.APIKeyEnv)), client, spec.Headers)
	if err != nil {
		return nil, err
	}
	return &huggingFaceAdapter{name: spec.Name, endpoint: ep}, nil
}

func (a *huggingFaceAdapter) Chat(ctx context.Context, req Request) (string, error) {
	temperature := req.Temperature
	if temperature <= 0 {
		// The inference API rejects a zero temperature.
		temperature = 0.01
	}
	payload := map[string]any{
		"inputs": flattenPrompt(req.Messages),
		"parameters": map[string]any{
			"temperature":      temperature,
			"max_length":       req.MaxTokens,
			"return_full_text": false,
		},
	}

	var out []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := a.endpoint.post(ctx, payload, &out); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return nonEmpty(a.name, "")
	}
	return nonEmpty(a.name, out[0].GeneratedText)
}

// flattenPrompt renders a chat transcript for text-generation models that
// take a single string.
func flattenPrompt(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case llm.RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		default:
			b.WriteString("User: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("Assistant:")
	return b.String()
}
