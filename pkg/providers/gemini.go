package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
	"google.golang.org/genai"
)

type geminiAdapter struct {
	name   string
	model  string
	client *genai.Client
}

func init() {
	RegisterFamily(FamilyGemini, newGeminiAdapter)
}

func newGeminiAdapter(spec Spec, httpClient *http.Client) (Adapter, error) {
	cfg := &genai.ClientConfig{
		APIKey:     spec.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if base := strings.TrimSpace(spec.Endpoint); base != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", spec.Name, err)
	}
	return &geminiAdapter{name: spec.Name, model: spec.Model, client: client}, nil
}

func (a *geminiAdapter) Chat(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", a.normalizeError(err)
	}
	return nonEmpty(a.name, resp.Text())
}

// normalizeError maps genai's APIError onto StatusError so the shared
// classifier can see the HTTP status.
func (a *geminiAdapter) normalizeError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return &StatusError{Provider: a.name, Status: apiErr.Code, Message: apiErr.Message}
	}
	return fmt.Errorf("%s: %w", a.name, err)
}
