package providers

import (
	"context"
	"net/http"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
)

// LocalOptions mirrors the generation options of an Ollama-style runtime.
type LocalOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// LocalChatter is a model runtime on the same host.
type LocalChatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message, opts LocalOptions) (string, error)
}

type localAdapter struct {
	name    string
	model   string
	chatter LocalChatter
}

func init() {
	RegisterFamily(FamilyLocal, newLocalAdapter)
}

func newLocalAdapter(spec Spec, client *http.Client) (Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(spec.Endpoint), "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	ep, err := newJSONEndpoint(spec.Name, base+"/api/chat", nil, client, spec.Headers)
	if err != nil {
		return nil, err
	}
	return NewLocalAdapter(spec.Name, spec.Model, &ollamaChatter{endpoint: ep}), nil
}

// NewLocalAdapter wraps an in-process or same-host runtime.
func NewLocalAdapter(name, model string, chatter LocalChatter) Adapter {
	return &localAdapter{name: name, model: model, chatter: chatter}
}

func (a *localAdapter) Chat(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	text, err := a.chatter.Chat(ctx, model, req.Messages, LocalOptions{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return nonEmpty(a.name, text)
}

type ollamaChatter struct {
	endpoint *jsonEndpoint
}

func (o *ollamaChatter) Chat(ctx context.Context, model string, messages []llm.Message, opts LocalOptions) (string, error) {
	payload := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
		"options":  opts,
	}
	var out struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := o.endpoint.post(ctx, payload, &out); err != nil {
		return "", err
	}
	return out.Message.Content, nil
}
