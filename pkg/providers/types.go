package providers

import (
	"context"

	"github.com/dotsetgreg/priya/pkg/llm"
)

type Transport string

const (
	TransportLocal Transport = "local"
	TransportHTTP  Transport = "http"
)

const (
	FamilyOpenAI      = "openai"
	FamilyAnthropic   = "anthropic"
	FamilyCohere      = "cohere"
	FamilyHuggingFace = "huggingface"
	FamilyGemini      = "gemini"
	FamilyLocal       = "local"
)

// Request is the uniform shape every adapter maps onto its wire payload.
type Request struct {
	Model       string
	Messages    []llm.Message
	Temperature float64
	MaxTokens   int
}

// Adapter performs one chat call against a single backend and returns the
// reply text. Implementations return ErrEmptyReply for blank replies and
// *StatusError for non-2xx responses.
type Adapter interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// AdapterFunc lets plain functions (in-process models, test doubles) act as
// adapters.
type AdapterFunc func(ctx context.Context, req Request) (string, error)

func (f AdapterFunc) Chat(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Spec is the static description of one provider before it is registered.
type Spec struct {
	Name       string
	Family     string
	Transport  Transport
	Endpoint   string
	Model      string
	APIKey     string
	APIKeyEnv  string
	Headers    map[string]string
	Priority   int
	DailyLimit int
}
