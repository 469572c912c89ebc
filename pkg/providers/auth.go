package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	authModeBearer = "bearer"
	authModeHeader = "header"
	authModeNone   = "none"
)

// TokenSource returns credential material for request auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

type staticTokenSource struct {
	token  string
	source string
}

func NewStaticTokenSource(token, source string) TokenSource {
	return &staticTokenSource{
		token:  strings.TrimSpace(token),
		source: strings.TrimSpace(source),
	}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(s.token)
	if tok == "" {
		return "", fmt.Errorf("token is empty for %s", s.Source())
	}
	if isPlaceholderToken(tok) {
		return "", fmt.Errorf("token for %s looks like an unexpanded placeholder", s.Source())
	}
	return tok, nil
}

// isPlaceholderToken catches template values copied from example configs.
func isPlaceholderToken(tok string) bool {
	return (strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")) ||
		(strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}"))
}

func (s *staticTokenSource) Source() string {
	if s.source != "" {
		return s.source
	}
	return "static"
}

// AuthStrategy applies request auth for provider HTTP calls.
type AuthStrategy interface {
	Mode() string
	Apply(ctx context.Context, req *http.Request) error
	// HeaderNames lists the headers Apply sets, for registry snapshots.
	HeaderNames() []string
}

type bearerAuth struct {
	source TokenSource
}

func NewBearerAuth(source TokenSource) AuthStrategy {
	return &bearerAuth{source: source}
}

func (a *bearerAuth) Mode() string          { return authModeBearer }
func (a *bearerAuth) HeaderNames() []string { return []string{"Authorization"} }

func (a *bearerAuth) Apply(ctx context.Context, req *http.Request) error {
	tok, err := resolveToken(ctx, a.source)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// headerAuth puts the raw key in a named header (Anthropic's x-api-key).
type headerAuth struct {
	header string
	source TokenSource
}

func NewHeaderAuth(header string, source TokenSource) AuthStrategy {
	return &headerAuth{header: strings.TrimSpace(header), source: source}
}

func (a *headerAuth) Mode() string          { return authModeHeader }
func (a *headerAuth) HeaderNames() []string { return []string{a.header} }

func (a *headerAuth) Apply(ctx context.Context, req *http.Request) error {
	tok, err := resolveToken(ctx, a.source)
	if err != nil {
		return err
	}
	req.Header.Set(a.header, tok)
	return nil
}

type noAuth struct{}

func (noAuth) Mode() string                                { return authModeNone }
func (noAuth) HeaderNames() []string                       { return nil }
func (noAuth) Apply(context.Context, *http.Request) error { return nil }

func resolveToken(ctx context.Context, source TokenSource) (string, error) {
	if source == nil {
		return "", fmt.Errorf("auth token source is nil")
	}
	tok, err := source.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve auth token: %w", err)
	}
	return tok, nil
}
