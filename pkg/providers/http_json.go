package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout    = 30 * time.Second
	defaultConnectTimeout = 2 * time.Second
	maxResponseBytes      = 4 << 20
)

// ClientOptions bounds every outbound provider connection.
type ClientOptions struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Proxy          string
}

func newHTTPClient(opts ClientOptions) (*http.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxy := strings.TrimSpace(opts.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// jsonEndpoint posts JSON payloads to one provider URL.
type jsonEndpoint struct {
	providerName string
	url          string
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newJSONEndpoint(providerName, endpoint string, auth AuthStrategy, client *http.Client, extraHeaders map[string]string) (*jsonEndpoint, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%s: %w", providerName, ErrMissingEndpoint)
	}
	if auth == nil {
		auth = noAuth{}
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &jsonEndpoint{
		providerName: providerName,
		url:          endpoint,
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

func (e *jsonEndpoint) post(ctx context.Context, payload any, out any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", e.providerName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create %s request: %w", e.providerName, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if err := e.auth.Apply(ctx, req); err != nil {
		return fmt.Errorf("apply %s auth: %w", e.providerName, err)
	}
	for name, value := range e.extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", e.providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", e.providerName, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Provider: e.providerName, Status: resp.StatusCode, Message: extractAPIError(body)}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%s: %w", e.providerName, ErrEmptyReply)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", e.providerName, err)
	}
	return nil
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}
	// Hugging Face reports {"error": "..."} as a bare string.
	var hf struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &hf); err == nil && strings.TrimSpace(hf.Error) != "" {
		return strings.TrimSpace(hf.Error)
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}

func nonEmpty(providerName, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s: %w", providerName, ErrEmptyReply)
	}
	return text, nil
}
