package providers

import (
	"os"
	"strings"

	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/logger"
)

// Catalog returns the built-in provider fleet. Entries whose key variable
// is unset are dropped by ResolveSpecs. For the local entry the variable
// carries the runtime address instead of a key.
func Catalog() []Spec {
	return []Spec{
		{Name: "local", Family: FamilyLocal, Transport: TransportLocal, APIKeyEnv: "OLLAMA_HOST", Model: "llama3.2:3b", Priority: 1},
		{Name: "groq", Family: FamilyOpenAI, Endpoint: "https://api.groq.com/openai/v1", APIKeyEnv: "GROQ_API_KEY", Model: "llama-3.1-8b-instant", Priority: 1, DailyLimit: 14400},
		{Name: "cerebras", Family: FamilyOpenAI, Endpoint: "https://api.cerebras.ai/v1", APIKeyEnv: "CEREBRAS_API_KEY", Model: "llama3.1-8b", Priority: 2, DailyLimit: 14400},
		{Name: "gemini", Family: FamilyGemini, APIKeyEnv: "GEMINI_API_KEY", Model: "gemini-2.0-flash", Priority: 2, DailyLimit: 1500},
		{Name: "openrouter", Family: FamilyOpenAI, Endpoint: "https://openrouter.ai/api/v1", APIKeyEnv: "OPENROUTER_API_KEY", Model: "meta-llama/llama-3.1-8b-instruct:free", Priority: 3, DailyLimit: 200,
			Headers: map[string]string{"HTTP-Referer": "https://github.com/dotsetgreg/priya", "X-Title": "priya"}},
		{Name: "together", Family: FamilyOpenAI, Endpoint: "https://api.together.xyz/v1", APIKeyEnv: "TOGETHER_API_KEY", Model: "meta-llama/Llama-3.2-3B-Instruct-Turbo", Priority: 3, DailyLimit: 1000},
		{Name: "deepseek", Family: FamilyOpenAI, Endpoint: "https://api.deepseek.com/v1", APIKeyEnv: "DEEPSEEK_API_KEY", Model: "deepseek-chat", Priority: 3, DailyLimit: 1000},
		{Name: "mistral", Family: FamilyOpenAI, Endpoint: "https://api.mistral.ai/v1", APIKeyEnv: "MISTRAL_API_KEY", Model: "mistral-small-latest", Priority: 3, DailyLimit: 1000},
		{Name: "fireworks", Family: FamilyOpenAI, Endpoint: "https://api.fireworks.ai/inference/v1", APIKeyEnv: "FIREWORKS_API_KEY", Model: "accounts/fireworks/models/llama-v3p1-8b-instruct", Priority: 4, DailyLimit: 1000},
		{Name: "openai", Family: FamilyOpenAI, Endpoint: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY", Model: "gpt-4o-mini", Priority: 4, DailyLimit: 500},
		{Name: "anthropic", Family: FamilyAnthropic, Endpoint: "https://api.anthropic.com/v1/messages", APIKeyEnv: "ANTHROPIC_API_KEY", Model: "claude-3-5-haiku-latest", Priority: 4, DailyLimit: 500},
		{Name: "cohere", Family: FamilyCohere, Endpoint: "https://api.cohere.ai/v1/chat", APIKeyEnv: "COHERE_API_KEY", Model: "command-r", Priority: 5, DailyLimit: 1000},
		{Name: "xai", Family: FamilyOpenAI, Endpoint: "https://api.x.ai/v1", APIKeyEnv: "XAI_API_KEY", Model: "grok-2-latest", Priority: 5, DailyLimit: 500},
		{Name: "perplexity", Family: FamilyOpenAI, Endpoint: "https://api.perplexity.ai", APIKeyEnv: "PERPLEXITY_API_KEY", Model: "sonar", Priority: 5, DailyLimit: 500},
		{Name: "huggingface", Family: FamilyHuggingFace, Endpoint: "https://api-inference.huggingface.co/models", APIKeyEnv: "HF_API_TOKEN", Model: "HuggingFaceH4/zephyr-7b-beta", Priority: 6, DailyLimit: 1000},
	}
}

// ResolveSpecs merges the catalog with configured entries, applies the
// disabled list, and drops every entry that has no credential.
func ResolveSpecs(cfg *config.Config) []Spec {
	var specs []Spec
	index := map[string]int{}
	if cfg.Providers.UseCatalog {
		for _, s := range Catalog() {
			index[s.Name] = len(specs)
			specs = append(specs, s)
		}
	}

	for _, pc := range cfg.Providers.Entries {
		name := NormalizeName(pc.Name)
		if name == "" {
			continue
		}
		if i, ok := index[name]; ok {
			specs[i] = overlay(specs[i], pc)
			continue
		}
		index[name] = len(specs)
		specs = append(specs, overlay(Spec{Name: name, Family: FamilyOpenAI, Transport: TransportHTTP}, pc))
	}

	disabled := map[string]bool{}
	for _, d := range cfg.Providers.Disabled {
		disabled[NormalizeName(d)] = true
	}

	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		if disabled[s.Name] {
			continue
		}
		if s.Transport == "" {
			s.Transport = TransportHTTP
		}
		if s.Transport == TransportLocal {
			if s.Endpoint == "" && s.APIKeyEnv != "" {
				s.Endpoint = strings.TrimSpace(os.Getenv(s.APIKeyEnv))
			}
			if s.Endpoint == "" {
				logger.DebugCF("providers", "Local provider omitted: no runtime address", map[string]any{"provider": s.Name})
				continue
			}
			out = append(out, s)
			continue
		}
		if s.APIKey == "" && s.APIKeyEnv != "" {
			s.APIKey = strings.TrimSpace(os.Getenv(s.APIKeyEnv))
		}
		if s.APIKey == "" {
			logger.DebugCF("providers", "Provider omitted: no API key", map[string]any{
				"provider": s.Name,
				"key_env":  s.APIKeyEnv,
			})
			continue
		}
		out = append(out, s)
	}
	return out
}

func overlay(s Spec, pc config.ProviderConfig) Spec {
	s.Name = NormalizeName(pc.Name)
	if v := strings.TrimSpace(pc.Family); v != "" {
		s.Family = NormalizeName(v)
	}
	if v := strings.TrimSpace(pc.Transport); v != "" {
		s.Transport = Transport(NormalizeName(v))
	}
	if v := strings.TrimSpace(pc.Endpoint); v != "" {
		s.Endpoint = v
	}
	if v := strings.TrimSpace(pc.Model); v != "" {
		s.Model = v
	}
	if v := strings.TrimSpace(pc.APIKey); v != "" {
		s.APIKey = v
	}
	if v := strings.TrimSpace(pc.APIKeyEnv); v != "" {
		s.APIKeyEnv = v
	}
	if pc.Priority > 0 {
		s.Priority = pc.Priority
	}
	if pc.DailyLimit > 0 {
		s.DailyLimit = pc.DailyLimit
	}
	if len(pc.Headers) > 0 {
		merged := map[string]string{}
		for k, v := range s.Headers {
			merged[k] = v
		}
		for k, v := range pc.Headers {
			merged[k] = v
		}
		s.Headers = merged
	}
	return s
}
