// Priya - conversational gateway over a racing fleet of LLM providers
// License: MIT
//
// Copyright (c) 2026 Priya contributors

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Model       ModelConfig       `json:"model" yaml:"model"`
	Voice       VoiceConfig       `json:"voice" yaml:"voice"`
	Memory      MemoryConfig      `json:"memory" yaml:"memory"`
	Concurrency ConcurrencyConfig `json:"concurrency" yaml:"concurrency"`
	Security    SecurityConfig    `json:"security" yaml:"security"`
	Persona     PersonaConfig     `json:"persona" yaml:"persona"`
	Providers   ProvidersConfig   `json:"providers" yaml:"providers"`
	Channels    ChannelsConfig    `json:"channels" yaml:"channels"`
	Gateway     GatewayConfig     `json:"gateway" yaml:"gateway"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Log         LogConfig         `json:"log" yaml:"log"`
	mu          sync.RWMutex
}

// ModelConfig holds generation defaults. Timeout is in seconds, *MS fields
// in milliseconds.
type ModelConfig struct {
	Timeout          int     `json:"timeout" yaml:"timeout" env:"PRIYA_MODEL_TIMEOUT"`
	MaxRetries       int     `json:"max_retries" yaml:"max_retries" env:"PRIYA_MODEL_MAX_RETRIES"`
	Temperature      float64 `json:"temperature" yaml:"temperature" env:"PRIYA_MODEL_TEMPERATURE"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens" env:"PRIYA_MODEL_MAX_TOKENS"`
	MaxContext       int     `json:"max_context_tokens" yaml:"max_context_tokens" env:"PRIYA_MODEL_MAX_CONTEXT_TOKENS"`
	RaceBudgetMS     int     `json:"race_budget_ms" yaml:"race_budget_ms" env:"PRIYA_MODEL_RACE_BUDGET_MS"`
	DeadlineMS       int     `json:"request_deadline_ms" yaml:"request_deadline_ms" env:"PRIYA_MODEL_REQUEST_DEADLINE_MS"`
	CallTimeoutMS    int     `json:"call_timeout_ms" yaml:"call_timeout_ms" env:"PRIYA_MODEL_CALL_TIMEOUT_MS"`
	ConnectTimeoutMS int     `json:"connect_timeout_ms" yaml:"connect_timeout_ms" env:"PRIYA_MODEL_CONNECT_TIMEOUT_MS"`
}

type VoiceConfig struct {
	STTTimeout int `json:"stt_timeout" yaml:"stt_timeout" env:"PRIYA_VOICE_STT_TIMEOUT"`
	TTSTimeout int `json:"tts_timeout" yaml:"tts_timeout" env:"PRIYA_VOICE_TTS_TIMEOUT"`
}

type MemoryConfig struct {
	Path             string `json:"path" yaml:"path" env:"PRIYA_MEMORY_PATH"`
	MaxContextLength int    `json:"max_context_length" yaml:"max_context_length" env:"PRIYA_MEMORY_MAX_CONTEXT_LENGTH"`
	SaveInterval     int    `json:"save_interval" yaml:"save_interval" env:"PRIYA_MEMORY_SAVE_INTERVAL"`
	CleanupInterval  int    `json:"cleanup_interval" yaml:"cleanup_interval" env:"PRIYA_MEMORY_CLEANUP_INTERVAL"`
	MaxMemoryMB      int    `json:"max_memory_mb" yaml:"max_memory_mb" env:"PRIYA_MEMORY_MAX_MEMORY_MB"`
	RetentionDays    int    `json:"retention_days" yaml:"retention_days" env:"PRIYA_MEMORY_RETENTION_DAYS"`
	RecallTokens     int    `json:"recall_tokens" yaml:"recall_tokens" env:"PRIYA_MEMORY_RECALL_TOKENS"`
	EmbedOnSave      bool   `json:"embed_on_save" yaml:"embed_on_save" env:"PRIYA_MEMORY_EMBED_ON_SAVE"`
	// Embedder selects the local embedding model: "chargram" or "hash".
	Embedder         string `json:"embedder" yaml:"embedder" env:"PRIYA_MEMORY_EMBEDDER"`
}

type ConcurrencyConfig struct {
	MaxConcurrentRequests int `json:"max_concurrent_requests" yaml:"max_concurrent_requests" env:"PRIYA_CONCURRENCY_MAX_CONCURRENT_REQUESTS"`
	VoiceLockTimeout      int `json:"voice_lock_timeout" yaml:"voice_lock_timeout" env:"PRIYA_CONCURRENCY_VOICE_LOCK_TIMEOUT"`
	RequestTimeout        int `json:"request_timeout" yaml:"request_timeout" env:"PRIYA_CONCURRENCY_REQUEST_TIMEOUT"`
}

type SecurityConfig struct {
	EnablePromptInjectionDetection bool `json:"enable_prompt_injection_detection" yaml:"enable_prompt_injection_detection" env:"PRIYA_SECURITY_ENABLE_PROMPT_INJECTION_DETECTION"`
	EnableOutputFiltering          bool `json:"enable_output_filtering" yaml:"enable_output_filtering" env:"PRIYA_SECURITY_ENABLE_OUTPUT_FILTERING"`
	MaxInputLength                 int  `json:"max_input_length" yaml:"max_input_length" env:"PRIYA_SECURITY_MAX_INPUT_LENGTH"`
}

type PersonaConfig struct {
	Name     string `json:"name" yaml:"name" env:"PRIYA_PERSONA_NAME"`
	Timezone string `json:"timezone" yaml:"timezone" env:"PRIYA_PERSONA_TIMEZONE"`
}

type ProvidersConfig struct {
	// UseCatalog seeds the registry with the built-in provider catalog.
	UseCatalog bool             `json:"use_catalog" yaml:"use_catalog" env:"PRIYA_PROVIDERS_USE_CATALOG"`
	Disabled   []string         `json:"disabled" yaml:"disabled"`
	Entries    []ProviderConfig `json:"entries" yaml:"entries"`
	Proxy      string           `json:"proxy,omitempty" yaml:"proxy,omitempty" env:"PRIYA_PROVIDERS_PROXY"`
}

// ProviderConfig overrides or adds one registry entry. Catalog entries are
// matched by name; zero fields keep the catalog value.
type ProviderConfig struct {
	Name       string            `json:"name" yaml:"name"`
	Family     string            `json:"family" yaml:"family"`
	Transport  string            `json:"transport" yaml:"transport"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Model      string            `json:"model" yaml:"model"`
	APIKey     string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIKeyEnv  string            `json:"api_key_env" yaml:"api_key_env"`
	Priority   int               `json:"priority" yaml:"priority"`
	DailyLimit int               `json:"daily_limit" yaml:"daily_limit"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ResolveAPIKey returns the inline key or the value of APIKeyEnv.
func (p ProviderConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(p.APIKey); key != "" {
		return key
	}
	if name := strings.TrimSpace(p.APIKeyEnv); name != "" {
		return strings.TrimSpace(os.Getenv(name))
	}
	return ""
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord" yaml:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" yaml:"token" env:"PRIYA_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" yaml:"allow_from" env:"PRIYA_CHANNELS_DISCORD_ALLOW_FROM"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"PRIYA_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"PRIYA_GATEWAY_PORT"`
}

// SchedulerConfig holds cron expressions for maintenance jobs.
type SchedulerConfig struct {
	HealthCron   string `json:"health_cron" yaml:"health_cron" env:"PRIYA_SCHEDULER_HEALTH_CRON"`
	ResetCron    string `json:"reset_cron" yaml:"reset_cron" env:"PRIYA_SCHEDULER_RESET_CRON"`
	CleanupCron  string `json:"cleanup_cron" yaml:"cleanup_cron" env:"PRIYA_SCHEDULER_CLEANUP_CRON"`
	BackfillCron string `json:"backfill_cron" yaml:"backfill_cron" env:"PRIYA_SCHEDULER_BACKFILL_CRON"`
	UsageCron    string `json:"usage_cron" yaml:"usage_cron" env:"PRIYA_SCHEDULER_USAGE_CRON"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"PRIYA_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"PRIYA_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Timeout:          30,
			MaxRetries:       3,
			Temperature:      0.95,
			MaxTokens:        200,
			MaxContext:       4000,
			RaceBudgetMS:     5000,
			DeadlineMS:       8000,
			CallTimeoutMS:    10000,
			ConnectTimeoutMS: 2000,
		},
		Voice: VoiceConfig{
			STTTimeout: 15,
			TTSTimeout: 10,
		},
		Memory: MemoryConfig{
			Path:             "~/.priya/memory.db",
			MaxContextLength: 20,
			SaveInterval:     300,
			CleanupInterval:  3600,
			MaxMemoryMB:      500,
			RetentionDays:    90,
			RecallTokens:     1500,
			EmbedOnSave:      true,
			Embedder:         "chargram",
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrentRequests: 10,
			VoiceLockTimeout:      30,
			RequestTimeout:        45,
		},
		Security: SecurityConfig{
			EnablePromptInjectionDetection: true,
			EnableOutputFiltering:          true,
			MaxInputLength:                 4000,
		},
		Persona: PersonaConfig{
			Name:     "Priya",
			Timezone: "Asia/Kolkata",
		},
		Providers: ProvidersConfig{
			UseCatalog: true,
			Disabled:   []string{},
			Entries:    []ProviderConfig{},
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Scheduler: SchedulerConfig{
			HealthCron:   "*/5 * * * *",
			ResetCron:    "0 0 * * *",
			CleanupCron:  "0 * * * *",
			BackfillCron: "*/5 * * * *",
			UsageCron:    "* * * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads path (JSON, or YAML by extension), then .env, then
// PRIYA_* environment overrides. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// FieldError names one invalid option by its dotted config path.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// Validate reports every invalid option. The returned error joins one
// *FieldError per offending field.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.Model.Timeout <= 0 {
		bad("model.timeout", "must be > 0, got %d", c.Model.Timeout)
	}
	if c.Model.MaxRetries < 0 || c.Model.MaxRetries > 10 {
		bad("model.max_retries", "must be within [0, 10], got %d", c.Model.MaxRetries)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		bad("model.temperature", "must be within [0, 2], got %g", c.Model.Temperature)
	}
	if c.Model.MaxTokens <= 0 {
		bad("model.max_tokens", "must be > 0, got %d", c.Model.MaxTokens)
	}
	if c.Model.MaxContext < 256 {
		bad("model.max_context_tokens", "must be >= 256, got %d", c.Model.MaxContext)
	}
	if c.Model.RaceBudgetMS <= 0 {
		bad("model.race_budget_ms", "must be > 0, got %d", c.Model.RaceBudgetMS)
	}
	if c.Model.DeadlineMS < c.Model.RaceBudgetMS {
		bad("model.request_deadline_ms", "must be >= model.race_budget_ms (%d), got %d", c.Model.RaceBudgetMS, c.Model.DeadlineMS)
	}
	if c.Model.CallTimeoutMS <= 0 {
		bad("model.call_timeout_ms", "must be > 0, got %d", c.Model.CallTimeoutMS)
	}
	if c.Model.ConnectTimeoutMS <= 0 || c.Model.ConnectTimeoutMS > c.Model.CallTimeoutMS {
		bad("model.connect_timeout_ms", "must be within (0, model.call_timeout_ms], got %d", c.Model.ConnectTimeoutMS)
	}
	if c.Voice.STTTimeout <= 0 {
		bad("voice.stt_timeout", "must be > 0, got %d", c.Voice.STTTimeout)
	}
	if c.Voice.TTSTimeout <= 0 {
		bad("voice.tts_timeout", "must be > 0, got %d", c.Voice.TTSTimeout)
	}
	if strings.TrimSpace(c.Memory.Path) == "" {
		bad("memory.path", "must not be empty")
	}
	if c.Memory.MaxContextLength <= 0 {
		bad("memory.max_context_length", "must be > 0, got %d", c.Memory.MaxContextLength)
	}
	if c.Memory.SaveInterval <= 0 {
		bad("memory.save_interval", "must be > 0, got %d", c.Memory.SaveInterval)
	}
	if c.Memory.CleanupInterval <= 0 {
		bad("memory.cleanup_interval", "must be > 0, got %d", c.Memory.CleanupInterval)
	}
	if c.Memory.MaxMemoryMB <= 0 {
		bad("memory.max_memory_mb", "must be > 0, got %d", c.Memory.MaxMemoryMB)
	}
	if c.Memory.RetentionDays <= 0 {
		bad("memory.retention_days", "must be > 0, got %d", c.Memory.RetentionDays)
	}
	if c.Memory.RecallTokens <= 0 {
		bad("memory.recall_tokens", "must be > 0, got %d", c.Memory.RecallTokens)
	}
	switch strings.ToLower(strings.TrimSpace(c.Memory.Embedder)) {
	case "", "chargram", "hash":
	default:
		bad("memory.embedder", "unknown embedder %q (want chargram or hash)", c.Memory.Embedder)
	}
	if c.Concurrency.MaxConcurrentRequests <= 0 {
		bad("concurrency.max_concurrent_requests", "must be > 0, got %d", c.Concurrency.MaxConcurrentRequests)
	}
	if c.Concurrency.VoiceLockTimeout <= 0 {
		bad("concurrency.voice_lock_timeout", "must be > 0, got %d", c.Concurrency.VoiceLockTimeout)
	}
	if c.Concurrency.RequestTimeout <= 0 {
		bad("concurrency.request_timeout", "must be > 0, got %d", c.Concurrency.RequestTimeout)
	}
	if c.Security.MaxInputLength < 64 {
		bad("security.max_input_length", "must be >= 64, got %d", c.Security.MaxInputLength)
	}
	if strings.TrimSpace(c.Persona.Name) == "" {
		bad("persona.name", "must not be empty")
	}
	if _, err := time.LoadLocation(c.Persona.Timezone); err != nil {
		bad("persona.timezone", "unknown location %q", c.Persona.Timezone)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		bad("gateway.port", "must be within [0, 65535], got %d", c.Gateway.Port)
	}
	cron := gronx.New()
	for _, f := range []struct{ field, expr string }{
		{"scheduler.health_cron", c.Scheduler.HealthCron},
		{"scheduler.reset_cron", c.Scheduler.ResetCron},
		{"scheduler.cleanup_cron", c.Scheduler.CleanupCron},
		{"scheduler.backfill_cron", c.Scheduler.BackfillCron},
		{"scheduler.usage_cron", c.Scheduler.UsageCron},
	} {
		if f.expr != "" && !cron.IsValid(f.expr) {
			bad(f.field, "invalid cron expression %q", f.expr)
		}
	}
	seen := map[string]bool{}
	for i, p := range c.Providers.Entries {
		prefix := fmt.Sprintf("providers.entries[%d]", i)
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			bad(prefix+".name", "must not be empty")
			continue
		}
		if seen[name] {
			bad(prefix+".name", "duplicate provider %q", name)
		}
		seen[name] = true
		switch strings.ToLower(strings.TrimSpace(p.Transport)) {
		case "", "http", "local":
		default:
			bad(prefix+".transport", "must be http or local, got %q", p.Transport)
		}
		if p.DailyLimit < 0 {
			bad(prefix+".daily_limit", "must be >= 0, got %d", p.DailyLimit)
		}
		if p.Priority < 0 {
			bad(prefix+".priority", "must be >= 0, got %d", p.Priority)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		bad("log.format", "must be json or console, got %q", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

func (c *Config) MemoryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.Path)
}

func (c *Config) RequestTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Concurrency.RequestTimeout) * time.Second
}

func (c *Config) VoiceLockTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Concurrency.VoiceLockTimeout) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Memory.CleanupInterval) * time.Second
}

func (c *Config) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, err := time.LoadLocation(c.Persona.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (m ModelConfig) RaceBudget() time.Duration     { return ms(m.RaceBudgetMS) }
func (m ModelConfig) RequestDeadline() time.Duration { return ms(m.DeadlineMS) }
func (m ModelConfig) CallTimeout() time.Duration     { return ms(m.CallTimeoutMS) }
func (m ModelConfig) ConnectTimeout() time.Duration  { return ms(m.ConnectTimeoutMS) }
func (m ModelConfig) HTTPTimeout() time.Duration     { return time.Duration(m.Timeout) * time.Second }

// Attempts is the first try plus max_retries.
func (m ModelConfig) Attempts() int { return 1 + max(m.MaxRetries, 0) }

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
