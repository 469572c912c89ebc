// Priya - conversational gateway over a racing fleet of LLM providers
// License: MIT
//
// Copyright (c) 2026 Priya contributors

package logger

import (
	"errors"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base   *zap.Logger
	format = "json"
)

func init() {
	base = build(format)
}

func build(encoding string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = encoding
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.Sampling = nil
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLevel changes the minimum level emitted by every component.
func SetLevel(l LogLevel) {
	switch l {
	case DEBUG:
		level.SetLevel(zapcore.DebugLevel)
	case WARN:
		level.SetLevel(zapcore.WarnLevel)
	case ERROR:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetFormat switches between "json" and "console" encoders.
func SetFormat(encoding string) {
	if encoding != "console" {
		encoding = "json"
	}
	mu.Lock()
	defer mu.Unlock()
	if encoding == format {
		return
	}
	_ = base.Sync()
	format = encoding
	base = build(encoding)
}

// Replace swaps the underlying zap logger. Tests use it with zaptest/observer.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prev := base
	base = l.WithOptions(zap.AddCallerSkip(2))
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func emit(l zapcore.Level, component, msg string, fields map[string]any) {
	lg := current()
	if ce := lg.Check(l, msg); ce != nil {
		ce.Write(toFields(component, fields)...)
	}
}

func toFields(component string, fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		out = append(out, zap.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fields[k]
		if err, ok := v.(error); ok {
			out = append(out, zap.String(k, err.Error()))
			out = append(out, errorValues(err)...)
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

// errorValues flattens goerr context values so they land as top-level fields.
func errorValues(err error) []zap.Field {
	var ge *goerr.Error
	if !errors.As(err, &ge) {
		return nil
	}
	values := ge.Values()
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any("err."+k, values[k]))
	}
	return out
}

func DebugC(component, msg string) { emit(zapcore.DebugLevel, component, msg, nil) }
func InfoC(component, msg string)  { emit(zapcore.InfoLevel, component, msg, nil) }
func WarnC(component, msg string)  { emit(zapcore.WarnLevel, component, msg, nil) }
func ErrorC(component, msg string) { emit(zapcore.ErrorLevel, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]any) {
	emit(zapcore.DebugLevel, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]any) {
	emit(zapcore.InfoLevel, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]any) {
	emit(zapcore.WarnLevel, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]any) {
	emit(zapcore.ErrorLevel, component, msg, fields)
}

// Event records one orchestrator outcome. kind names the outcome
// (reply, gated, fallback, voice_busy, ...); fields should carry user_id
// and latency_ms.
func Event(component, kind string, fields map[string]any) {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["kind"] = kind
	l := zapcore.InfoLevel
	if _, ok := merged["error"]; ok {
		l = zapcore.WarnLevel
	}
	emit(l, component, "event", merged)
}
