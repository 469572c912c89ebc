package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotsetgreg/priya/pkg/compress"
	"github.com/dotsetgreg/priya/pkg/concurrency"
	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/executor"
	"github.com/dotsetgreg/priya/pkg/logger"
	"github.com/dotsetgreg/priya/pkg/memory"
	"github.com/dotsetgreg/priya/pkg/persona"
	"github.com/dotsetgreg/priya/pkg/providers"
	"github.com/dotsetgreg/priya/pkg/security"
)

// App owns the process-wide components, built in dependency order:
// store, registry, executor, compressor, orchestrator.
type App struct {
	Config       *config.Config
	Store        *memory.SQLiteStore
	Registry     *providers.Registry
	Executor     *executor.Executor
	Compressor   *compress.Compressor
	Persona      persona.Gate
	Slots        *concurrency.SlotPool
	Orchestrator *Orchestrator
}

type bootstrapOptions struct {
	gate     persona.Gate
	registry *providers.Registry
}

type Option func(*bootstrapOptions)

// WithGate replaces the clock-driven persona, e.g. for the CLI chat.
func WithGate(g persona.Gate) Option {
	return func(o *bootstrapOptions) { o.gate = g }
}

// WithRegistry uses a prebuilt registry instead of the configured fleet.
func WithRegistry(r *providers.Registry) Option {
	return func(o *bootstrapOptions) { o.registry = r }
}

func Bootstrap(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var bo bootstrapOptions
	for _, opt := range opts {
		opt(&bo)
	}

	store, err := memory.NewSQLiteStore(ctx, memory.Options{
		Path:          cfg.MemoryPath(),
		Embedder:      memory.NewEmbedder(cfg.Memory.Embedder),
		EmbedOnSave:   cfg.Memory.EmbedOnSave,
		MaxIndexMB:    cfg.Memory.MaxMemoryMB,
		RecallTokens:  cfg.Memory.RecallTokens,
		AssistantName: cfg.Persona.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}

	registry := bo.registry
	if registry == nil {
		registry, err = providers.BuildRegistry(cfg, providers.RegistryOptions{Usage: store})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build provider registry: %w", err)
		}
	}
	if err := registry.LoadUsage(ctx); err != nil {
		logger.WarnCF(component, "Provider usage not restored", map[string]any{"error": err})
	}

	exec := executor.New(registry, executor.Options{
		Budget:       cfg.Model.RaceBudget(),
		CallTimeout:  cfg.Model.CallTimeout(),
		MaxTokens:    cfg.Model.MaxTokens,
		SoloAttempts: cfg.Model.Attempts(),
	})
	comp := compress.New(exec, store, compress.Options{
		MaxTokens:     cfg.Model.MaxContext,
		AssistantName: cfg.Persona.Name,
	})

	gate := bo.gate
	if gate == nil {
		gate = persona.New(persona.Options{Location: cfg.Location()})
	}
	slots := concurrency.NewSlotPool(cfg.Concurrency.MaxConcurrentRequests)

	orch, err := New(Deps{
		Store:          store,
		Generator:      exec,
		Compressor:     comp,
		Persona:        gate,
		Security:       security.NewFilter(cfg.Security),
		Slots:          slots,
		Voice:          concurrency.NewVoiceLocks(cfg.VoiceLockTimeout()),
		Users:          concurrency.NewKeyedMutex(),
		Name:           cfg.Persona.Name,
		Temperature:    cfg.Model.Temperature,
		MaxHistory:     cfg.Memory.MaxContextLength,
		Deadline:       cfg.Model.RequestDeadline(),
		RequestTimeout: cfg.RequestTimeout(),
		SaveAttempts:   cfg.Model.Attempts(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.InfoCF(component, "Application ready", map[string]any{
		"providers":    registry.Len(),
		"memory_path":  cfg.MemoryPath(),
		"memory_index": store.IndexSize(),
	})

	return &App{
		Config:       cfg,
		Store:        store,
		Registry:     registry,
		Executor:     exec,
		Compressor:   comp,
		Persona:      gate,
		Slots:        slots,
		Orchestrator: orch,
	}, nil
}

// Close flushes provider usage and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Registry.FlushUsage(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush usage: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close memory: %w", err))
	}
	return errors.Join(errs...)
}
