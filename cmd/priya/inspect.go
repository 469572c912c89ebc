package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/memory"
	"github.com/dotsetgreg/priya/pkg/providers"
)

func openStore(ctx context.Context, cfg *config.Config) (*memory.SQLiteStore, error) {
	store, err := memory.NewSQLiteStore(ctx, memory.Options{
		Path:          cfg.MemoryPath(),
		Embedder:      memory.NewEmbedder(cfg.Memory.Embedder),
		MaxIndexMB:    cfg.Memory.MaxMemoryMB,
		RecallTokens:  cfg.Memory.RecallTokens,
		AssistantName: cfg.Persona.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}
	return store, nil
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func runStatus(ctx context.Context, out io.Writer, opts *globalOptions) error {
	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Fprintf(out, "Build: %s\n", build)
	}
	fmt.Fprintln(out)

	_, statErr := os.Stat(opts.configPath)
	fmt.Fprintln(out, "Config:", opts.configPath, mark(statErr == nil))

	cfg, err := loadConfig(opts.configPath, opts.debug)
	if err != nil {
		fmt.Fprintln(out, "Config valid:", mark(false))
		return err
	}
	fmt.Fprintln(out, "Config valid:", mark(true))

	memPath := cfg.MemoryPath()
	if _, err := os.Stat(memPath); err == nil {
		fmt.Fprintln(out, "Memory DB:", memPath, mark(true))
	} else {
		fmt.Fprintln(out, "Memory DB:", memPath, "not initialized")
	}

	specs := providers.ResolveSpecs(cfg)
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	fmt.Fprintf(out, "Providers: %d configured %s\n", len(specs), strings.Join(names, ", "))
	fmt.Fprintln(out, "Discord token:", mark(strings.TrimSpace(cfg.Channels.Discord.Token) != ""))
	fmt.Fprintln(out, "Persona:", cfg.Persona.Name, "("+cfg.Location().String()+")")
	fmt.Fprintln(out, "Chat ready:", mark(len(specs) > 0))
	fmt.Fprintln(out, "Gateway ready:", mark(len(specs) > 0 && cfg.Channels.Discord.Token != ""))
	return nil
}

func runMemoryStats(ctx context.Context, out io.Writer, opts *globalOptions, userID string) error {
	cfg, err := loadConfig(opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if userID = strings.TrimSpace(userID); userID != "" {
		st, err := store.UserStats(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "User: %s\n", userID)
		fmt.Fprintf(out, "Memories: %d\n", st.Count)
		fmt.Fprintf(out, "Average importance: %.2f\n", st.AvgImportance)
		if st.Count > 0 {
			fmt.Fprintf(out, "First: %s\n", st.FirstTS.Format(time.RFC3339))
			fmt.Fprintf(out, "Last: %s\n", st.LastTS.Format(time.RFC3339))
		}
		return nil
	}

	users, err := store.CountUsers(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Memory DB: %s\n", cfg.MemoryPath())
	fmt.Fprintf(out, "Users: %d\n", users)
	fmt.Fprintf(out, "Indexed vectors: %d\n", store.IndexSize())
	return nil
}

func runMemoryCleanup(ctx context.Context, out io.Writer, opts *globalOptions, days int) error {
	cfg, err := loadConfig(opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	if days <= 0 {
		days = cfg.Memory.RetentionDays
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Cleanup(ctx, days)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %d memories older than %d days\n", removed, days)
	return nil
}

func runMemoryExport(ctx context.Context, out io.Writer, opts *globalOptions, userID string) error {
	cfg, err := loadConfig(opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	export, err := store.ExportUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(export)
}

func runProviders(ctx context.Context, out io.Writer, opts *globalOptions, probe bool) error {
	cfg, err := loadConfig(opts.configPath, opts.debug)
	if err != nil {
		return err
	}

	regOpts := providers.RegistryOptions{}
	if _, statErr := os.Stat(cfg.MemoryPath()); statErr == nil {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		regOpts.Usage = store
	}
	reg, err := providers.BuildRegistry(cfg, regOpts)
	if err != nil {
		return err
	}
	if err := reg.LoadUsage(ctx); err != nil {
		return err
	}
	if reg.Len() == 0 {
		fmt.Fprintln(out, "No providers configured. Set a provider API key (e.g. GROQ_API_KEY) or add providers.entries.")
		return nil
	}

	if probe {
		for _, r := range reg.TickHealth(ctx) {
			line := fmt.Sprintf("probe %-12s %s %dms", r.Name, mark(r.OK), r.Latency.Milliseconds())
			if r.Error != "" {
				line += " " + r.Error
			}
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "%-12s %-4s %-10s %-9s %-10s %s\n", "NAME", "PRIO", "STATUS", "CIRCUIT", "USED", "MODEL")
	for _, e := range reg.Snapshot() {
		used := fmt.Sprintf("%d", e.UsedToday)
		if e.DailyLimit > 0 {
			used = fmt.Sprintf("%d/%d", e.UsedToday, e.DailyLimit)
		}
		fmt.Fprintf(out, "%-12s %-4d %-10s %-9s %-10s %s\n", e.Name, e.Priority, e.Status, e.Circuit, used, e.ModelID)
	}
	return nil
}
