package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	debug      bool
}

func executeCLI() error {
	root := buildRootCommand(true)
	return root.Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		opts        = &globalOptions{}
	)

	root := &cobra.Command{
		Use:   appName,
		Short: "Discord companion backed by a racing fleet of free-tier LLM providers",
		Long: strings.TrimSpace(`priya is a conversational gateway with a persona, long-term memory,
and a provider fleet that races requests across many LLM backends.

Run the Discord gateway, chat locally, inspect provider health, and
maintain the memory store.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to config file (JSON or YAML)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newGatewayCommand(opts))
	root.AddCommand(newChatCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newMemoryCommand(opts))
	root.AddCommand(newProvidersCommand(opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}
	return root
}

func newGatewayCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway, scheduler, and health server",
		Long:    "Start the Discord channel, the orchestrator loop, maintenance jobs, and the HTTP health endpoints.",
		Example: "  priya gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, opts.debug)
			if err != nil {
				return err
			}
			return runGateway(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func newChatCommand(opts *globalOptions) *cobra.Command {
	var (
		message string
		user    string
		gated   bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat locally without Discord",
		Long:  "Run an interactive session against the full pipeline, or send one message with --message.",
		Example: strings.Join([]string{
			"  priya chat",
			"  priya chat --user alice",
			"  priya chat --message \"hey, how was class?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, opts.debug)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cfg, chatOptions{
				message: message,
				user:    user,
				gated:   gated,
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVarP(&user, "user", "u", "cli", "User id the conversation is remembered under")
	cmd.Flags().BoolVar(&gated, "gated", false, "Apply the clock-driven persona availability")
	return cmd
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, provider, and memory readiness",
		Example: "  priya status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func newMemoryCommand(opts *globalOptions) *cobra.Command {
	memRoot := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain the memory store",
	}

	var statsUser string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show store totals, or one user's memory summary",
		Example: strings.Join([]string{
			"  priya memory stats",
			"  priya memory stats --user 1234567890",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryStats(cmd.Context(), cmd.OutOrStdout(), opts, statsUser)
		},
	}
	stats.Flags().StringVarP(&statsUser, "user", "u", "", "User id to summarise")
	memRoot.AddCommand(stats)

	var days int
	cleanup := &cobra.Command{
		Use:     "cleanup",
		Short:   "Delete low-importance memories past the retention window",
		Example: "  priya memory cleanup --days 30",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryCleanup(cmd.Context(), cmd.OutOrStdout(), opts, days)
		},
	}
	cleanup.Flags().IntVar(&days, "days", 0, "Retention in days (default: memory.retention_days)")
	memRoot.AddCommand(cleanup)

	var exportUser string
	export := &cobra.Command{
		Use:     "export",
		Short:   "Print everything stored about one user as JSON",
		Example: "  priya memory export --user 1234567890 > alice.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(exportUser) == "" {
				return fmt.Errorf("--user is required")
			}
			return runMemoryExport(cmd.Context(), cmd.OutOrStdout(), opts, exportUser)
		},
	}
	export.Flags().StringVarP(&exportUser, "user", "u", "", "User id to export")
	memRoot.AddCommand(export)

	return memRoot
}

func newProvidersCommand(opts *globalOptions) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the resolved provider fleet",
		Example: strings.Join([]string{
			"  priya providers",
			"  priya providers --probe",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviders(cmd.Context(), cmd.OutOrStdout(), opts, probe)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Send a health probe to each provider first")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  priya version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
