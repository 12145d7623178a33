package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"conductor/internal/config"
	"conductor/internal/gateway"
	"conductor/internal/logging"
	"conductor/internal/metrics"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Task-orchestration gateway between an LLM host and a coding agent",
		Long: `conductor speaks newline-delimited JSON on stdin/stdout and schedules
coding tasks onto a bounded pool of coding-agent child processes. All
diagnostics go to stderr; stdout carries protocol frames only.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a YAML config file (default ~/"+config.DefaultConfigFileName+")")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or text")
	flags.Int("max-concurrency", 0, "maximum concurrently running tasks")
	flags.Bool("mock", false, "replace agent processes with a synthetic transcript")
	flags.String("profile", "", "feature profile: enhanced or simple")
	flags.String("agent-cli-path", "", "path to the coding-agent binary")
	flags.Int("buffer-bytes", 0, "per-stream output buffer size in bytes")
	flags.Int("grace-period-ms", 0, "cancellation grace period in milliseconds")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Flags beat env vars, which beat the config file; only flags the user
	// actually set become overrides.
	var overrides config.Overrides
	if cmd.Flags().Changed("log-level") {
		val := v.GetString("log-level")
		overrides.LogLevel = &val
	}
	if cmd.Flags().Changed("log-format") {
		val := v.GetString("log-format")
		overrides.LogFormat = &val
	}
	if cmd.Flags().Changed("max-concurrency") {
		val := v.GetInt("max-concurrency")
		overrides.MaxConcurrency = &val
	}
	if cmd.Flags().Changed("mock") {
		val := v.GetBool("mock")
		overrides.Mock = &val
	}
	if cmd.Flags().Changed("profile") {
		val := v.GetString("profile")
		overrides.Profile = &val
	}
	if cmd.Flags().Changed("agent-cli-path") {
		val := v.GetString("agent-cli-path")
		overrides.AgentCLIPath = &val
	}
	if cmd.Flags().Changed("buffer-bytes") {
		val := v.GetInt("buffer-bytes")
		overrides.BufferBytes = &val
	}
	if cmd.Flags().Changed("grace-period-ms") {
		val := v.GetInt("grace-period-ms")
		overrides.GracePeriodMS = &val
	}

	opts := []config.Option{config.WithOverrides(overrides)}
	if path := v.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	for field, source := range meta.Fields() {
		logger.Debug("config value", "field", field, "source", string(source))
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		logger.Warn("stdout is a terminal; this gateway expects a host process speaking newline-delimited JSON")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(cfg, os.Stdin, os.Stdout, logger,
		gateway.WithMetrics(metrics.Default()))
	if err != nil {
		return err
	}
	return gw.Serve(ctx)
}
