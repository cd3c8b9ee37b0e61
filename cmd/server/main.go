// Command server serves the relgraph GraphQL endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"relgraph/internal/config"
	"relgraph/internal/serverapp"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relgraph-server",
		Short:         "Serve a read-only GraphQL API over a relational entity model",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFlags(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.Observability.ServiceVersion == "" {
				cfg.Observability.ServiceVersion = Version
			}
			if err := validateConfig(cfg, slog.Default()); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	config.DefineFlags(cmd.Flags())
	cmd.Flags().StringP("config", "c", "", "Config file path")
	return cmd
}

func serve(cfg *config.Config) error {
	logger, loggerProvider, err := serverapp.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	app, err := serverapp.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	app.AttachLoggerProvider(loggerProvider)

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return app.Shutdown(ctx)
	}

	// A signal during Init (e.g. while waiting for the database) aborts it.
	initCtx, stopInit := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = app.Init(initCtx)
	stopInit()
	if err != nil {
		return err
	}

	serverErrors, err := app.Start()
	if err != nil {
		_ = shutdown()
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	_, waitErr := app.WaitForStop(stop, serverErrors)
	logger.Info("shutting down server gracefully")
	if err := shutdown(); waitErr == nil && err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}
	logger.Info("server stopped gracefully")
	return nil
}

// validateConfig logs every warning and error found in cfg and fails when
// there is at least one error.
func validateConfig(cfg *config.Config, logger *slog.Logger) error {
	result := cfg.Validate()
	for _, issue := range result.Warnings {
		logger.Warn("configuration warning", issueAttrs(issue)...)
	}
	for _, issue := range result.Errors {
		logger.Error("configuration error", issueAttrs(issue)...)
	}
	if result.HasErrors() {
		return fmt.Errorf("configuration validation failed: %w", result)
	}
	return nil
}

func issueAttrs(issue config.Issue) []any {
	attrs := []any{slog.String("field", issue.Field), slog.String("message", issue.Message)}
	if issue.Hint != "" {
		attrs = append(attrs, slog.String("hint", issue.Hint))
	}
	return attrs
}
