package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/alanyang/agent-coordinator/internal/config"
	"github.com/alanyang/agent-coordinator/internal/tracing"
	"github.com/alanyang/agent-coordinator/internal/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("agent-coordinator exited", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "agent-coordinator",
		Short:         "Routes messages between agents and runs consensus and peer review",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Init(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./coordinator.yaml)")
	cmd.Flags().String("log-level", "", "debug, info, warn or error")
	_ = v.BindPFlag("logging.level", cmd.Flags().Lookup("log-level"))
	cmd.Flags().Int("port", 0, "HTTP listen port")
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))

	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}

	app, err := wire.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building application: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchBus(gctx, app.Bus.Lost())
	})
	g.Go(func() error {
		slog.Info("HTTP + MCP server listening", "addr", app.Server.Addr)
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		var errs []error
		if err := app.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := app.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	slog.Info("agent-coordinator stopped")
	return err
}

// watchBus returns the bus's connection-loss error, which fails the group
// and shuts the process down for its supervisor to restart. It returns nil
// once ctx ends.
func watchBus(ctx context.Context, lost <-chan error) error {
	select {
	case err := <-lost:
		slog.Error("event bus connection lost, exiting", "error", err)
		return err
	case <-ctx.Done():
		return nil
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("%w: logging.level %q", config.ErrInvalid, s)
	}
	return level, nil
}
