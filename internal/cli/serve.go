package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/keeper"
	"github.com/roach88/predcache/internal/server"
	"github.com/roach88/predcache/internal/staticcall"
	"github.com/roach88/predcache/internal/telemetry"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	NoKeeper bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service, keeper and local oracle",
		Long: `Run predcache as a service.

Starts the HTTP API, the keeper schedule (unless disabled) and, in local
oracle mode, the in-process oracle simulator. Stops on SIGINT or SIGTERM.

Example:
  predcache serve --config predcache.yaml
  predcache serve --config predcache.yaml --listen :9000 --no-keeper`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "override the listen address")
	cmd.Flags().BoolVar(&opts.NoKeeper, "no-keeper", false, "do not run the keeper schedule")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig(out)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.NoKeeper {
		cfg.Keeper.Enabled = false
	}
	if err := cfg.ValidateServe(); err != nil {
		return out.Fail(ErrCodeConfig, err)
	}

	ctx, stop := signal.NotifyContext(ctxOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openBackend(ctx, cfg)
	if err != nil {
		return out.Fail(ErrCodeStore, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	reader := sdkmetric.NewManualReader()
	provider := telemetry.NewProvider(reader)
	defer provider.Shutdown(context.Background())
	metrics, err := telemetry.New(provider)
	if err != nil {
		return out.Fail(ErrCodeGeneric, err)
	}

	client, local := oracleClient(cfg)
	b, err := newBridge(cfg, st, client, metrics)
	if err != nil {
		return out.Fail(ErrCodeConfig, err)
	}
	if local != nil {
		local.Attach(b.Deliver(access.As(cfg.Access.Oracle)))
	}

	verifier, err := access.NewVerifier([]byte(cfg.Access.JWTSecret))
	if err != nil {
		return out.Fail(ErrCodeConfig, err)
	}
	api := server.New(st, b, staticcall.NewReader(st, cfg.StaticTarget()), verifier, server.WithMetrics(metrics, reader))
	httpServer := api.HTTPServer(cfg.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Listen, "backend", cfg.Store.Backend, "oracle", cfg.Oracle.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Keeper.Enabled {
		sched := keeper.New(st, b, access.As(cfg.Access.Keeper), keeper.Config{
			Interval:       cfg.Keeper.Interval,
			PendingTimeout: cfg.Keeper.PendingTimeout,
			TriggerRate:    cfg.Keeper.TriggerRate,
			Burst:          cfg.Keeper.Burst,
		})
		g.Go(func() error { return ignoreCancel(sched.Run(gctx)) })
	}
	if local != nil {
		g.Go(func() error { return ignoreCancel(local.Run(gctx)) })
	}

	fmt.Fprintf(out.GetErrWriter(), "predcache listening on %s. Press Ctrl-C to stop.\n", cfg.Listen)

	if err := g.Wait(); err != nil {
		return out.Fail(ErrCodeGeneric, err)
	}
	slog.Info("predcache stopped gracefully")
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
