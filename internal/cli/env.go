package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/predcache/internal/bridge"
	"github.com/roach88/predcache/internal/config"
	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/oracle"
	"github.com/roach88/predcache/internal/redisstore"
	"github.com/roach88/predcache/internal/staticcall"
	"github.com/roach88/predcache/internal/store"
	"github.com/roach88/predcache/internal/telemetry"
)

// openBackend opens the store selected by cfg.
func openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		var opts []redisstore.Option
		if cfg.Store.Redis.Prefix != "" {
			opts = append(opts, redisstore.WithPrefix(cfg.Store.Redis.Prefix))
		}
		slog.Debug("opening redis store", "addr", cfg.Store.Redis.Addr, "db", cfg.Store.Redis.DB)
		return redisstore.Open(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB, opts...)
	case config.BackendSQLite:
		slog.Debug("opening sqlite store", "path", cfg.Store.Path)
		return store.Open(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// oracleClient builds the configured oracle. In local mode the simulator is
// returned as well so the caller can attach and run it.
func oracleClient(cfg config.Config) (oracle.Client, *oracle.Local) {
	if cfg.Oracle.Mode == config.OracleHTTP {
		return oracle.NewHTTPClient(cfg.Oracle.GatewayURL, cfg.Oracle.GatewayToken, cfg.Oracle.Timeout), nil
	}
	local := oracle.NewLocal(oracle.WithSecrets(cfg.OracleSecrets()))
	return local, local
}

// newBridge wires a bridge from configuration.
func newBridge(cfg config.Config, st store.Backend, client oracle.Client, metrics *telemetry.Metrics) (*bridge.Bridge, error) {
	meter, err := cfg.FeeMeter()
	if err != nil {
		return nil, err
	}
	acl := cfg.ACL()
	return bridge.New(st, client, &acl,
		bridge.WithFeeMeter(meter),
		bridge.WithCallbackTarget(cfg.Oracle.CallbackTarget),
		bridge.WithPassthrough(bridge.Passthrough{
			SubscriptionID: cfg.Oracle.SubscriptionID,
			GasLimit:       cfg.Oracle.GasLimit,
			DONID:          cfg.Oracle.DONID,
		}),
		bridge.WithOracleTimeout(cfg.Oracle.Timeout),
		bridge.WithMetrics(metrics),
	), nil
}

// env is what a one-shot command works with: configuration, an open store,
// and a bridge over it.
type env struct {
	cfg     config.Config
	store   store.Backend
	bridge  *bridge.Bridge
	local   *oracle.Local
	reader  *staticcall.Reader
	out     *OutputFormatter
	cleanup func()
}

// openEnv loads configuration and opens the store. Errors have already been
// reported through the formatter.
func openEnv(cmd *cobra.Command, opts *RootOptions) (*env, error) {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig(out)
	if err != nil {
		return nil, err
	}

	st, err := openBackend(ctxOf(cmd), cfg)
	if err != nil {
		return nil, out.Fail(ErrCodeStore, err)
	}

	client, local := oracleClient(cfg)
	b, err := newBridge(cfg, st, client, nil)
	if err != nil {
		st.Close()
		return nil, out.Fail(ErrCodeConfig, err)
	}

	return &env{
		cfg:    cfg,
		store:  st,
		bridge: b,
		local:  local,
		reader: staticcall.NewReader(st, cfg.StaticTarget()),
		out:    out,
		cleanup: func() {
			if err := st.Close(); err != nil {
				slog.Error("error closing store", "error", err)
			}
		},
	}, nil
}

func (e *env) Close() {
	if e.local != nil {
		e.local.Stop()
	}
	e.cleanup()
}

// ctxOf returns the command's context, or Background when run outside Execute.
func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// parseID parses a predicate id argument.
func parseID(out *OutputFormatter, s string) (ir.PredicateID, error) {
	id, err := ir.ParsePredicateID(s)
	if err != nil {
		return id, out.Fail(ErrCodeInput, ir.NewValidationError("id", err.Error()))
	}
	return id, nil
}
