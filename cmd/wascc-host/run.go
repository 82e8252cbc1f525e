package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/api"
	"github.com/wasmCloud/wascc-host/pkg/authz"
	"github.com/wasmCloud/wascc-host/pkg/config"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/crypto"
	"github.com/wasmCloud/wascc-host/pkg/events"
	"github.com/wasmCloud/wascc-host/pkg/host"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
	"github.com/wasmCloud/wascc-host/pkg/middleware"
	"github.com/wasmCloud/wascc-host/pkg/modsource"
	"github.com/wasmCloud/wascc-host/pkg/observability"
	"github.com/wasmCloud/wascc-host/pkg/provider/extras"
	"github.com/wasmCloud/wascc-host/pkg/provider/keyvalue"
)

func runHostCmd(args []string, _, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		configPath string
		jsonLogs   bool
	)
	cmd.StringVar(&configPath, "config", "", "Host file (.yaml, .yml or .toml)")
	cmd.BoolVar(&jsonLogs, "json-logs", false, "Log as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel, jsonLogs)
	slog.SetDefault(logger)

	file := &config.HostFile{}
	if configPath != "" {
		if file, err = config.LoadFile(configPath); err != nil {
			logger.Error("invalid host file", "path", configPath, "error", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildHost(ctx, cfg, file)
	if err != nil {
		logger.Error("failed to build host", "error", err)
		return 1
	}
	defer rt.close()

	if err := rt.host.Start(ctx); err != nil {
		logger.Error("failed to start host", "error", err)
		return 1
	}
	if err := rt.load(ctx, file); err != nil {
		logger.Error("failed to load host file", "error", err)
		return 1
	}

	srv := api.NewServer(rt.host, api.WithObservability(rt.obs))
	if err := srv.ListenAndServe(ctx, cfg.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("control api failed", "error", err)
		return 1
	}
	logger.Info("shutting down")
	return 0
}

// stack is a host with everything built around it.
type stack struct {
	host    *host.Host
	obs     *observability.Provider
	closers []func(context.Context) error
}

// close tears down in reverse build order.
func (rt *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			slog.Warn("shutdown step failed", "error", err)
		}
	}
}

func (rt *stack) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// buildHost wires configuration into a Host without starting it.
func buildHost(ctx context.Context, cfg *config.Config, file *config.HostFile) (_ *stack, err error) {
	rt := &stack{}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	if rt.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, err
	}
	rt.onClose(rt.obs.Shutdown)

	hc := host.Config{
		Labels:            file.Labels,
		TrustedIssuers:    file.TrustedIssuers,
		InvocationTimeout: cfg.InvocationTimeout,
		Namespace:         cfg.Namespace,
		RPCTimeout:        cfg.RPCTimeout,
		Modules:           modsource.NewRouter(modsource.CredentialsFromEnv()),
	}

	if cfg.HostSeed != "" {
		if hc.Keyring, err = crypto.NewIdentityKeyringFromSeed([]byte(cfg.HostSeed)); err != nil {
			return nil, fmt.Errorf("host seed: %w", err)
		}
	}

	if hc.Middleware, err = rt.middleware(cfg, file); err != nil {
		return nil, err
	}
	if len(file.Policies) > 0 {
		cel, err := authz.NewCELAuthorizer(file.Policies...)
		if err != nil {
			return nil, err
		}
		hc.Authorizer = authz.Chain(authz.Baseline{}, cel)
	}
	if len(file.Admission) > 0 {
		if hc.Admission, err = authz.NewCELAdmission(file.Admission...); err != nil {
			return nil, err
		}
	}

	if cfg.EventJournal != "" {
		journal, err := events.OpenJournal(ctx, cfg.EventJournal)
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return journal.Close() })
		hc.Events = journal
	}

	engine, err := actor.NewEngine(ctx, actor.EngineConfig{CallTimeout: cfg.InvocationTimeout})
	if err != nil {
		return nil, err
	}
	rt.onClose(func(context.Context) error { return engine.Close() })
	hc.Engine = engine

	if cfg.LatticeEnabled {
		nc, err := lattice.ConnectNATS(lattice.NATSConfig{
			URL:       cfg.LatticeURL(),
			Name:      "wascc-host",
			CredsFile: cfg.CredsFile,
			Timeout:   cfg.RPCTimeout,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return nc.Close() })
		hc.Transport = nc
	}

	if rt.host, err = host.New(hc); err != nil {
		return nil, err
	}
	rt.onClose(rt.host.Shutdown)
	return rt, nil
}

func (rt *stack) middleware(cfg *config.Config, file *config.HostFile) ([]middleware.Middleware, error) {
	var mws []middleware.Middleware
	if file.RateLimit != nil {
		var store middleware.LimiterStore = middleware.NewMemoryLimiterStore()
		if cfg.RedisURL != "" {
			rs, err := middleware.NewRedisLimiterStoreFromURL(cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			rt.onClose(func(context.Context) error { return rs.Close() })
			store = rs
		}
		mws = append(mws, middleware.NewRateLimit(store, middleware.RatePolicy{RPM: file.RateLimit.RPM, Burst: file.RateLimit.Burst}))
	}
	if len(file.Schemas) > 0 {
		v := middleware.NewSchemaValidator()
		for _, s := range file.Schemas {
			if err := v.AddSchema(s.CapabilityID, s.Operation, s.Schema); err != nil {
				return nil, fmt.Errorf("schema %s/%s: %w", s.CapabilityID, s.Operation, err)
			}
		}
		mws = append(mws, v)
	}
	metrics, err := middleware.NewMetrics(rt.obs.Meter())
	if err != nil {
		return nil, err
	}
	return append(mws, metrics), nil
}

// load starts the providers, actors and bindings a host file declares.
func (rt *stack) load(ctx context.Context, file *config.HostFile) error {
	for _, p := range file.Providers {
		switch {
		case p.Builtin == config.BuiltinKeyValue:
			if err := rt.host.AddProvider(ctx, keyvalue.New(nil), p.Instance); err != nil {
				return err
			}
		case p.Builtin == config.BuiltinExtras:
			// The default extras instance is always loaded.
			if p.Instance == "" || p.Instance == contracts.DefaultInstance {
				continue
			}
			if err := rt.host.AddProvider(ctx, extras.New(), p.Instance); err != nil {
				return err
			}
		default:
			if _, err := rt.host.AddProviderFromRef(ctx, p.Module, p.Instance); err != nil {
				return fmt.Errorf("provider %s: %w", p.Module, err)
			}
		}
	}
	for _, a := range file.Actors {
		if _, err := rt.host.AddActorFromRef(ctx, a.Module); err != nil {
			return fmt.Errorf("actor %s: %w", a.Module, err)
		}
	}
	for _, b := range file.Bindings {
		if _, err := rt.host.Bind(ctx, b.Actor, b.CapabilityID, b.Instance, b.Values); err != nil {
			return fmt.Errorf("bind %s to %s: %w", b.Actor, b.CapabilityID, err)
		}
	}
	return nil
}
