// Package host assembles the runtime: registry, bindings, router,
// middleware and, optionally, lattice membership. It is the management
// surface used by the CLI and the control API.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/binding"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/crypto"
	"github.com/wasmCloud/wascc-host/pkg/events"
	"github.com/wasmCloud/wascc-host/pkg/identity"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
	"github.com/wasmCloud/wascc-host/pkg/middleware"
	"github.com/wasmCloud/wascc-host/pkg/provider/extras"
	"github.com/wasmCloud/wascc-host/pkg/registry"
	"github.com/wasmCloud/wascc-host/pkg/router"
)

const defaultEventsKept = 256

var (
	ErrNotStarted = errors.New("host not started")
	ErrStopped    = errors.New("host has shut down")
	ErrNoEngine   = errors.New("host has no module engine")
	ErrNoModules  = errors.New("host has no module source")
)

// Host is a single waSCC host.
type Host struct {
	cfg      Config
	keyring  *crypto.IdentityKeyring
	registry *registry.Registry
	bindings *binding.Store
	verifier *identity.ClaimsVerifier
	pipeline *middleware.Pipeline
	router   *router.Router
	lattice  *lattice.Coordinator
	ring     *events.Ring
	sink     events.Sink
	logger   *slog.Logger

	mu        sync.RWMutex
	labels    map[string]string
	started   bool
	stopped   bool
	startedAt time.Time
	modules   map[string]*actor.Module // actor pk or provider key -> compiled module
}

// New builds a host from cfg. The extras provider is loaded immediately.
func New(cfg Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "host")
	}
	if cfg.EventsKept == 0 {
		cfg.EventsKept = defaultEventsKept
	}
	keyring := cfg.Keyring
	if keyring == nil {
		var err error
		if keyring, err = crypto.NewIdentityKeyring(); err != nil {
			return nil, fmt.Errorf("host keyring: %w", err)
		}
	}

	labels := defaultLabels()
	maps.Copy(labels, cfg.Labels)

	h := &Host{
		cfg:      cfg,
		keyring:  keyring,
		registry: registry.New(),
		ring:     events.NewRing(cfg.EventsKept),
		logger:   cfg.Logger,
		labels:   labels,
		modules:  make(map[string]*actor.Module),
	}

	verifierOpts := []identity.VerifierOption{identity.WithTrustedIssuers(cfg.TrustedIssuers...)}
	if cfg.Clock != nil {
		verifierOpts = append(verifierOpts, identity.WithClock(cfg.Clock))
	}
	h.verifier = identity.NewClaimsVerifier(verifierOpts...)
	h.pipeline = middleware.NewPipeline(cfg.Middleware...)
	h.bindings = binding.NewStore(resolver{h}, provisioner{h})

	local := events.Multi{events.NewLogSink(cfg.Logger.With("component", "events")), h.ring}
	if cfg.Events != nil {
		local = append(local, cfg.Events)
	}
	h.sink = local

	if cfg.Transport != nil {
		coord, err := lattice.New(lattice.Config{
			Transport:         cfg.Transport,
			Keyring:           keyring,
			Namespace:         cfg.Namespace,
			RPCTimeout:        cfg.RPCTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Events:            local,
			Logger:            cfg.Logger.With("component", "lattice"),
		})
		if err != nil {
			return nil, err
		}
		h.lattice = coord
		h.sink = events.Multi{local, coord}
	}

	routerOpts := []router.Option{
		router.WithClaimsSource(claimsSource{h}),
		router.WithLogger(cfg.Logger.With("component", "router")),
	}
	if cfg.Authorizer != nil {
		routerOpts = append(routerOpts, router.WithAuthorizer(cfg.Authorizer))
	}
	if cfg.InvocationTimeout > 0 {
		routerOpts = append(routerOpts, router.WithTimeout(cfg.InvocationTimeout))
	}
	if cfg.DedupWindow > 0 {
		routerOpts = append(routerOpts, router.WithDedupWindow(cfg.DedupWindow))
	}
	h.router = router.New(h.registry, bindingSource{h}, h.verifier, h.pipeline, routerOpts...)

	if err := h.AddProvider(context.Background(), extras.New(), contracts.DefaultInstance); err != nil {
		return nil, fmt.Errorf("load extras: %w", err)
	}
	return h, nil
}

// ID is the host's public key.
func (h *Host) ID() string { return h.keyring.PublicKey() }

// Namespace is the lattice namespace, empty when standalone or unnamed.
func (h *Host) Namespace() string { return h.cfg.Namespace }

// Entity is the host as an invocation origin.
func (h *Host) Entity() contracts.Entity { return contracts.NewHostEntity(h.ID()) }

// Lattice returns the coordinator, or nil for a standalone host.
func (h *Host) Lattice() *lattice.Coordinator { return h.lattice }

// Labels returns a copy of the host labels.
func (h *Host) Labels() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.labels)
}

// SetLabel adds or changes a label before the host starts.
func (h *Host) SetLabel(key, value string) error {
	if IsReservedLabel(key) {
		return fmt.Errorf("%w: %s", ErrReservedLabel, key)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.stopped {
		return ErrLabelsFrozen
	}
	h.labels[key] = value
	return nil
}

// Events returns the most recent events, oldest first.
func (h *Host) Events() []events.Event { return h.ring.Recent() }

// Start freezes the labels and joins the lattice, if configured.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrStopped
	}
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.startedAt = time.Now()
	h.mu.Unlock()

	if h.lattice != nil {
		if err := h.lattice.Start(ctx, h); err != nil {
			_ = h.lattice.Stop(ctx)
			return fmt.Errorf("join lattice: %w", err)
		}
		h.router.SetRemote(h.lattice)
	}
	h.emit(ctx, events.HostStarted, map[string]any{events.KeyLabels: h.Labels()})
	h.logger.Info("host started", "host", h.ID(), "lattice", h.lattice != nil)
	return nil
}

// Shutdown stops every actor and provider, leaves the lattice and wipes the
// host keys. A stopped host cannot be restarted.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	var errs []error
	for _, rec := range h.registry.Actors() {
		if err := h.RemoveActor(ctx, rec.PublicKey); err != nil && !errors.Is(err, contracts.ErrActorNotFound) {
			errs = append(errs, err)
		}
	}
	for _, rec := range h.registry.Providers() {
		if err := h.RemoveProvider(ctx, rec.Entity.CapabilityID(), rec.Entity.Instance()); err != nil && !errors.Is(err, contracts.ErrProviderNotFound) {
			errs = append(errs, err)
		}
	}

	h.emit(ctx, events.HostStopped, nil)
	if h.lattice != nil {
		h.router.SetRemote(nil)
		errs = append(errs, h.lattice.Stop(ctx))
	}
	h.keyring.Wipe()
	h.logger.Info("host stopped", "host", h.ID())
	return errors.Join(errs...)
}

func (h *Host) uptime() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.started {
		return 0
	}
	return time.Since(h.startedAt)
}

func (h *Host) checkOpen() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return ErrStopped
	}
	return nil
}

func (h *Host) emit(ctx context.Context, typ events.Type, data map[string]any) {
	if err := h.sink.Emit(ctx, events.New(h.ID(), typ, data)); err != nil {
		h.logger.Warn("event delivery failed", "type", string(typ), "error", err)
	}
}

func (h *Host) trackModule(key string, m *actor.Module) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modules[key] = m
}

// releaseModule closes the module compiled for key, if any.
func (h *Host) releaseModule(ctx context.Context, key string) {
	h.mu.Lock()
	m, ok := h.modules[key]
	delete(h.modules, key)
	h.mu.Unlock()
	if ok {
		if err := m.Close(ctx); err != nil {
			h.logger.Warn("closing module failed", "entity", key, "error", err)
		}
	}
}
