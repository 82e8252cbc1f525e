// Package binding holds the authoritative actor to provider bindings of a
// host.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wasmCloud/wascc-host/internal/shard"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// Resolver answers whether the entities named by a bind request exist.
type Resolver interface {
	HasActor(pk string) bool
	HasProvider(capID, instance string) bool
}

// Provisioner prepares and releases provider resources for a binding.
// Both calls must be idempotent.
type Provisioner interface {
	Provision(ctx context.Context, b contracts.Binding) error
	Deprovision(ctx context.Context, b contracts.Binding) error
}

// Store is the BindingStore. Binds on the same (actor, capability) pair are
// serialized; different pairs proceed concurrently.
type Store struct {
	resolver    Resolver
	provisioner Provisioner
	bindings    *shard.Map[contracts.Binding]
	pairLocks   sync.Map // pair key -> *sync.Mutex
	logger      *slog.Logger
}

// NewStore creates a Store.
func NewStore(resolver Resolver, provisioner Provisioner) *Store {
	return &Store{
		resolver:    resolver,
		provisioner: provisioner,
		bindings:    shard.New[contracts.Binding](),
		logger:      slog.Default().With("component", "binding"),
	}
}

func pairKey(actor, capID string) string {
	return actor + "|" + capID
}

func (s *Store) lock(key string) *sync.Mutex {
	mu, _ := s.pairLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Bind creates or fully replaces the binding for (actor, capID). An identical
// rebind is a no-op. Configuration is never merged with a previous binding.
func (s *Store) Bind(ctx context.Context, actor, capID, instance string, cfg contracts.Config) (contracts.Binding, error) {
	if instance == "" {
		instance = contracts.DefaultInstance
	}
	if !s.resolver.HasActor(actor) {
		return contracts.Binding{}, fmt.Errorf("bind %s: %w", actor, contracts.ErrActorNotFound)
	}
	if !s.resolver.HasProvider(capID, instance) {
		return contracts.Binding{}, fmt.Errorf("bind %s/%s: %w", capID, instance, contracts.ErrProviderNotFound)
	}

	b, _, err := s.set(ctx, contracts.Binding{Actor: actor, CapabilityID: capID, Instance: instance, Config: cfg.Clone()})
	return b, err
}

// Apply installs a binding decided by another host of the lattice. The
// actor may live elsewhere, so only the provider instance must be local.
// changed is false for an identical rebind.
func (s *Store) Apply(ctx context.Context, b contracts.Binding) (_ contracts.Binding, changed bool, err error) {
	if b.Instance == "" {
		b.Instance = contracts.DefaultInstance
	}
	if !s.resolver.HasProvider(b.CapabilityID, b.Instance) {
		return contracts.Binding{}, false, fmt.Errorf("apply %s/%s: %w", b.CapabilityID, b.Instance, contracts.ErrProviderNotFound)
	}
	return s.set(ctx, b.Clone())
}

func (s *Store) set(ctx context.Context, b contracts.Binding) (contracts.Binding, bool, error) {
	key := pairKey(b.Actor, b.CapabilityID)
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	prev, exists := s.bindings.Get(key)
	if exists && prev.Equal(b) {
		return prev.Clone(), false, nil
	}
	if err := s.provisioner.Provision(ctx, b); err != nil {
		return contracts.Binding{}, false, fmt.Errorf("provision %s -> %s: %w", b.Actor, b.Provider(), err)
	}
	if exists && prev.Instance != b.Instance {
		if err := s.provisioner.Deprovision(ctx, prev); err != nil {
			s.logger.Warn("deprovision replaced binding failed", "actor", b.Actor, "provider", prev.Provider().Key(), "error", err)
		}
	}
	s.bindings.Set(key, b)
	s.logger.Debug("binding set", "actor", b.Actor, "provider", b.Provider().Key(), "replaced", exists)
	return b.Clone(), true, nil
}

// Unbind removes the binding for (actor, capID) and releases its resources.
// The binding is removed even when deprovisioning fails.
func (s *Store) Unbind(ctx context.Context, actor, capID string) (contracts.Binding, error) {
	key := pairKey(actor, capID)
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	b, ok := s.bindings.Delete(key)
	if !ok {
		return contracts.Binding{}, fmt.Errorf("unbind %s from %s: %w", actor, capID, contracts.ErrNoSuchBinding)
	}
	if err := s.provisioner.Deprovision(ctx, b); err != nil {
		return b, fmt.Errorf("deprovision %s -> %s: %w", actor, b.Provider(), err)
	}
	return b, nil
}

// Lookup returns a snapshot of the binding for (actor, capID).
func (s *Store) Lookup(actor, capID string) (contracts.Binding, bool) {
	b, ok := s.bindings.Get(pairKey(actor, capID))
	if !ok {
		return contracts.Binding{}, false
	}
	return b.Clone(), true
}

// All returns every binding.
func (s *Store) All() []contracts.Binding {
	return s.filter(func(contracts.Binding) bool { return true })
}

// ForActor returns the bindings of one actor.
func (s *Store) ForActor(actor string) []contracts.Binding {
	return s.filter(func(b contracts.Binding) bool { return b.Actor == actor })
}

// ForProvider returns the bindings pointing at one provider instance.
func (s *Store) ForProvider(capID, instance string) []contracts.Binding {
	if instance == "" {
		instance = contracts.DefaultInstance
	}
	return s.filter(func(b contracts.Binding) bool {
		return b.CapabilityID == capID && b.Instance == instance
	})
}

// RemoveActor unbinds everything an unloading actor holds.
func (s *Store) RemoveActor(ctx context.Context, actor string) ([]contracts.Binding, error) {
	return s.removeAll(ctx, s.ForActor(actor))
}

// RemoveProvider unbinds every actor from an unloading provider instance.
func (s *Store) RemoveProvider(ctx context.Context, capID, instance string) ([]contracts.Binding, error) {
	return s.removeAll(ctx, s.ForProvider(capID, instance))
}

func (s *Store) removeAll(ctx context.Context, targets []contracts.Binding) ([]contracts.Binding, error) {
	var (
		removed []contracts.Binding
		errs    []error
	)
	for _, b := range targets {
		got, err := s.Unbind(ctx, b.Actor, b.CapabilityID)
		if errors.Is(err, contracts.ErrNoSuchBinding) {
			continue
		}
		removed = append(removed, got)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (s *Store) filter(keep func(contracts.Binding) bool) []contracts.Binding {
	var out []contracts.Binding
	for _, b := range s.bindings.Values() {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	return out
}
