// Package registry tracks the actors and capability provider instances
// loaded on this host.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wasmCloud/wascc-host/internal/shard"
	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/identity"
	"github.com/wasmCloud/wascc-host/pkg/provider"
)

var (
	ErrActorExists    = errors.New("actor already registered")
	ErrProviderExists = errors.New("provider instance already registered")
)

// ActorRecord describes a loaded actor.
type ActorRecord struct {
	PublicKey string
	Claims    *identity.ValidClaims
	Handler   actor.Handler
	ModuleID  string // content id of the module, empty for native handlers
	StartedAt time.Time
}

// ProviderRecord describes a loaded provider instance.
type ProviderRecord struct {
	Entity     contracts.Entity
	Descriptor contracts.ProviderDescriptor
	Provider   provider.Provider
	Reentrant  bool
	LoadedAt   time.Time

	gate chan struct{}
}

// Acquire waits for permission to call a non-reentrant provider. Reentrant
// providers return immediately. The returned func releases the slot.
func (r *ProviderRecord) Acquire(ctx context.Context) (func(), error) {
	if r.gate == nil {
		return func() {}, nil
	}
	select {
	case r.gate <- struct{}{}:
		return func() { <-r.gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry is the EntityRegistry. Lookups never block each other and writes
// to different entities proceed independently.
type Registry struct {
	actors    *shard.Map[*ActorRecord]
	providers *shard.Map[*ProviderRecord]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		actors:    shard.New[*ActorRecord](),
		providers: shard.New[*ProviderRecord](),
	}
}

// RegisterActor adds a loaded actor.
func (r *Registry) RegisterActor(rec *ActorRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if !r.actors.SetIfAbsent(rec.PublicKey, rec) {
		return fmt.Errorf("%w: %s", ErrActorExists, rec.PublicKey)
	}
	return nil
}

// ReplaceActor swaps the record of an already registered actor and returns
// the previous one.
func (r *Registry) ReplaceActor(rec *ActorRecord) (*ActorRecord, error) {
	var prev *ActorRecord
	r.actors.Update(rec.PublicKey, func(old *ActorRecord, exists bool) (*ActorRecord, bool) {
		if !exists {
			return nil, false
		}
		prev = old
		if rec.StartedAt.IsZero() {
			rec.StartedAt = old.StartedAt
		}
		return rec, true
	})
	if prev == nil {
		return nil, fmt.Errorf("%w: %s", contracts.ErrActorNotFound, rec.PublicKey)
	}
	return prev, nil
}

// UnregisterActor removes an actor.
func (r *Registry) UnregisterActor(pk string) (*ActorRecord, error) {
	rec, ok := r.actors.Delete(pk)
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrActorNotFound, pk)
	}
	return rec, nil
}

// Actor returns the record for pk.
func (r *Registry) Actor(pk string) (*ActorRecord, bool) {
	return r.actors.Get(pk)
}

// HasActor reports whether pk is loaded.
func (r *Registry) HasActor(pk string) bool {
	_, ok := r.actors.Get(pk)
	return ok
}

// Actors lists loaded actors ordered by public key.
func (r *Registry) Actors() []*ActorRecord {
	return r.actors.Values()
}

// ClaimsToken returns the raw claims of a local actor.
func (r *Registry) ClaimsToken(pk string) (string, bool) {
	rec, ok := r.actors.Get(pk)
	if !ok || rec.Claims == nil {
		return "", false
	}
	return rec.Claims.Token, true
}

// RegisterProvider queries the provider's descriptor and records the
// instance. The descriptor must be valid before the provider can be bound.
func (r *Registry) RegisterProvider(ctx context.Context, p provider.Provider, instance string) (*ProviderRecord, error) {
	desc, err := provider.Describe(ctx, p)
	if err != nil {
		return nil, err
	}
	rec := &ProviderRecord{
		Entity:     contracts.NewProviderEntity(desc.CapabilityID, instance),
		Descriptor: desc,
		Provider:   p,
		Reentrant:  provider.IsReentrant(p),
		LoadedAt:   time.Now().UTC(),
	}
	if !rec.Reentrant {
		rec.gate = make(chan struct{}, 1)
	}
	if !r.providers.SetIfAbsent(rec.Entity.Key(), rec) {
		return nil, fmt.Errorf("%w: %s", ErrProviderExists, rec.Entity)
	}
	return rec, nil
}

// UnregisterProvider removes a provider instance.
func (r *Registry) UnregisterProvider(capID, instance string) (*ProviderRecord, error) {
	e := contracts.NewProviderEntity(capID, instance)
	rec, ok := r.providers.Delete(e.Key())
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrProviderNotFound, e)
	}
	return rec, nil
}

// Provider returns the record for a provider instance.
func (r *Registry) Provider(capID, instance string) (*ProviderRecord, bool) {
	return r.providers.Get(contracts.NewProviderEntity(capID, instance).Key())
}

// HasProvider reports whether the provider instance is loaded.
func (r *Registry) HasProvider(capID, instance string) bool {
	_, ok := r.Provider(capID, instance)
	return ok
}

// Providers lists loaded provider instances.
func (r *Registry) Providers() []*ProviderRecord {
	return r.providers.Values()
}
