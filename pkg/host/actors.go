package host

import (
	"context"
	"fmt"

	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/events"
	"github.com/wasmCloud/wascc-host/pkg/identity"
	"github.com/wasmCloud/wascc-host/pkg/modsource"
	"github.com/wasmCloud/wascc-host/pkg/provider/extras"
	"github.com/wasmCloud/wascc-host/pkg/registry"
)

// AddActor verifies token, runs admission and registers handler under the
// token's subject. Actors claiming wascc:extras are bound to it.
func (h *Host) AddActor(ctx context.Context, token string, handler actor.Handler) (*identity.ValidClaims, error) {
	return h.addActor(ctx, token, handler, "")
}

// AddActorModule compiles wasm with the host engine and loads it as an
// actor using the claims embedded in the module.
func (h *Host) AddActorModule(ctx context.Context, wasm []byte) (*identity.ValidClaims, error) {
	if h.cfg.Engine == nil {
		return nil, ErrNoEngine
	}
	id, err := modsource.ModuleID(wasm)
	if err != nil {
		return nil, err
	}
	mod, err := h.cfg.Engine.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	token, err := mod.Claims()
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	claims, err := h.addActor(ctx, token, actor.ModuleHandler{Module: mod}, id)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	h.trackModule(claims.Subject, mod)
	return claims, nil
}

// AddActorFromRef fetches a module from the configured source and loads it.
func (h *Host) AddActorFromRef(ctx context.Context, ref string) (*identity.ValidClaims, error) {
	wasm, err := h.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return h.AddActorModule(ctx, wasm)
}

func (h *Host) fetch(ctx context.Context, ref string) ([]byte, error) {
	if h.cfg.Modules == nil {
		return nil, ErrNoModules
	}
	wasm, err := h.cfg.Modules.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	return wasm, nil
}

func (h *Host) admit(ctx context.Context, token string) (*identity.ValidClaims, error) {
	pk, err := identity.Subject(token)
	if err != nil {
		return nil, err
	}
	claims, err := h.verifier.Verify(pk, token)
	if err != nil {
		return nil, err
	}
	if h.cfg.Admission != nil {
		if err := h.cfg.Admission.Admit(ctx, claims); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func (h *Host) addActor(ctx context.Context, token string, handler actor.Handler, moduleID string) (*identity.ValidClaims, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	claims, err := h.admit(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("add actor: %w", err)
	}
	pk := claims.Subject
	h.emit(ctx, events.ActorStarting, map[string]any{events.KeyActor: pk})

	if aware, ok := handler.(actor.CallerAware); ok {
		aware.SetCaller(actorCaller{host: h, pk: pk})
	}
	rec := &registry.ActorRecord{PublicKey: pk, Claims: claims, Handler: handler, ModuleID: moduleID}
	if err := h.registry.RegisterActor(rec); err != nil {
		return nil, err
	}
	h.emit(ctx, events.ActorStarted, actorEventData(claims))

	if claims.HasCapability(extras.CapabilityID) {
		if _, err := h.bindLocal(ctx, pk, extras.CapabilityID, contracts.DefaultInstance, nil); err != nil {
			h.logger.Warn("binding extras failed", "actor", pk, "error", err)
		}
	}
	return claims, nil
}

func actorEventData(c *identity.ValidClaims) map[string]any {
	return map[string]any{
		events.KeyActor:  c.Subject,
		events.KeyClaims: c.Token,
	}
}

// ReplaceActor swaps the implementation of a running actor. The new claims
// must name the same subject; bindings are kept.
func (h *Host) ReplaceActor(ctx context.Context, token string, handler actor.Handler) (*identity.ValidClaims, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	claims, err := h.admit(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("replace actor: %w", err)
	}
	if aware, ok := handler.(actor.CallerAware); ok {
		aware.SetCaller(actorCaller{host: h, pk: claims.Subject})
	}
	if _, err := h.registry.ReplaceActor(&registry.ActorRecord{PublicKey: claims.Subject, Claims: claims, Handler: handler}); err != nil {
		return nil, err
	}
	h.releaseModule(ctx, claims.Subject)
	h.emit(ctx, events.ActorUpdated, actorEventData(claims))
	return claims, nil
}

// RemoveActor stops an actor and releases every binding it held here.
func (h *Host) RemoveActor(ctx context.Context, pk string) error {
	if _, err := h.registry.UnregisterActor(pk); err != nil {
		return err
	}
	removed, err := h.bindings.RemoveActor(ctx, pk)
	for _, b := range removed {
		h.emit(ctx, events.BindingRemoved, bindingEventData(b))
	}
	h.releaseModule(ctx, pk)
	h.emit(ctx, events.ActorStopped, map[string]any{events.KeyActor: pk})
	if err != nil {
		h.logger.Warn("releasing actor bindings failed", "actor", pk, "error", err)
	}
	return nil
}

// Actors lists the actors running on this host.
func (h *Host) Actors() []*registry.ActorRecord {
	return h.registry.Actors()
}

// CallActor invokes an actor with the host as origin. The actor may run
// on another host of the lattice.
func (h *Host) CallActor(ctx context.Context, pk, operation string, payload []byte) ([]byte, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	return h.router.Call(ctx, h.Entity(), contracts.NewActorEntity(pk), operation, payload)
}

// Call invokes target with an arbitrary origin. Origins other than the host
// itself are subject to the usual claims and binding checks.
func (h *Host) Call(ctx context.Context, origin, target contracts.Entity, operation string, payload []byte) ([]byte, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	return h.router.Call(ctx, origin, target, operation, payload)
}

// actorCaller issues invocations under an actor's identity.
type actorCaller struct {
	host *Host
	pk   string
}

func (c actorCaller) Call(ctx context.Context, target contracts.Entity, operation string, payload []byte) ([]byte, error) {
	if !c.host.registry.HasActor(c.pk) {
		return nil, fmt.Errorf("%w: %s is no longer running", contracts.ErrActorNotFound, c.pk)
	}
	return c.host.router.Call(ctx, contracts.NewActorEntity(c.pk), target, operation, payload)
}
