package host

import (
	"context"
	"fmt"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/events"
	"github.com/wasmCloud/wascc-host/pkg/provider"
	"github.com/wasmCloud/wascc-host/pkg/provider/portable"
	"github.com/wasmCloud/wascc-host/pkg/registry"
)

// AddProvider registers p under instance and loads it. The provider's
// descriptor must be valid.
func (h *Host) AddProvider(ctx context.Context, p provider.Provider, instance string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if instance == "" {
		instance = contracts.DefaultInstance
	}
	rec, err := h.registry.RegisterProvider(ctx, p, instance)
	if err != nil {
		return fmt.Errorf("add provider: %w", err)
	}
	capID := rec.Entity.CapabilityID()
	if err := p.Load(ctx, dispatcher{host: h, origin: rec.Entity}); err != nil {
		_, _ = h.registry.UnregisterProvider(capID, instance)
		return fmt.Errorf("load provider %s: %w", rec.Entity, err)
	}
	h.emit(ctx, events.ProviderLoaded, map[string]any{
		events.KeyCapability: capID,
		events.KeyInstance:   instance,
	})
	h.adoptBindings(ctx, capID, instance)
	return nil
}

// AddProviderModule loads a portable provider from a module. The module
// answers GetCapabilityDescriptor to name its capability.
func (h *Host) AddProviderModule(ctx context.Context, wasm []byte, instance string) (contracts.ProviderDescriptor, error) {
	if h.cfg.Engine == nil {
		return contracts.ProviderDescriptor{}, ErrNoEngine
	}
	mod, err := h.cfg.Engine.Compile(ctx, wasm)
	if err != nil {
		return contracts.ProviderDescriptor{}, err
	}
	p := portable.New(mod)
	desc, err := provider.Describe(ctx, p)
	if err != nil {
		_ = mod.Close(ctx)
		return contracts.ProviderDescriptor{}, err
	}
	if err := h.AddProvider(ctx, p, instance); err != nil {
		_ = mod.Close(ctx)
		return contracts.ProviderDescriptor{}, err
	}
	h.trackModule(contracts.NewProviderEntity(desc.CapabilityID, instance).Key(), mod)
	return desc, nil
}

// AddProviderFromRef fetches a portable provider module and loads it.
func (h *Host) AddProviderFromRef(ctx context.Context, ref, instance string) (contracts.ProviderDescriptor, error) {
	wasm, err := h.fetch(ctx, ref)
	if err != nil {
		return contracts.ProviderDescriptor{}, err
	}
	return h.AddProviderModule(ctx, wasm, instance)
}

// RemoveProvider unloads a provider instance and drops its bindings.
func (h *Host) RemoveProvider(ctx context.Context, capID, instance string) error {
	if instance == "" {
		instance = contracts.DefaultInstance
	}
	if !h.registry.HasProvider(capID, instance) {
		return fmt.Errorf("%w: %s", contracts.ErrProviderNotFound, contracts.NewProviderEntity(capID, instance))
	}
	// Bindings go first so the provider can release their resources.
	removed, bindErr := h.bindings.RemoveProvider(ctx, capID, instance)
	rec, err := h.registry.UnregisterProvider(capID, instance)
	if err != nil {
		return err
	}
	for _, b := range removed {
		h.emit(ctx, events.BindingRemoved, bindingEventData(b))
	}
	if bindErr != nil {
		h.logger.Warn("releasing provider bindings failed", "provider", rec.Entity.Key(), "error", bindErr)
	}
	if c, ok := rec.Provider.(provider.Closer); ok {
		if err := c.Close(ctx); err != nil {
			h.logger.Warn("closing provider failed", "provider", rec.Entity.Key(), "error", err)
		}
	}
	h.releaseModule(ctx, rec.Entity.Key())
	h.emit(ctx, events.ProviderRemoved, map[string]any{
		events.KeyCapability: capID,
		events.KeyInstance:   instance,
	})
	return nil
}

// Providers lists the provider instances loaded here.
func (h *Host) Providers() []*registry.ProviderRecord {
	return h.registry.Providers()
}

// dispatcher delivers provider-originated calls to actors through the
// router, so the binding check applies.
type dispatcher struct {
	host   *Host
	origin contracts.Entity
}

func (d dispatcher) Dispatch(ctx context.Context, actor, operation string, payload []byte) ([]byte, error) {
	return d.host.router.Call(ctx, d.origin, contracts.NewActorEntity(actor), operation, payload)
}
