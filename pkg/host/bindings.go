package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/events"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
)

// Bind links actor to a provider instance with the given configuration.
// The actor may run anywhere in the lattice. When the provider instance is
// local the binding is applied here first; other hosts running the instance
// receive it over the lattice.
func (h *Host) Bind(ctx context.Context, actor, capID, instance string, values map[string]string) (contracts.Binding, error) {
	if err := h.checkOpen(); err != nil {
		return contracts.Binding{}, err
	}
	if instance == "" {
		instance = contracts.DefaultInstance
	}
	local := h.registry.HasProvider(capID, instance)
	if !local && !h.latticeRunning() {
		return contracts.Binding{}, fmt.Errorf("bind %s/%s: %w", capID, instance, contracts.ErrProviderNotFound)
	}

	var b contracts.Binding
	if local {
		var err error
		if b, err = h.bindLocal(ctx, actor, capID, instance, values); err != nil {
			return contracts.Binding{}, err
		}
	} else {
		if !h.resolveActor(actor) {
			return contracts.Binding{}, fmt.Errorf("bind %s: %w", actor, contracts.ErrActorNotFound)
		}
		b = contracts.Binding{Actor: actor, CapabilityID: capID, Instance: instance, Config: contracts.NewConfig(values)}
	}

	if !h.latticeRunning() {
		return b, nil
	}
	_, err := h.lattice.SetBinding(ctx, b)
	switch {
	case err == nil:
		return b, nil
	case local:
		h.logger.Warn("binding not propagated to every host", "actor", actor, "provider", b.Provider().Key(), "error", err)
		return b, nil
	case errors.Is(err, lattice.ErrNoAcks):
		return contracts.Binding{}, fmt.Errorf("bind %s/%s: %w", capID, instance, contracts.ErrProviderNotFound)
	default:
		return contracts.Binding{}, fmt.Errorf("bind %s/%s: %w", capID, instance, err)
	}
}

func (h *Host) bindLocal(ctx context.Context, actor, capID, instance string, values map[string]string) (contracts.Binding, error) {
	b, err := h.bindings.Bind(ctx, actor, capID, instance, contracts.NewConfig(values))
	if err != nil {
		return contracts.Binding{}, err
	}
	h.emit(ctx, events.BindingCreated, bindingEventData(b))
	return b, nil
}

// Unbind removes the binding of actor to capID wherever the provider runs.
func (h *Host) Unbind(ctx context.Context, actor, capID string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	b, local := h.bindings.Lookup(actor, capID)
	if local {
		if err := h.RevokeBinding(ctx, actor, capID); err != nil && !errors.Is(err, contracts.ErrNoSuchBinding) {
			return err
		}
	}
	if !h.latticeRunning() {
		if !local {
			return fmt.Errorf("unbind %s from %s: %w", actor, capID, contracts.ErrNoSuchBinding)
		}
		return nil
	}

	if !local {
		var ok bool
		if b, ok = h.lattice.Lookup(actor, capID); !ok {
			return fmt.Errorf("unbind %s from %s: %w", actor, capID, contracts.ErrNoSuchBinding)
		}
	}
	if _, err := h.lattice.RemoveBinding(ctx, actor, capID, b.Instance); err != nil {
		if local {
			h.logger.Warn("unbind not propagated to every host", "actor", actor, "capability", capID, "error", err)
			return nil
		}
		return fmt.Errorf("unbind %s from %s: %w", actor, capID, err)
	}
	return nil
}

// ApplyBinding installs a binding decided elsewhere in the lattice for a
// provider instance running here.
func (h *Host) ApplyBinding(ctx context.Context, b contracts.Binding) error {
	applied, changed, err := h.bindings.Apply(ctx, b)
	if err != nil {
		return err
	}
	if changed {
		h.emit(ctx, events.BindingCreated, bindingEventData(applied))
	}
	return nil
}

// RevokeBinding removes a binding held by this host.
func (h *Host) RevokeBinding(ctx context.Context, actor, capID string) error {
	b, err := h.bindings.Unbind(ctx, actor, capID)
	if errors.Is(err, contracts.ErrNoSuchBinding) {
		return err
	}
	h.emit(ctx, events.BindingRemoved, bindingEventData(b))
	return err
}

// Bindings lists the bindings held by this host.
func (h *Host) Bindings() []contracts.Binding {
	return h.bindings.All()
}

// LookupBinding finds the binding of actor to capID here or, failing that,
// anywhere in the lattice.
func (h *Host) LookupBinding(actor, capID string) (contracts.Binding, bool) {
	return bindingSource{h}.Lookup(actor, capID)
}

func bindingEventData(b contracts.Binding) map[string]any {
	data := map[string]any{
		events.KeyActor:      b.Actor,
		events.KeyCapability: b.CapabilityID,
		events.KeyInstance:   b.Instance,
	}
	if len(b.Config) > 0 {
		data[events.KeyConfig] = b.Config.Map()
	}
	return data
}
