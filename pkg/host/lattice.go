package host

import (
	"context"
	"fmt"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/lattice"
)

// Launch kinds.
const (
	KindActor    = "actor"
	KindProvider = "provider"
)

// Invoke runs inv through the router. The lattice delivers inbound
// invocations here.
func (h *Host) Invoke(ctx context.Context, inv *contracts.Invocation) (*contracts.InvocationResponse, error) {
	return h.router.Invoke(ctx, inv)
}

// Inventory describes this host for probes and heartbeats.
func (h *Host) Inventory() lattice.HostInventory {
	inv := lattice.HostInventory{
		HostID:   h.ID(),
		Labels:   h.Labels(),
		Uptime:   h.uptime(),
		Bindings: h.bindings.All(),
	}
	for _, a := range h.registry.Actors() {
		s := lattice.ActorSummary{PublicKey: a.PublicKey}
		if a.Claims != nil {
			s.Name = a.Claims.Name
			s.Capabilities = a.Claims.Capabilities
			s.Claims = a.Claims.Token
		}
		inv.Actors = append(inv.Actors, s)
	}
	for _, p := range h.registry.Providers() {
		inv.Providers = append(inv.Providers, lattice.ProviderSummary{
			CapabilityID: p.Entity.CapabilityID(),
			Instance:     p.Entity.Instance(),
			Descriptor:   p.Descriptor,
		})
	}
	return inv
}

// Launch starts the entity named by cmd from a module reference. The
// lattice delivers launch commands won in an auction here.
func (h *Host) Launch(ctx context.Context, cmd lattice.LaunchCommand) error {
	switch cmd.Kind {
	case KindActor:
		_, err := h.AddActorFromRef(ctx, cmd.Ref)
		return err
	case KindProvider:
		_, err := h.AddProviderFromRef(ctx, cmd.Ref, cmd.Instance)
		return err
	default:
		return fmt.Errorf("%w: unknown launch kind %q", ErrInvalidConfig, cmd.Kind)
	}
}

// Schedule runs an auction for cmd and launches it on the first bidder.
func (h *Host) Schedule(ctx context.Context, cmd lattice.LaunchCommand, constraints map[string]string) (string, error) {
	if !h.latticeRunning() {
		return "", ErrNotStarted
	}
	bids, err := h.lattice.Auction(ctx, lattice.AuctionRequest{Kind: cmd.Kind, Ref: cmd.Ref, Constraints: constraints})
	if err != nil {
		return "", err
	}
	if len(bids) == 0 {
		return "", fmt.Errorf("no host satisfies %v", constraints)
	}
	winner := bids[0].HostID
	if err := h.lattice.Launch(ctx, winner, cmd); err != nil {
		return "", err
	}
	return winner, nil
}

func (h *Host) latticeRunning() bool {
	if h.lattice == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started && !h.stopped
}

func (h *Host) resolveActor(pk string) bool {
	return h.registry.HasActor(pk) || (h.lattice != nil && h.lattice.ResolveActor(pk))
}

// resolver lets the binding store accept actors running on other hosts.
// Providers must be local: bindings to remote instances live with them.
type resolver struct{ h *Host }

func (r resolver) HasActor(pk string) bool { return r.h.resolveActor(pk) }

func (r resolver) HasProvider(capID, instance string) bool {
	return r.h.registry.HasProvider(capID, instance)
}

// provisioner forwards binding changes to the provider instance.
type provisioner struct{ h *Host }

func (p provisioner) Provision(ctx context.Context, b contracts.Binding) error {
	rec, ok := p.h.registry.Provider(b.CapabilityID, b.Instance)
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrProviderNotFound, b.Provider())
	}
	return rec.Provider.Provision(ctx, b)
}

// Deprovision tolerates providers that are already gone.
func (p provisioner) Deprovision(ctx context.Context, b contracts.Binding) error {
	rec, ok := p.h.registry.Provider(b.CapabilityID, b.Instance)
	if !ok {
		return nil
	}
	return rec.Provider.Deprovision(ctx, b)
}

// claimsSource prefers local actors and falls back to claims cached from
// other hosts.
type claimsSource struct{ h *Host }

func (c claimsSource) ClaimsToken(pk string) (string, bool) {
	if token, ok := c.h.registry.ClaimsToken(pk); ok {
		return token, true
	}
	if c.h.lattice != nil {
		return c.h.lattice.ClaimsToken(pk)
	}
	return "", false
}

// bindingSource answers from the local store first. A binding known only
// from the lattice view counts just when its provider instance is not
// loaded here: a local instance only serves bindings it was provisioned for.
type bindingSource struct{ h *Host }

func (s bindingSource) Lookup(actor, capID string) (contracts.Binding, bool) {
	if b, ok := s.h.bindings.Lookup(actor, capID); ok {
		return b, true
	}
	if s.h.lattice == nil {
		return contracts.Binding{}, false
	}
	b, ok := s.h.lattice.Lookup(actor, capID)
	if !ok || s.h.registry.HasProvider(b.CapabilityID, b.Instance) {
		return contracts.Binding{}, false
	}
	return b, true
}

// adoptBindings provisions a freshly loaded provider instance with the
// bindings other hosts already hold for it.
func (h *Host) adoptBindings(ctx context.Context, capID, instance string) {
	if h.lattice == nil {
		return
	}
	for _, b := range h.lattice.BindingsFor(capID, instance) {
		if err := h.ApplyBinding(ctx, b); err != nil {
			h.logger.Warn("adopting lattice binding failed", "actor", b.Actor, "provider", b.Provider().Key(), "error", err)
		}
	}
}
