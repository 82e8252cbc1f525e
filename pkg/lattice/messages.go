package lattice

import (
	"time"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/events"
)

// ActorSummary describes an actor running on a host.
type ActorSummary struct {
	PublicKey    string   `json:"public_key"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Claims       string   `json:"claims,omitempty"`
}

// ProviderSummary describes a provider instance on a host.
type ProviderSummary struct {
	CapabilityID string                       `json:"capability_id"`
	Instance     string                       `json:"instance"`
	Descriptor   contracts.ProviderDescriptor `json:"descriptor"`
}

// HostInventory is a host's answer to probes and the body of heartbeats.
type HostInventory struct {
	HostID    string              `json:"host_id"`
	Labels    map[string]string   `json:"labels,omitempty"`
	Uptime    time.Duration       `json:"uptime"`
	Actors    []ActorSummary      `json:"actors,omitempty"`
	Providers []ProviderSummary   `json:"providers,omitempty"`
	Bindings  []contracts.Binding `json:"bindings,omitempty"`
}

// trim keeps only what a probe of kind asks for.
func (h HostInventory) trim(kind InventoryKind) HostInventory {
	out := HostInventory{HostID: h.HostID}
	switch kind {
	case InventoryHosts:
		out.Labels, out.Uptime = h.Labels, h.Uptime
	case InventoryActors:
		out.Actors = h.Actors
	case InventoryProviders:
		out.Providers = h.Providers
	case InventoryBindings:
		out.Bindings = h.Bindings
	}
	return out
}

// bindingCommand asks provider-owning hosts to apply or revoke a binding.
type bindingCommand struct {
	ID      string            `json:"id"`
	Remove  bool              `json:"remove,omitempty"`
	Binding contracts.Binding `json:"binding"`
}

// Ack is a host's reply to a command.
type Ack struct {
	HostID string `json:"host_id"`
	Error  string `json:"error,omitempty"`
}

// AuctionRequest asks hosts to bid for running an actor or provider.
type AuctionRequest struct {
	Kind        string            `json:"kind"` // "actor" or "provider"
	Ref         string            `json:"ref"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// AuctionBid is a host's offer to run the requested entity.
type AuctionBid struct {
	HostID string            `json:"host_id"`
	Labels map[string]string `json:"labels,omitempty"`
}

// LaunchCommand tells one host to start an entity from a module reference.
type LaunchCommand struct {
	Kind     string `json:"kind"`
	Ref      string `json:"ref"`
	Instance string `json:"instance,omitempty"`
}

// eventEnvelope is what travels on the events subject. Heartbeats carry
// the sender's inventory.
type eventEnvelope struct {
	Event     events.Event   `json:"event"`
	Heartbeat *HostInventory `json:"heartbeat,omitempty"`
	Signature []byte         `json:"sig,omitempty"`
}

type signedEvent struct {
	Event     events.Event   `json:"event"`
	Heartbeat *HostInventory `json:"heartbeat,omitempty"`
}

func satisfies(labels, constraints map[string]string) bool {
	for k, v := range constraints {
		if labels[k] != v {
			return false
		}
	}
	return true
}
