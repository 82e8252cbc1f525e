// Package extras implements the wascc:extras capability: GUIDs, random
// numbers and per-actor sequences.
package extras

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/provider"
)

// CapabilityID of the extras provider.
const CapabilityID = "wascc:extras"

// Operations.
const (
	OpRequestGUID     = "RequestGuid"
	OpRequestRandom   = "RequestRandom"
	OpRequestSequence = "RequestSequence"
)

// RandomRequest asks for a number in [Min, Max].
type RandomRequest struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

// GeneratorResult is the reply to every extras operation.
type GeneratorResult struct {
	GUID     string `json:"guid,omitempty"`
	Value    uint64 `json:"value"`
	Sequence bool   `json:"sequence,omitempty"`
}

// Provider is always loaded by the host.
type Provider struct {
	mu        sync.Mutex
	sequences map[string]uint64
}

// New creates the extras provider.
func New() *Provider {
	return &Provider{sequences: make(map[string]uint64)}
}

func (p *Provider) Load(context.Context, provider.Dispatcher) error { return nil }

func (p *Provider) Descriptor(context.Context) (contracts.ProviderDescriptor, error) {
	return contracts.ProviderDescriptor{
		CapabilityID:    CapabilityID,
		Name:            "waSCC Extras (Internal)",
		LongDescription: "A capability provider exposing miscellaneous utility functions to actors",
		Version:         "0.6.0",
		Revision:        3,
		Operations: []contracts.OperationDescriptor{
			{Name: OpRequestGUID, Direction: contracts.ToProvider, Description: "Requests the generation of a new GUID"},
			{Name: OpRequestRandom, Direction: contracts.ToProvider, Description: "Requests the generation of a random number"},
			{Name: OpRequestSequence, Direction: contracts.ToProvider, Description: "Requests the next number in a process-wide global sequence"},
		},
	}, nil
}

func (p *Provider) HandleOperation(_ context.Context, req provider.Request) ([]byte, error) {
	var res GeneratorResult
	switch req.Operation {
	case OpRequestGUID:
		res.GUID = uuid.NewString()
	case OpRequestRandom:
		var r RandomRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return nil, fmt.Errorf("decode random request: %w", err)
		}
		if r.Min > r.Max {
			return nil, fmt.Errorf("invalid range: min %d > max %d", r.Min, r.Max)
		}
		res.Value = uint64(r.Min) + rand.Uint64N(uint64(r.Max-r.Min)+1)
	case OpRequestSequence:
		res.Sequence = true
		res.Value = p.next(req.Actor)
	default:
		return nil, provider.Unsupported(CapabilityID, req.Operation)
	}
	return json.Marshal(res)
}

func (p *Provider) next(actor string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.sequences[actor]
	p.sequences[actor] = v + 1
	return v
}

func (p *Provider) Provision(context.Context, contracts.Binding) error { return nil }

// Deprovision forgets the actor's sequence.
func (p *Provider) Deprovision(_ context.Context, b contracts.Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sequences, b.Actor)
	return nil
}
