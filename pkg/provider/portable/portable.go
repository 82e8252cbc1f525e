// Package portable runs capability providers compiled to WebAssembly.
// Every call, including binding provisioning, is a guest run.
package portable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wasmCloud/wascc-host/pkg/actor"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/provider"
)

// Runner executes one guest operation. *actor.Module satisfies it.
type Runner interface {
	Run(ctx context.Context, env actor.Envelope) ([]byte, error)
}

// Provider adapts a Runner to provider.Provider.
type Provider struct {
	runner Runner
}

// New wraps a compiled module.
func New(r Runner) *Provider {
	return &Provider{runner: r}
}

// Load is a no-op: portable providers cannot call back into actors.
func (p *Provider) Load(context.Context, provider.Dispatcher) error { return nil }

func (p *Provider) Descriptor(ctx context.Context) (contracts.ProviderDescriptor, error) {
	raw, err := p.runner.Run(ctx, actor.Envelope{Operation: contracts.OpGetCapabilityDescriptor, Origin: contracts.SystemActor})
	if err != nil {
		return contracts.ProviderDescriptor{}, err
	}
	var d contracts.ProviderDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return contracts.ProviderDescriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	return d, nil
}

func (p *Provider) HandleOperation(ctx context.Context, req provider.Request) ([]byte, error) {
	return p.runner.Run(ctx, actor.Envelope{
		Operation: req.Operation,
		Payload:   req.Payload,
		Origin:    req.Actor,
		Config:    req.Config.Map(),
	})
}

func (p *Provider) Provision(ctx context.Context, b contracts.Binding) error {
	_, err := p.runner.Run(ctx, actor.Envelope{
		Operation: provider.OpBindActor,
		Origin:    b.Actor,
		Config:    b.Config.Map(),
	})
	return err
}

func (p *Provider) Deprovision(ctx context.Context, b contracts.Binding) error {
	_, err := p.runner.Run(ctx, actor.Envelope{Operation: provider.OpRemoveActor, Origin: b.Actor})
	return err
}
