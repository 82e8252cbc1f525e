// Package providertest provides an in-memory Provider for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/provider"
)

// Fake records every call it receives. HandleFunc, when set, produces the
// operation result; otherwise the payload is echoed.
type Fake struct {
	CapabilityID  string
	NonReentrant  bool
	HandleFunc    func(ctx context.Context, req provider.Request) ([]byte, error)
	ProvisionErr  error
	DescriptorErr error

	mu          sync.Mutex
	requests    []provider.Request
	provisioned []contracts.Binding
	removed     []contracts.Binding
	dispatcher  provider.Dispatcher
}

// New returns a Fake for capID.
func New(capID string) *Fake {
	return &Fake{CapabilityID: capID}
}

func (f *Fake) Load(_ context.Context, d provider.Dispatcher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatcher = d
	return nil
}

func (f *Fake) Descriptor(context.Context) (contracts.ProviderDescriptor, error) {
	if f.DescriptorErr != nil {
		return contracts.ProviderDescriptor{}, f.DescriptorErr
	}
	return contracts.ProviderDescriptor{
		CapabilityID: f.CapabilityID,
		Name:         "fake " + f.CapabilityID,
		Version:      "1.0.0",
		Revision:     1,
		Operations: []contracts.OperationDescriptor{
			{Name: "Echo", Direction: contracts.ToProvider},
			{Name: "Deliver", Direction: contracts.ToActor},
		},
	}, nil
}

func (f *Fake) HandleOperation(ctx context.Context, req provider.Request) ([]byte, error) {
	f.mu.Lock()
	req.Config = req.Config.Clone()
	f.requests = append(f.requests, req)
	handle := f.HandleFunc
	f.mu.Unlock()
	if handle != nil {
		return handle(ctx, req)
	}
	return req.Payload, nil
}

func (f *Fake) Provision(_ context.Context, b contracts.Binding) error {
	if f.ProvisionErr != nil {
		return f.ProvisionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned = append(f.provisioned, b.Clone())
	return nil
}

func (f *Fake) Deprovision(_ context.Context, b contracts.Binding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, b.Clone())
	return nil
}

func (f *Fake) Reentrant() bool { return !f.NonReentrant }

// Requests returns the operations received so far.
func (f *Fake) Requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.requests...)
}

// Provisioned returns every binding passed to Provision.
func (f *Fake) Provisioned() []contracts.Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contracts.Binding(nil), f.provisioned...)
}

// Deprovisioned returns every binding passed to Deprovision.
func (f *Fake) Deprovisioned() []contracts.Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contracts.Binding(nil), f.removed...)
}

// Dispatcher returns the dispatcher handed to Load.
func (f *Fake) Dispatcher() provider.Dispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatcher
}
