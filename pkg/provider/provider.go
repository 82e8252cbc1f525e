// Package provider defines capability providers and the providers built
// into the host.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// Provisioning operations sent to providers when bindings change.
const (
	OpBindActor   = "BindActor"
	OpRemoveActor = "RemoveActor"
)

// ErrUnsupportedOperation is returned for operations a provider does not know.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// Request is a single operation addressed to a provider.
type Request struct {
	Actor     string // origin actor public key, or contracts.SystemActor
	Operation string
	Payload   []byte
	Config    contracts.Config // configuration from the binding snapshot
}

// Dispatcher delivers provider-originated operations to actors.
type Dispatcher interface {
	Dispatch(ctx context.Context, actor, operation string, payload []byte) ([]byte, error)
}

// Provider is a capability provider. Native Go providers and portable
// module providers both satisfy it.
type Provider interface {
	// Load is called once when the provider is registered.
	Load(ctx context.Context, d Dispatcher) error
	// Descriptor answers GetCapabilityDescriptor.
	Descriptor(ctx context.Context) (contracts.ProviderDescriptor, error)
	HandleOperation(ctx context.Context, req Request) ([]byte, error)
	// Provision prepares resources for a binding. It must be idempotent.
	Provision(ctx context.Context, b contracts.Binding) error
	Deprovision(ctx context.Context, b contracts.Binding) error
}

// Reentrancy is implemented by providers that need serialized calls.
type Reentrancy interface {
	Reentrant() bool
}

// Closer is implemented by providers holding resources beyond bindings.
type Closer interface {
	Close(ctx context.Context) error
}

// IsReentrant reports whether p accepts concurrent calls.
func IsReentrant(p Provider) bool {
	if r, ok := p.(Reentrancy); ok {
		return r.Reentrant()
	}
	return true
}

// Describe fetches and validates a provider's descriptor.
func Describe(ctx context.Context, p Provider) (contracts.ProviderDescriptor, error) {
	d, err := p.Descriptor(ctx)
	if err != nil {
		return contracts.ProviderDescriptor{}, fmt.Errorf("get capability descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return contracts.ProviderDescriptor{}, err
	}
	return d, nil
}

// DescriptorPayload encodes a descriptor as the GetCapabilityDescriptor reply.
func DescriptorPayload(d contracts.ProviderDescriptor) ([]byte, error) {
	return json.Marshal(d)
}

// Unsupported returns the canonical error for an unknown operation.
func Unsupported(capID, op string) error {
	return fmt.Errorf("%w: %s does not handle %s", ErrUnsupportedOperation, capID, op)
}
