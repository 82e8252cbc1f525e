// Package actor defines the boundary between the host and actor code.
package actor

import (
	"context"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// Handler is the entrypoint an execution engine supplies for a loaded actor.
type Handler interface {
	HandleOperation(ctx context.Context, operation string, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, operation string, payload []byte) ([]byte, error)

func (f HandlerFunc) HandleOperation(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	return f(ctx, operation, payload)
}

// Caller lets an actor issue invocations under its own identity.
type Caller interface {
	Call(ctx context.Context, target contracts.Entity, operation string, payload []byte) ([]byte, error)
}

// CallerAware handlers receive a Caller when the host loads them.
type CallerAware interface {
	SetCaller(c Caller)
}
