// Package authz decides whether an invocation that passed the baseline
// claims and binding checks may proceed.
package authz

import (
	"context"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/identity"
)

// Request is what an Authorizer sees about a call.
type Request struct {
	Origin    contracts.Entity
	Target    contracts.Entity
	Operation string
	Claims    *identity.ValidClaims // nil for host and provider origins
	Binding   *contracts.Binding    // the snapshot the call will use, if any
}

// Decision is the outcome of an authorization.
type Decision struct {
	Allow  bool
	Reason string
}

// Allow permits the call.
func Allow() Decision { return Decision{Allow: true} }

// Deny rejects the call with a reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Authorizer is a pluggable policy hook. It runs after the router's own
// checks have passed, so it can only narrow what is allowed.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) Decision
}

// Admission decides whether an actor may be loaded at all.
type Admission interface {
	Admit(ctx context.Context, claims *identity.ValidClaims) error
}

// Func adapts a function to Authorizer.
type Func func(ctx context.Context, req Request) Decision

func (f Func) Authorize(ctx context.Context, req Request) Decision { return f(ctx, req) }

// Baseline allows calls to a provider only when the origin claims the
// capability and a binding exists. Calls to actors are allowed.
type Baseline struct{}

func (Baseline) Authorize(_ context.Context, req Request) Decision {
	if !req.Target.IsProvider() || !req.Origin.IsActor() {
		return Allow()
	}
	if !req.Claims.HasCapability(req.Target.CapabilityID()) {
		return Deny("capability " + req.Target.CapabilityID() + " not granted")
	}
	if req.Binding == nil {
		return Deny("no binding for " + req.Target.CapabilityID())
	}
	return Allow()
}

// Chain evaluates authorizers in order and returns the first denial.
func Chain(authorizers ...Authorizer) Authorizer {
	return Func(func(ctx context.Context, req Request) Decision {
		for _, a := range authorizers {
			if d := a.Authorize(ctx, req); !d.Allow {
				return d
			}
		}
		return Allow()
	})
}
