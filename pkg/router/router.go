// Package router implements the invocation state machine: claims check,
// authorization, middleware, dispatch and response.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wasmCloud/wascc-host/pkg/authz"
	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/identity"
	"github.com/wasmCloud/wascc-host/pkg/middleware"
	"github.com/wasmCloud/wascc-host/pkg/provider"
	"github.com/wasmCloud/wascc-host/pkg/registry"
)

// ErrDuplicateInvocation is returned for an invocation id already seen.
// No response is produced for the duplicate.
var ErrDuplicateInvocation = errors.New("duplicate invocation")

// Defaults.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultDedupWindow = 5 * time.Minute
)

// ClaimsSource returns the raw claims token of an actor.
type ClaimsSource interface {
	ClaimsToken(actorPK string) (string, bool)
}

// BindingSource returns binding snapshots.
type BindingSource interface {
	Lookup(actor, capID string) (contracts.Binding, bool)
}

// RemoteDispatcher delivers invocations whose target is not on this host.
type RemoteDispatcher interface {
	Forward(ctx context.Context, inv *contracts.Invocation) (*contracts.InvocationResponse, error)
	ResolveActor(pk string) bool
}

type localOnlyKey struct{}

// LocalOnly marks ctx so the router never forwards the invocation to
// another host. Inbound lattice traffic is dispatched this way.
func LocalOnly(ctx context.Context) context.Context {
	return context.WithValue(ctx, localOnlyKey{}, true)
}

func isLocalOnly(ctx context.Context) bool {
	v, _ := ctx.Value(localOnlyKey{}).(bool)
	return v
}

// Option configures a Router.
type Option func(*Router)

// WithAuthorizer installs the policy hook consulted after baseline checks.
func WithAuthorizer(a authz.Authorizer) Option { return func(r *Router) { r.authorizer = a } }

// WithTimeout bounds every invocation.
func WithTimeout(d time.Duration) Option { return func(r *Router) { r.timeout = d } }

// WithDedupWindow sets how long invocation ids are remembered.
func WithDedupWindow(d time.Duration) Option { return func(r *Router) { r.dedup = newDedupWindow(d) } }

// WithTransitionHook observes every state transition.
func WithTransitionHook(fn func(Transition)) Option { return func(r *Router) { r.onTransition = fn } }

// WithClaimsSource replaces the source of actor claims. The registry is
// used when none is given.
func WithClaimsSource(cs ClaimsSource) Option { return func(r *Router) { r.claims = cs } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// Router is the InvocationRouter.
type Router struct {
	registry     *registry.Registry
	bindings     BindingSource
	verifier     *identity.ClaimsVerifier
	pipeline     *middleware.Pipeline
	claims       ClaimsSource
	authorizer   authz.Authorizer
	timeout      time.Duration
	dedup        *dedupWindow
	onTransition func(Transition)
	logger       *slog.Logger

	remoteMu sync.RWMutex
	remote   RemoteDispatcher
}

// New creates a Router over the host's registry and bindings.
func New(reg *registry.Registry, bindings BindingSource, verifier *identity.ClaimsVerifier, pipeline *middleware.Pipeline, opts ...Option) *Router {
	r := &Router{
		registry:   reg,
		bindings:   bindings,
		verifier:   verifier,
		pipeline:   pipeline,
		claims:     reg,
		authorizer: authz.Baseline{},
		timeout:    DefaultTimeout,
		dedup:      newDedupWindow(DefaultDedupWindow),
		logger:     slog.Default().With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRemote attaches the lattice. Passing nil detaches it.
func (r *Router) SetRemote(rd RemoteDispatcher) {
	r.remoteMu.Lock()
	defer r.remoteMu.Unlock()
	r.remote = rd
}

func (r *Router) remoteDispatcher() RemoteDispatcher {
	r.remoteMu.RLock()
	defer r.remoteMu.RUnlock()
	return r.remote
}

// Call builds an invocation and returns its payload or typed error.
func (r *Router) Call(ctx context.Context, origin, target contracts.Entity, operation string, payload []byte) ([]byte, error) {
	resp, err := r.Invoke(ctx, contracts.NewInvocation(origin, target, operation, payload))
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Invoke runs inv through the state machine and always returns a response,
// except for duplicates, which return ErrDuplicateInvocation.
func (r *Router) Invoke(ctx context.Context, inv *contracts.Invocation) (*contracts.InvocationResponse, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if !r.dedup.admit(inv.ID) {
		r.logger.Debug("dropping duplicate invocation", "invocation", inv.ID)
		return nil, ErrDuplicateInvocation
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	t := &tracker{r: r, id: inv.ID, state: Created}

	var claims *identity.ValidClaims
	if inv.Origin.IsActor() {
		c, err := r.checkClaims(inv.Origin.PublicKey())
		if err != nil {
			return r.reject(t, inv, contracts.KindInvalidClaims, err.Error()), nil
		}
		claims = c
	}
	t.to(ClaimsChecked)

	snapshot, kind, reason := r.authorize(ctx, inv, claims)
	if kind != "" {
		return r.reject(t, inv, kind, reason), nil
	}
	t.to(Authorized)

	t.to(MiddlewarePre)
	dispatchInv, halted := r.pipeline.RunPre(ctx, inv)
	if halted != nil {
		return r.finish(ctx, t, inv, halted), nil
	}

	t.to(Dispatched)
	return r.finish(ctx, t, inv, r.dispatch(ctx, dispatchInv, snapshot)), nil
}

// finish runs the post-hooks and settles on the state of the response they
// return, so a rewritten failure reads as Responded and vice versa.
func (r *Router) finish(ctx context.Context, t *tracker, inv *contracts.Invocation, resp *contracts.InvocationResponse) *contracts.InvocationResponse {
	t.to(MiddlewarePost)
	resp = r.pipeline.RunPost(ctx, inv, resp)
	if resp.Error != nil {
		t.fail(Failed, resp.Error.Kind)
	} else {
		t.to(Responded)
	}
	return resp
}

func (r *Router) reject(t *tracker, inv *contracts.Invocation, kind contracts.ErrorKind, msg string) *contracts.InvocationResponse {
	t.fail(Rejected, kind)
	r.logger.Info("invocation rejected", "invocation", inv.ID, "origin", inv.Origin.Key(), "target", inv.Target.Key(), "operation", inv.Operation, "kind", string(kind), "reason", msg)
	return contracts.NewErrorResponse(inv, kind, msg)
}

func (r *Router) checkClaims(pk string) (*identity.ValidClaims, error) {
	token, ok := r.claims.ClaimsToken(pk)
	if !ok {
		return nil, fmt.Errorf("no claims known for actor %s", pk)
	}
	return r.verifier.Verify(pk, token)
}

func (r *Router) actorExists(pk string) bool {
	if r.registry.HasActor(pk) {
		return true
	}
	rd := r.remoteDispatcher()
	return rd != nil && rd.ResolveActor(pk)
}

func (r *Router) actorResolvable(ctx context.Context, pk string) bool {
	if isLocalOnly(ctx) {
		return r.registry.HasActor(pk)
	}
	return r.actorExists(pk)
}

// authorize performs the baseline checks and the policy hook. It returns the
// binding snapshot used for the rest of the invocation.
func (r *Router) authorize(ctx context.Context, inv *contracts.Invocation, claims *identity.ValidClaims) (*contracts.Binding, contracts.ErrorKind, string) {
	var snapshot *contracts.Binding
	origin, target := inv.Origin, inv.Target

	switch {
	case target.IsProvider():
		switch {
		case origin.IsActor():
			b, ok := r.bindings.Lookup(origin.PublicKey(), target.CapabilityID())
			if !ok || b.Instance != target.Instance() {
				return nil, contracts.KindNoBinding, fmt.Sprintf("actor %s is not bound to %s", origin.PublicKey(), target)
			}
			if !claims.HasCapability(target.CapabilityID()) {
				return nil, contracts.KindUnauthorized, fmt.Sprintf("actor %s is not granted %s", origin.PublicKey(), target.CapabilityID())
			}
			snapshot = &b
		case origin.IsHost():
		default:
			return nil, contracts.KindUnauthorized, "providers may only invoke actors"
		}
	case target.IsActor():
		if !r.actorResolvable(ctx, target.PublicKey()) {
			return nil, contracts.KindActorNotFound, fmt.Sprintf("no actor %s", target.PublicKey())
		}
		if origin.IsProvider() {
			b, ok := r.bindings.Lookup(target.PublicKey(), origin.CapabilityID())
			if !ok || b.Instance != origin.Instance() {
				return nil, contracts.KindNoBinding, fmt.Sprintf("actor %s is not bound to %s", target.PublicKey(), origin)
			}
			snapshot = &b
		}
	default:
		return nil, contracts.KindUnauthorized, "invalid target " + target.Key()
	}

	d := r.authorizer.Authorize(ctx, authz.Request{
		Origin:    origin,
		Target:    target,
		Operation: inv.Operation,
		Claims:    claims,
		Binding:   snapshot,
	})
	if !d.Allow {
		return nil, contracts.KindUnauthorized, d.Reason
	}
	return snapshot, "", ""
}

func (r *Router) dispatch(ctx context.Context, inv *contracts.Invocation, snapshot *contracts.Binding) *contracts.InvocationResponse {
	switch {
	case inv.Target.IsProvider():
		rec, ok := r.registry.Provider(inv.Target.CapabilityID(), inv.Target.Instance())
		if !ok {
			return r.forward(ctx, inv, contracts.KindProviderNotFound)
		}
		return r.dispatchProvider(ctx, inv, rec, snapshot)
	case inv.Target.IsActor():
		rec, ok := r.registry.Actor(inv.Target.PublicKey())
		if !ok {
			return r.forward(ctx, inv, contracts.KindActorNotFound)
		}
		return r.execute(ctx, inv, func(ctx context.Context) ([]byte, error) {
			return rec.Handler.HandleOperation(ctx, inv.Operation, inv.Payload)
		})
	default:
		return contracts.NewErrorResponse(inv, contracts.KindUnauthorized, "invalid target")
	}
}

func (r *Router) dispatchProvider(ctx context.Context, inv *contracts.Invocation, rec *registry.ProviderRecord, snapshot *contracts.Binding) *contracts.InvocationResponse {
	if inv.Operation == contracts.OpGetCapabilityDescriptor && !inv.Origin.IsActor() {
		payload, err := provider.DescriptorPayload(rec.Descriptor)
		if err != nil {
			return contracts.NewErrorResponse(inv, contracts.KindHandlerError, err.Error())
		}
		return contracts.NewResponse(inv, payload)
	}

	req := provider.Request{
		Actor:     contracts.SystemActor,
		Operation: inv.Operation,
		Payload:   inv.Payload,
	}
	if inv.Origin.IsActor() {
		req.Actor = inv.Origin.PublicKey()
	}
	if snapshot != nil {
		req.Config = snapshot.Config.Clone()
	}
	return r.execute(ctx, inv, func(ctx context.Context) ([]byte, error) {
		release, err := rec.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		return rec.Provider.HandleOperation(ctx, req)
	})
}

type result struct {
	payload []byte
	err     error
}

// execute runs a handler on its own goroutine. If ctx ends first the caller
// gets a Timeout and the late result is dropped.
func (r *Router) execute(ctx context.Context, inv *contracts.Invocation, fn func(context.Context) ([]byte, error)) *contracts.InvocationResponse {
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		payload, err := fn(ctx)
		done <- result{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil && errors.Is(res.err, ctx.Err()) {
				return contracts.NewErrorResponse(inv, contracts.KindTimeout, res.err.Error())
			}
			return contracts.NewErrorResponse(inv, contracts.KindHandlerError, res.err.Error())
		}
		return contracts.NewResponse(inv, res.payload)
	case <-ctx.Done():
		r.logger.Warn("invocation timed out", "invocation", inv.ID, "target", inv.Target.Key(), "operation", inv.Operation)
		return contracts.NewErrorResponse(inv, contracts.KindTimeout, ctx.Err().Error())
	}
}

func (r *Router) forward(ctx context.Context, inv *contracts.Invocation, missing contracts.ErrorKind) *contracts.InvocationResponse {
	rd := r.remoteDispatcher()
	if rd == nil || isLocalOnly(ctx) {
		return contracts.NewErrorResponse(inv, missing, "target "+inv.Target.Key()+" is not on this host")
	}
	resp, err := rd.Forward(ctx, inv)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, contracts.ErrTimeout):
			return contracts.NewErrorResponse(inv, contracts.KindTimeout, err.Error())
		case errors.Is(err, contracts.ErrActorNotFound), errors.Is(err, contracts.ErrProviderNotFound):
			return contracts.NewErrorResponse(inv, contracts.KindOf(err), err.Error())
		default:
			return contracts.NewErrorResponse(inv, contracts.KindHandlerError, err.Error())
		}
	}
	resp.InvocationID = inv.ID
	return resp
}
