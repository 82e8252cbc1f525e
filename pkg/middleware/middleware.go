// Package middleware runs ordered interceptors around invocation dispatch.
package middleware

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// PreResult is the outcome of a pre-invoke hook.
type PreResult struct {
	halt    *contracts.InvocationResponse
	payload []byte
	rewrite bool
}

// Continue lets the invocation proceed unchanged.
func Continue() PreResult { return PreResult{} }

// Rewrite lets the invocation proceed with a replacement payload.
func Rewrite(payload []byte) PreResult { return PreResult{payload: payload, rewrite: true} }

// Halt stops the invocation and answers the caller with resp.
func Halt(resp *contracts.InvocationResponse) PreResult {
	if resp == nil {
		resp = &contracts.InvocationResponse{Error: &contracts.InvocationError{Kind: contracts.KindUnauthorized, Message: "halted"}}
	}
	return PreResult{halt: resp}
}

// Halted reports whether the result stops the invocation.
func (r PreResult) Halted() bool { return r.halt != nil }

// Middleware intercepts invocations before and after dispatch.
type Middleware interface {
	Name() string
	PreInvoke(ctx context.Context, inv *contracts.Invocation) (PreResult, error)
	PostInvoke(ctx context.Context, inv *contracts.Invocation, resp *contracts.InvocationResponse) (*contracts.InvocationResponse, error)
}

// Hooks builds a Middleware from functions. Nil hooks pass through.
type Hooks struct {
	ID   string
	Pre  func(ctx context.Context, inv *contracts.Invocation) (PreResult, error)
	Post func(ctx context.Context, inv *contracts.Invocation, resp *contracts.InvocationResponse) (*contracts.InvocationResponse, error)
}

func (h Hooks) Name() string { return h.ID }

func (h Hooks) PreInvoke(ctx context.Context, inv *contracts.Invocation) (PreResult, error) {
	if h.Pre == nil {
		return Continue(), nil
	}
	return h.Pre(ctx, inv)
}

func (h Hooks) PostInvoke(ctx context.Context, inv *contracts.Invocation, resp *contracts.InvocationResponse) (*contracts.InvocationResponse, error) {
	if h.Post == nil {
		return resp, nil
	}
	return h.Post(ctx, inv, resp)
}

// Pipeline is the ordered middleware chain of a host.
type Pipeline struct {
	mu     sync.RWMutex
	chain  []Middleware
	logger *slog.Logger
}

// NewPipeline creates a pipeline with the given middleware in order.
func NewPipeline(mws ...Middleware) *Pipeline {
	return &Pipeline{
		chain:  append([]Middleware(nil), mws...),
		logger: slog.Default().With("component", "middleware"),
	}
}

// Add appends m to the chain.
func (p *Pipeline) Add(m Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain = append(p.chain, m)
}

// Names lists the registered middleware in order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.chain))
	for i, m := range p.chain {
		out[i] = m.Name()
	}
	return out
}

func (p *Pipeline) snapshot() []Middleware {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Middleware(nil), p.chain...)
}

// RunPre runs pre-hooks in order. It returns the invocation to dispatch, or
// a non-nil response when a hook halted. Only the payload may be rewritten:
// hooks see a copy, so assigning to its fields changes nothing.
func (p *Pipeline) RunPre(ctx context.Context, inv *contracts.Invocation) (*contracts.Invocation, *contracts.InvocationResponse) {
	cur := inv
	for _, m := range p.snapshot() {
		res, err := safePre(ctx, m, detached(cur))
		if err != nil {
			p.logger.Warn("pre-invoke hook failed", "middleware", m.Name(), "invocation", inv.ID, "error", err)
			return cur, failure(inv, m, err)
		}
		if res.halt != nil {
			resp := *res.halt
			resp.InvocationID = inv.ID
			return cur, &resp
		}
		if res.rewrite {
			next := *cur
			next.Payload = res.payload
			cur = &next
		}
	}
	return cur, nil
}

// RunPost runs post-hooks in order over resp, which may be the actual
// response or the one supplied by a halting pre-hook.
func (p *Pipeline) RunPost(ctx context.Context, inv *contracts.Invocation, resp *contracts.InvocationResponse) *contracts.InvocationResponse {
	cur := resp
	for _, m := range p.snapshot() {
		next, err := safePost(ctx, m, detached(inv), cur)
		if err != nil {
			p.logger.Warn("post-invoke hook failed", "middleware", m.Name(), "invocation", inv.ID, "error", err)
			cur = failure(inv, m, err)
			continue
		}
		if next != nil {
			next.InvocationID = inv.ID
			cur = next
		}
	}
	return cur
}

func detached(inv *contracts.Invocation) *contracts.Invocation {
	c := *inv
	c.Payload = bytes.Clone(inv.Payload)
	return &c
}

func failure(inv *contracts.Invocation, m Middleware, err error) *contracts.InvocationResponse {
	return contracts.NewErrorResponse(inv, contracts.KindUnauthorized, fmt.Sprintf("middleware %s failed: %v", m.Name(), err))
}

func safePre(ctx context.Context, m Middleware, inv *contracts.Invocation) (res PreResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.PreInvoke(ctx, inv)
}

func safePost(ctx context.Context, m Middleware, inv *contracts.Invocation, resp *contracts.InvocationResponse) (out *contracts.InvocationResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.PostInvoke(ctx, inv, resp)
}
