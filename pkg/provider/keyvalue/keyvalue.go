// Package keyvalue implements the wascc:keyvalue capability. Each binding
// gets its own backend, chosen by the "url" config value.
package keyvalue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
	"github.com/wasmCloud/wascc-host/pkg/provider"
)

// CapabilityID of the keyvalue provider.
const CapabilityID = "wascc:keyvalue"

// Operations.
const (
	OpGet        = "Get"
	OpSet        = "Set"
	OpDel        = "Del"
	OpAdd        = "Add"
	OpExists     = "Exists"
	OpListAdd    = "ListAdd"
	OpListRange  = "ListRange"
	OpSetAdd     = "SetAdd"
	OpSetMembers = "SetMembers"
)

// ConfigURL selects the backend: redis://... or memory://.
const ConfigURL = "url"

// ErrNotProvisioned is returned when an actor calls without a binding.
var ErrNotProvisioned = errors.New("actor not provisioned")

// Request is the payload of every keyvalue operation. Unused fields are
// ignored.
type Request struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`
	Start int64  `json:"start,omitempty"`
	Stop  int64  `json:"stop,omitempty"`
}

// Response carries whichever result field the operation produces.
type Response struct {
	Value  string   `json:"value,omitempty"`
	Exists bool     `json:"exists"`
	Count  int64    `json:"count,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Opener creates a backend for a URL. Tests replace it.
type Opener func(url string) (Backend, error)

// Open is the default Opener.
func Open(url string) (Backend, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "memory://"):
		return newMemoryBackend(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return newRedisBackend(url)
	default:
		return nil, fmt.Errorf("unsupported keyvalue url %q", url)
	}
}

// Provider holds one backend per bound actor.
type Provider struct {
	open   Opener
	logger *slog.Logger

	mu       sync.RWMutex
	backends map[string]bound
}

type bound struct {
	url     string
	backend Backend
}

// New creates the provider. A nil opener uses Open.
func New(open Opener) *Provider {
	if open == nil {
		open = Open
	}
	return &Provider{
		open:     open,
		logger:   slog.Default().With("component", "keyvalue"),
		backends: make(map[string]bound),
	}
}

func (p *Provider) Load(context.Context, provider.Dispatcher) error { return nil }

func (p *Provider) Descriptor(context.Context) (contracts.ProviderDescriptor, error) {
	ops := []string{OpGet, OpSet, OpDel, OpAdd, OpExists, OpListAdd, OpListRange, OpSetAdd, OpSetMembers}
	d := contracts.ProviderDescriptor{
		CapabilityID:    CapabilityID,
		Name:            "waSCC Key-Value",
		LongDescription: "Key-value store backed by Redis or process memory",
		Version:         "0.4.0",
		Revision:        2,
	}
	for _, op := range ops {
		d.Operations = append(d.Operations, contracts.OperationDescriptor{Name: op, Direction: contracts.ToProvider})
	}
	return d, nil
}

// Provision opens the binding's backend. Rebinding with the same url keeps
// the existing backend.
func (p *Provider) Provision(_ context.Context, b contracts.Binding) error {
	url, _ := b.Config.Get(ConfigURL)
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.backends[b.Actor]; ok {
		if cur.url == url {
			return nil
		}
		if err := cur.backend.Close(); err != nil {
			p.logger.Warn("close replaced backend", "actor", b.Actor, "error", err)
		}
	}
	be, err := p.open(url)
	if err != nil {
		delete(p.backends, b.Actor)
		return err
	}
	p.backends[b.Actor] = bound{url: url, backend: be}
	p.logger.Debug("provisioned", "actor", b.Actor)
	return nil
}

func (p *Provider) Deprovision(_ context.Context, b contracts.Binding) error {
	p.mu.Lock()
	cur, ok := p.backends[b.Actor]
	delete(p.backends, b.Actor)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return cur.backend.Close()
}

// Close releases every backend.
func (p *Provider) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for actor, b := range p.backends {
		errs = append(errs, b.backend.Close())
		delete(p.backends, actor)
	}
	return errors.Join(errs...)
}

func (p *Provider) HandleOperation(ctx context.Context, req provider.Request) ([]byte, error) {
	p.mu.RLock()
	b, ok := p.backends[req.Actor]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotProvisioned, req.Actor)
	}

	var in Request
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			return nil, fmt.Errorf("decode %s request: %w", req.Operation, err)
		}
	}

	var (
		out Response
		err error
	)
	be := b.backend
	switch req.Operation {
	case OpGet:
		out.Value, err = be.Get(ctx, in.Key)
		if errors.Is(err, ErrNotFound) {
			err = nil
		} else if err == nil {
			out.Exists = true
		}
	case OpSet:
		err = be.Set(ctx, in.Key, in.Value)
	case OpDel:
		err = be.Del(ctx, in.Key)
	case OpAdd:
		delta := in.Delta
		if delta == 0 {
			delta = 1
		}
		out.Count, err = be.Add(ctx, in.Key, delta)
		out.Exists = err == nil
	case OpExists:
		out.Exists, err = be.Exists(ctx, in.Key)
	case OpListAdd:
		out.Count, err = be.ListAdd(ctx, in.Key, in.Value)
	case OpListRange:
		out.Values, err = be.ListRange(ctx, in.Key, in.Start, in.Stop)
	case OpSetAdd:
		out.Count, err = be.SetAdd(ctx, in.Key, in.Value)
	case OpSetMembers:
		out.Values, err = be.SetMembers(ctx, in.Key)
	default:
		return nil, provider.Unsupported(CapabilityID, req.Operation)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Operation, in.Key, err)
	}
	return json.Marshal(out)
}
