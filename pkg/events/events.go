// Package events defines host lifecycle events and the sinks that receive
// them.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	HostStarted      Type = "HostStarted"
	HostStopped      Type = "HostStopped"
	HostHeartbeat    Type = "HostHeartbeat"
	ActorStarting    Type = "ActorStarting"
	ActorStarted     Type = "ActorStarted"
	ActorStopped     Type = "ActorStopped"
	ActorUpdated     Type = "ActorUpdated"
	ProviderLoaded   Type = "ProviderLoaded"
	ProviderRemoved  Type = "ProviderRemoved"
	BindingCreated   Type = "BindingCreated"
	BindingRemoved   Type = "BindingRemoved"
	InvocationForged Type = "InvocationForged"
)

// Well-known data keys.
const (
	KeyActor      = "actor"
	KeyClaims     = "claims"
	KeyCapability = "capability_id"
	KeyInstance   = "instance"
	KeyConfig     = "config"
	KeyHost       = "host"
	KeyReason     = "reason"
	KeyLabels     = "labels"
	KeyBindings   = "bindings"
	KeyInvocation = "invocation_id"
)

// Event is a single occurrence on a host. Source is the emitting host's
// public key.
type Event struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Type   Type           `json:"type"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(source string, typ Type, data map[string]any) Event {
	return Event{
		ID:     uuid.NewString(),
		Source: source,
		Type:   typ,
		Time:   time.Now().UTC(),
		Data:   data,
	}
}

// String returns a data value if it is a string.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Sink receives events. Emit must not block for long.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans out to every sink. All sinks see the event even if one fails.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default().With("component", "events")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	switch e.Type {
	case HostHeartbeat:
		level = slog.LevelDebug
	case InvocationForged:
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "event", "type", string(e.Type), "id", e.ID, "source", e.Source, "data", e.Data)
	return nil
}

// Ring keeps the most recent events in memory.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRing holds up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{buf: make([]Event, size)}
}

func (r *Ring) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns events oldest first.
func (r *Ring) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// OfType filters recent events.
func (r *Ring) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Recent() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
