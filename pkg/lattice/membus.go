package lattice

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrBusClosed is returned after Close.
var ErrBusClosed = errors.New("bus closed")

const memSubBuffer = 1024

// MemoryBus is an in-process Transport. Several hosts may share one bus.
// Subjects support the * and > wildcards.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memSub]struct{}
	closed bool
	next   map[string]int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memSub]struct{}), next: make(map[string]int)}
}

type memSub struct {
	bus     *MemoryBus
	subject string
	queue   string
	ch      chan *Msg
	done    chan struct{}
	once    sync.Once
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *memSub) run(h MsgHandler) {
	for {
		select {
		case m := <-s.ch:
			h(m)
		case <-s.done:
			return
		}
	}
}

func (b *MemoryBus) Subscribe(subject string, h MsgHandler) (Subscription, error) {
	return b.subscribe(subject, "", h)
}

func (b *MemoryBus) QueueSubscribe(subject, queue string, h MsgHandler) (Subscription, error) {
	return b.subscribe(subject, queue, h)
}

func (b *MemoryBus) subscribe(subject, queue string, h MsgHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &memSub{bus: b, subject: subject, queue: queue, ch: make(chan *Msg, memSubBuffer), done: make(chan struct{})}
	b.subs[s] = struct{}{}
	go s.run(h)
	return s, nil
}

func (b *MemoryBus) Publish(subject, reply string, data []byte) error {
	_, err := b.publish(subject, reply, data)
	return err
}

// publish returns how many subscriptions received the message.
func (b *MemoryBus) publish(subject, reply string, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBusClosed
	}

	var targets []*memSub
	groups := make(map[string][]*memSub)
	for s := range b.subs {
		if !subjectMatches(s.subject, subject) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for queue, members := range groups {
		key := subject + "|" + queue
		targets = append(targets, members[b.next[key]%len(members)])
		b.next[key]++
	}

	for _, s := range targets {
		m := &Msg{Subject: subject, Reply: reply, Data: append([]byte(nil), data...)}
		select {
		case s.ch <- m:
		case <-s.done:
		default:
			// Slow consumer: drop, as a real bus would.
		}
	}
	return len(targets), nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	inbox := b.NewInbox()
	replies := make(chan *Msg, 1)
	sub, err := b.Subscribe(inbox, func(m *Msg) {
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	n, err := b.publish(subject, inbox, data)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoResponders
	}
	select {
	case m := <-replies:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) NewInbox() string {
	return "_INBOX." + uuid.NewString()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*memSub]struct{})
	b.mu.Unlock()
	for s := range subs {
		s.once.Do(func() { close(s.done) })
	}
	return nil
}

// subjectMatches applies NATS wildcard rules.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
