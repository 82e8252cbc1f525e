package lattice

import (
	"context"
	"errors"
)

// ErrNoResponders is returned by Request when nobody listens on a subject.
var ErrNoResponders = errors.New("no responders")

// Msg is a message received from the bus.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// MsgHandler processes one message.
type MsgHandler func(m *Msg)

// Subscription is an active interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the message bus between hosts. Delivery is at-least-once.
type Transport interface {
	// Publish sends data; reply may be empty.
	Publish(subject, reply string, data []byte) error
	Subscribe(subject string, h MsgHandler) (Subscription, error)
	// QueueSubscribe delivers each message to one member of the group.
	QueueSubscribe(subject, queue string, h MsgHandler) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) (*Msg, error)
	NewInbox() string
	Close() error
}
