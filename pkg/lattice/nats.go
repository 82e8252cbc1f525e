package lattice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATS connection.
type NATSConfig struct {
	URL       string
	Name      string
	CredsFile string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NATSTransport is a Transport over a NATS connection.
type NATSTransport struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// ConnectNATS dials the server and keeps reconnecting for the life of the
// connection.
func ConnectNATS(cfg NATSConfig) (*NATSTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "nats")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", "url", nc.ConnectedUrl())
	return &NATSTransport{nc: nc, logger: logger}, nil
}

func (t *NATSTransport) Publish(subject, reply string, data []byte) error {
	if reply == "" {
		return t.nc.Publish(subject, data)
	}
	return t.nc.PublishRequest(subject, reply, data)
}

func (t *NATSTransport) Subscribe(subject string, h MsgHandler) (Subscription, error) {
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) {
		h(&Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	return t.flushed(sub)
}

func (t *NATSTransport) QueueSubscribe(subject, queue string, h MsgHandler) (Subscription, error) {
	sub, err := t.nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		h(&Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	return t.flushed(sub)
}

// flushed waits until the server has registered sub.
func (t *NATSTransport) flushed(sub *nats.Subscription) (Subscription, error) {
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	m, err := t.nc.RequestWithContext(ctx, subject, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, ErrNoResponders
	}
	if err != nil {
		return nil, err
	}
	return &Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data}, nil
}

func (t *NATSTransport) NewInbox() string {
	return t.nc.NewInbox()
}

// Close drains subscriptions before closing the connection.
func (t *NATSTransport) Close() error {
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return err
	}
	return nil
}
