// Package natsbus connects the splitter to NATS: source states arrive on core
// subjects, notifications leave on core subjects, and documents live in a
// JetStream key-value bucket.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StateSubjectPrefix prefixes the subject carrying a source's state changes.
	StateSubjectPrefix = "weighsplit.states."
	// NotificationSubjectPrefix prefixes the subject new person notifications go to.
	NotificationSubjectPrefix = "weighsplit.notifications."
)

// Bus is the subset of a NATS connection the adapters need.
type Bus interface {
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
	Publish(subject string, data []byte) error
}

// ConnBus adapts a *nats.Conn to Bus.
type ConnBus struct {
	Conn *nats.Conn
}

// Subscribe implements Bus.
func (b ConnBus) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	sub, err := b.Conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Publish implements Bus.
func (b ConnBus) Publish(subject string, data []byte) error {
	if !b.Conn.IsConnected() {
		return fmt.Errorf("publish %s: %w", subject, nats.ErrConnectionClosed)
	}
	return b.Conn.Publish(subject, data)
}

// Connect dials url with reconnect handling that logs through logger.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.PingInterval(20*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return nc, nil
}

// OpenBucket returns the key-value bucket name, creating it when missing.
func OpenBucket(ctx context.Context, nc *nats.Conn, name string) (jetstream.KeyValue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "weighsplit rosters and subject state",
		History:     5,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		// Lost a creation race with another process.
		return js.KeyValue(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return kv, nil
}
