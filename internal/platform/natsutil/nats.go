package natsutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/messaging"
)

const retryInterval = 500 * time.Millisecond

// Client is a NATS connection with the todo event stream provisioned.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func connectOptions(name string) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithField("client", name).WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithFields(log.Fields{
				"client": name,
				"server": nc.ConnectedUrl(),
			}).Info("nats reconnected")
		}),
	}
}

// Dial connects once and ensures the event stream exists.
func Dial(url, name string) (*Client, error) {
	conn, err := nats.Connect(url, connectOptions(name)...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err == nil {
		err = messaging.EnsureStreams(js)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// Connect keeps dialing until it succeeds, ctx is done or timeout elapses.
func Connect(ctx context.Context, url, name string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		client, err := Dial(url, name)
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.WithField("url", url).WithError(err).Debug("waiting for jetstream")

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
			}
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Ready reports whether the connection is usable.
func (c *Client) Ready() error {
	if c == nil || c.Conn == nil {
		return errors.New("nats connection is nil")
	}
	if status := c.Conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", status)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
	}
}
