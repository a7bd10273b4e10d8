package main

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/app/datasink"
	"github.com/todo-1m/eventsourcing/internal/messaging"
)

type ackDecision string

const (
	decisionAck  ackDecision = "ack"
	decisionNak  ackDecision = "nak"
	decisionTerm ackDecision = "term"
)

// acker is the acknowledgement side of a JetStream delivery.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// consumer applies JetStream deliveries to the read model. Payloads that
// can never decode are terminated, anything else that fails is redelivered.
type consumer struct {
	handle       func(ctx context.Context, payload []byte) error
	applyTimeout time.Duration
}

func (c *consumer) onMessage(ctx context.Context, msg *nats.Msg) {
	c.settle(ctx, msg, msg)
}

func (c *consumer) settle(ctx context.Context, msg *nats.Msg, a acker) ackDecision {
	applyCtx, cancel := context.WithTimeout(ctx, c.applyTimeout)
	defer cancel()

	err := c.handle(applyCtx, msg.Data)
	if err == nil {
		if ackErr := a.Ack(); ackErr != nil {
			log.WithField("subject", msg.Subject).WithError(ackErr).Warn("ack failed")
		}
		return decisionAck
	}

	var streamSeq uint64
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		streamSeq = meta.Sequence.Stream
	}
	entry := log.WithFields(log.Fields{
		"subject":    msg.Subject,
		"stream_seq": streamSeq,
		"kind":       msg.Header.Get(messaging.KindHeader),
	}).WithError(err)

	if errors.Is(err, datasink.ErrInvalidEventPayload) {
		entry.Warn("discarding invalid event payload")
		_ = a.Term()
		return decisionTerm
	}
	entry.Error("projection failed")
	_ = a.Nak()
	return decisionNak
}
