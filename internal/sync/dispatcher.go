package sync

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/retry"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Publisher delivers outbox rows to the search feed.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

type DispatcherConfig struct {
	Batch   int
	Idle    time.Duration
	Backoff time.Duration // first retry delay; doubles per failed attempt
}

// Dispatcher continuously dispatches messages from outbox to the publisher.
type Dispatcher struct {
	store *store.Store
	pub   Publisher
	cfg   DispatcherConfig
	delay func(int) time.Duration
	log   log.FieldLogger
}

func NewDispatcher(st *store.Store, pub Publisher, cfg DispatcherConfig, logger log.FieldLogger) *Dispatcher {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 500 * time.Millisecond
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{
		store: st,
		pub:   pub,
		cfg:   cfg,
		delay: retry.ExponentialBackoff(retry.BackoffConfig{
			InitialInterval: cfg.Backoff,
			MaxInterval:     cfg.Backoff * 60,
			Multiplier:      2,
		}),
		log: logger.WithField("component", "dispatcher"),
	}
}

// Run dispatches until ctx is cancelled, sleeping Idle whenever the outbox
// is empty.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		n, err := d.DispatchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := time.Duration(0)
		switch {
		case err != nil:
			d.log.WithError(err).Warn("error dequeuing outbox")
			wait = time.Second
		case n == 0:
			wait = d.cfg.Idle
		}
		if wait == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows it handled.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.cfg.Batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.pub.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			metrics.OutboxPublishedTotal.WithLabelValues(metrics.ResultFailure).Inc()
			backoff := d.delay(msg.Retries + 1)
			d.log.WithFields(log.Fields{"outbox_id": msg.ID, "retry_in": backoff}).WithError(err).Warn("error publishing message")
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.log.WithError(err).WithField("outbox_id", msg.ID).Warn("error scheduling retry")
			}
			continue
		}

		metrics.OutboxPublishedTotal.WithLabelValues(metrics.ResultSuccess).Inc()
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.log.WithError(err).WithField("outbox_id", msg.ID).Warn("error marking message as published")
		}
	}
	return len(messages), nil
}
