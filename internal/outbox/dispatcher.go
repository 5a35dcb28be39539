package outbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylarkhq/mailsync-infra/internal/logging"
	"github.com/skylarkhq/mailsync-infra/internal/store"
)

const (
	dispatchBatchSize = 100
	dispatchInterval  = 2 * time.Second
	retryDelay        = 10 * time.Second
)

// Dispatcher drains the outbox table and publishes pending events to
// JetStream. Events are written to the outbox in the same transaction as the
// message rows they describe, so a crash between ingest and publish loses
// nothing; JetStream dedup on the msg id absorbs re-publishes.
type Dispatcher struct {
	store     *store.Store
	publisher *Publisher
	log       *logrus.Entry
}

// NewDispatcher creates a dispatcher draining st into pub.
func NewDispatcher(st *store.Store, pub *Publisher) *Dispatcher {
	return &Dispatcher{
		store:     st,
		publisher: pub,
		log:       logging.For("outbox"),
	}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) {
	for {
		pending, err := d.store.DequeueOutbox(ctx, dispatchBatchSize)
		if err != nil {
			d.log.WithError(err).Error("failed to dequeue outbox")
			return
		}
		if len(pending) == 0 {
			return
		}

		for _, msg := range pending {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.WithError(err).WithField("subject", msg.Subject).Warn("publish failed, will retry")
				if err := d.store.MarkOutboxRetry(ctx, msg.ID, retryDelay); err != nil {
					d.log.WithError(err).Error("failed to schedule outbox retry")
				}
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.WithError(err).Error("failed to mark outbox message published")
			}
		}

		if len(pending) < dispatchBatchSize {
			return
		}
	}
}
