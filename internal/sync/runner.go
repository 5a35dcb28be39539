package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylarkhq/mailsync-infra/internal/logging"
	"github.com/skylarkhq/mailsync-infra/internal/store"
)

// Runner drives continuous reconciliation for one account: an immediate
// sync, then a ticker loop, renewing the push subscription before it lapses.
type Runner struct {
	Engine        *Engine
	Store         *store.Store
	AccountID     string
	Interval      time.Duration
	PushTopic     string
	RenewalMargin time.Duration

	log *logrus.Entry
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log = logging.For("runner").WithField("account_id", r.AccountID)

	r.maybeRenewSubscription(ctx)
	r.syncOnce(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("stopping runner")
			return
		case <-ticker.C:
			r.maybeRenewSubscription(ctx)
			r.syncOnce(ctx)
		}
	}
}

func (r *Runner) syncOnce(ctx context.Context) {
	result := r.Engine.SyncMailbox(ctx, r.AccountID)
	if !result.Success {
		r.log.WithFields(logrus.Fields{
			"sync_type": result.SyncType,
			"error":     result.Error,
		}).Warn("sync cycle failed")
		return
	}
	if result.MessagesProcessed > 0 {
		r.log.WithFields(logrus.Fields{
			"sync_type": result.SyncType,
			"processed": result.MessagesProcessed,
			"threads":   result.ConversationsTouched,
		}).Info("sync cycle complete")
	}
}

// maybeRenewSubscription re-subscribes to push notifications when the
// current subscription is absent or lapses within the renewal margin.
func (r *Runner) maybeRenewSubscription(ctx context.Context) {
	if r.PushTopic == "" {
		return
	}

	cursor, err := r.Store.LoadCursor(ctx, r.AccountID)
	if err != nil {
		r.log.WithError(err).Warn("failed to load cursor for subscription check")
		return
	}
	if cursor != nil && time.Until(cursor.SubscriptionExpiry) > r.RenewalMargin {
		return
	}

	expiry, err := r.Engine.RefreshSubscription(ctx, r.AccountID, r.PushTopic)
	if err != nil {
		r.log.WithError(err).Warn("failed to renew push subscription")
		return
	}
	r.log.WithField("expiry", expiry).Info("push subscription renewed")
}
