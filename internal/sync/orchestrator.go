package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skylarkhq/mailsync-infra/internal/logging"
	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
	"github.com/skylarkhq/mailsync-infra/internal/store"
)

// ClientFactory supplies a ready-to-call mailbox client for an account. It
// fails when the account has no linked mailbox or no usable refresh
// credential; both are fatal for a single invocation.
type ClientFactory func(ctx context.Context, accountID string) (mailbox.Client, error)

// Engine reconciles local conversation/message state with the remote
// mailbox. One SyncMailbox call is one unit of work; concurrent calls for
// the same account are safe because ingestion is idempotent and the cursor
// is only written after a fully successful cycle.
type Engine struct {
	store          *store.Store
	ingestor       *Ingestor
	clients        ClientFactory
	backfillWindow time.Duration
	log            *logrus.Entry
}

// NewEngine wires the sync engine. backfillWindow bounds the full-window
// fallback path.
func NewEngine(st *store.Store, sendLog OutboundSendLookup, clients ClientFactory, backfillWindow time.Duration) *Engine {
	log := logging.For("sync")
	return &Engine{
		store:          st,
		ingestor:       NewIngestor(st, sendLog, log),
		clients:        clients,
		backfillWindow: backfillWindow,
		log:            log,
	}
}

// SyncMailbox reconciles one account's mailbox. It never returns an error;
// every failure mode is folded into the SyncResult.
func (e *Engine) SyncMailbox(ctx context.Context, accountID string) SyncResult {
	log := e.log.WithField("account_id", accountID)

	client, err := e.clients(ctx, accountID)
	if err != nil {
		log.WithError(err).Warn("no usable mailbox client")
		return SyncResult{SyncType: SyncTypeNone, Error: err.Error()}
	}

	profile, err := client.Profile(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to resolve mailbox identity")
		return SyncResult{SyncType: SyncTypeNone, Error: fmt.Sprintf("resolve mailbox identity: %v", err)}
	}

	cursor, err := e.store.LoadCursor(ctx, accountID)
	if err != nil {
		log.WithError(err).Error("failed to load cursor")
		return SyncResult{SyncType: SyncTypeNone, Error: err.Error()}
	}

	processed := 0
	threads := make(map[string]bool)
	emit := func(ids []string) error {
		n := e.ingestBatch(ctx, client, accountID, profile.Address, ids, threads)
		processed += n
		return nil
	}

	if cursor != nil && cursor.Watermark != "" {
		res := fetchHistory(ctx, client, cursor.Watermark, emit)
		switch res.status {
		case fetchOK:
			return e.finish(ctx, log, accountID, SyncTypeIncremental, res.watermark, processed, threads)
		case fetchCursorInvalid:
			// The watermark fell out of the provider's retention
			// window. Recover in this same invocation; the caller
			// never sees a bare failure for this alone.
			log.WithField("watermark", cursor.Watermark).Info("watermark expired, falling back to full window")
		case fetchRateLimited:
			// No backoff here: the cursor stays put and the next
			// trigger retries the same window.
			log.Warn("provider rate limited during incremental sync")
			return SyncResult{
				MessagesProcessed:    processed,
				ConversationsTouched: len(threads),
				SyncType:             SyncTypeIncremental,
				Error:                res.err.Error(),
			}
		case fetchFailed:
			log.WithError(res.err).Error("incremental sync failed")
			return SyncResult{
				MessagesProcessed:    processed,
				ConversationsTouched: len(threads),
				SyncType:             SyncTypeIncremental,
				Error:                res.err.Error(),
			}
		}
	}

	res := fetchBackfill(ctx, client, e.backfillWindow, emit)
	switch res.status {
	case fetchOK:
		return e.finish(ctx, log, accountID, SyncTypeFull, res.watermark, processed, threads)
	case fetchRateLimited:
		log.Warn("provider rate limited during full backfill")
	case fetchFailed, fetchCursorInvalid:
		// cursorInvalid cannot legitimately occur here; nothing is
		// dereferencing a watermark. Treat it as fatal if a client
		// misbehaves.
		log.WithError(res.err).Error("full backfill failed")
	}
	return SyncResult{
		MessagesProcessed:    processed,
		ConversationsTouched: len(threads),
		SyncType:             SyncTypeFull,
		Error:                res.err.Error(),
	}
}

// ingestBatch processes one page of message ids in provider order. A failing
// message is logged and skipped; it stays reachable from the next cycle's
// window because the cursor never advances past work that was never marked
// done per-message.
func (e *Engine) ingestBatch(ctx context.Context, client mailbox.Client, accountID, ownAddress string, ids []string, threads map[string]bool) int {
	created := 0
	for _, id := range ids {
		msg, ok, err := e.ingestor.Ingest(ctx, client, accountID, ownAddress, id)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"account_id": accountID,
				"message_id": id,
			}).Warn("skipping message, will retry next cycle")
			continue
		}
		if ok {
			created++
			threads[msg.ThreadID] = true
		}
	}
	return created
}

func (e *Engine) finish(ctx context.Context, log *logrus.Entry, accountID string, syncType SyncType, watermark string, processed int, threads map[string]bool) SyncResult {
	if watermark != "" {
		if err := e.store.SaveWatermark(ctx, accountID, watermark); err != nil {
			log.WithError(err).Error("failed to persist watermark")
			return SyncResult{
				MessagesProcessed:    processed,
				ConversationsTouched: len(threads),
				SyncType:             syncType,
				Error:                err.Error(),
			}
		}
	}

	log.WithFields(logrus.Fields{
		"sync_type": syncType,
		"processed": processed,
		"threads":   len(threads),
		"watermark": watermark,
	}).Info("sync complete")

	return SyncResult{
		Success:              true,
		MessagesProcessed:    processed,
		ConversationsTouched: len(threads),
		SyncType:             syncType,
		Watermark:            watermark,
	}
}

// RefreshSubscription renews the provider push subscription for an account
// and persists the new expiry.
func (e *Engine) RefreshSubscription(ctx context.Context, accountID, topic string) (time.Time, error) {
	client, err := e.clients(ctx, accountID)
	if err != nil {
		return time.Time{}, err
	}
	expiry, err := client.Watch(ctx, topic)
	if err != nil {
		return time.Time{}, fmt.Errorf("watch: %w", err)
	}
	if err := e.store.SaveSubscriptionExpiry(ctx, accountID, expiry); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}
