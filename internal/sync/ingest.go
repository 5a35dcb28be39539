package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
	"github.com/skylarkhq/mailsync-infra/internal/store"
)

// OutboundSendLookup resolves provider message ids of prior outbound sends
// to the send-log record they originated from.
type OutboundSendLookup interface {
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (linkID string, found bool, err error)
}

// Ingestor fetches, normalizes and stores one message at a time. Repeat
// ingestion of the same message id is a no-op, not an error.
type Ingestor struct {
	store   *store.Store
	sendLog OutboundSendLookup
	log     *logrus.Entry
}

// NewIngestor creates an Ingestor backed by st. sendLog may be nil when no
// outbound pipeline exists; SENT messages then simply carry no link.
func NewIngestor(st *store.Store, sendLog OutboundSendLookup, log *logrus.Entry) *Ingestor {
	return &Ingestor{store: st, sendLog: sendLog, log: log}
}

// Ingest processes one message id for an account. It returns the stored
// message and true when a new row was created, or nil and false when the
// message already existed locally, the steady-state case for overlapping
// pages and duplicate notifications.
func (ing *Ingestor) Ingest(ctx context.Context, client mailbox.Client, accountID, ownAddress, messageID string) (*store.Message, bool, error) {
	exists, err := ing.store.MessageExists(ctx, messageID)
	if err != nil {
		return nil, false, fmt.Errorf("existence check: %w", err)
	}
	if exists {
		return nil, false, nil
	}

	raw, err := client.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	normalized := Normalize(raw)

	direction := store.DirectionReceived
	if strings.EqualFold(normalized.Sender, ownAddress) {
		direction = store.DirectionSent
	}

	var outboundLinkID string
	if direction == store.DirectionSent && ing.sendLog != nil {
		linkID, found, err := ing.sendLog.FindByProviderMessageID(ctx, messageID)
		if err != nil {
			return nil, false, fmt.Errorf("send log lookup for %s: %w", messageID, err)
		}
		if found {
			outboundLinkID = linkID
		}
		// Absence is expected: the message may have been sent outside
		// this system.
	}

	msg := &store.Message{
		MessageID:      normalized.MessageID,
		ThreadID:       normalized.ThreadID,
		AccountID:      accountID,
		Direction:      direction,
		Sender:         normalized.Sender,
		Recipients:     normalized.Recipients,
		Subject:        normalized.Subject,
		BodyHTML:       normalized.BodyHTML,
		BodyText:       normalized.BodyText,
		ReceivedAt:     normalized.ReceivedAt,
		OutboundLinkID: outboundLinkID,
	}

	created, err := ing.store.IngestMessage(ctx, msg, ing.outboxEvent(accountID, msg))
	if err != nil {
		return nil, false, fmt.Errorf("store message %s: %w", messageID, err)
	}
	if !created {
		// A concurrent invocation won the insert race; the unique
		// constraint made that a clean no-op for us.
		return nil, false, nil
	}
	return msg, true, nil
}

func (ing *Ingestor) outboxEvent(accountID string, msg *store.Message) *store.OutboxEvent {
	payload, _ := json.Marshal(map[string]any{
		"event_id":    uuid.NewString(),
		"ts":          time.Now().Unix(),
		"account_id":  accountID,
		"message_id":  msg.MessageID,
		"thread_id":   msg.ThreadID,
		"direction":   msg.Direction,
		"sender":      msg.Sender,
		"subject":     msg.Subject,
		"received_at": msg.ReceivedAt.Unix(),
	})

	return &store.OutboxEvent{
		Subject:   fmt.Sprintf("account.%s.message.ingested", accountID),
		EventType: "message.ingested",
		Payload:   payload,
		MsgID:     fmt.Sprintf("message.ingested|%s", msg.MessageID),
	}
}
