package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Direction of a stored message relative to the mailbox owner.
const (
	DirectionSent     = "SENT"
	DirectionReceived = "RECEIVED"
)

// Store persists cursors, conversations, messages and the event outbox for
// synced mailboxes. The UNIQUE constraint on messages.message_id is the
// authoritative duplicate-prevention mechanism; everything above it is an
// optimization.
type Store struct {
	DB *sql.DB
}

// SyncCursor is the per-account sync watermark plus the push subscription
// expiry. A zero Watermark means the account was never synced.
type SyncCursor struct {
	AccountID          string
	Watermark          string
	SubscriptionExpiry time.Time
	UpdatedAt          time.Time
}

// Conversation aggregates messages sharing a provider thread id.
type Conversation struct {
	ThreadID      string
	AccountID     string
	Subject       string
	LastMessageAt time.Time
	MessageCount  int64
}

// Message is one canonical, immutable record per remote message.
type Message struct {
	MessageID      string
	ThreadID       string
	AccountID      string
	Direction      string
	Sender         string
	Recipients     []string
	Subject        string
	BodyHTML       string
	BodyText       string
	ReceivedAt     time.Time
	OutboundLinkID string
}

// OutboxEvent is appended in the same transaction as a message insert and
// later drained to NATS by the dispatcher.
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// OutboxMessage is a pending outbox row.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the mailbox database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// LoadCursor returns the sync cursor for an account, or nil when the account
// was never synced and never subscribed.
func (s *Store) LoadCursor(ctx context.Context, accountID string) (*SyncCursor, error) {
	var (
		watermark sql.NullString
		expiry    sql.NullInt64
		updatedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT watermark, subscription_expiry, updated_at
		FROM sync_cursors WHERE account_id = ?
	`, accountID).Scan(&watermark, &expiry, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	cursor := &SyncCursor{
		AccountID: accountID,
		Watermark: watermark.String,
		UpdatedAt: time.Unix(updatedAt, 0),
	}
	if expiry.Valid {
		cursor.SubscriptionExpiry = time.Unix(expiry.Int64, 0)
	}
	return cursor, nil
}

// SaveWatermark overwrites the account watermark. Callers invoke this only
// after a fetch-and-ingest cycle fully completed, never mid-batch.
func (s *Store) SaveWatermark(ctx context.Context, accountID, watermark string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, watermark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			watermark = excluded.watermark,
			updated_at = excluded.updated_at
	`, accountID, watermark, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}

// SaveSubscriptionExpiry records when the provider push subscription lapses.
func (s *Store) SaveSubscriptionExpiry(ctx context.Context, accountID string, expiry time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, subscription_expiry, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			subscription_expiry = excluded.subscription_expiry,
			updated_at = excluded.updated_at
	`, accountID, expiry.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save subscription expiry: %w", err)
	}
	return nil
}

// DeleteCursor removes sync state for an unlinked account.
func (s *Store) DeleteCursor(ctx context.Context, accountID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sync_cursors WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

// MessageExists reports whether a message id is already stored. This is the
// cheap pre-check that avoids a wasted provider fetch; correctness under
// concurrent ingestion comes from the UNIQUE constraint in IngestMessage.
func (s *Store) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE message_id = ?
	`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return true, nil
}

// IngestMessage stores a message and maintains its conversation aggregate in
// one transaction. It returns false with no error when the message id was
// already present, in which case neither the conversation counters nor the
// outbox are touched.
func (s *Store) IngestMessage(ctx context.Context, msg *Message, event *OutboxEvent) (bool, error) {
	recipientsJSON, err := json.Marshal(msg.Recipients)
	if err != nil {
		return false, fmt.Errorf("failed to encode recipients: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(message_id, thread_id, account_id, direction, sender, recipients_json,
		 subject, body_html, body_text, received_at, outbound_link_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.MessageID, msg.ThreadID, msg.AccountID, msg.Direction, msg.Sender,
		string(recipientsJSON), nullString(msg.Subject), nullString(msg.BodyHTML),
		nullString(msg.BodyText), msg.ReceivedAt.Unix(), nullString(msg.OutboundLinkID),
		time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		// Already ingested, by this or a concurrent invocation.
		return false, nil
	}

	// Conversation upsert: first-seen subject wins, count is monotonic,
	// last_message_at only advances.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (thread_id, account_id, subject, last_message_at, message_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(thread_id) DO UPDATE SET
			message_count = message_count + 1,
			last_message_at = MAX(last_message_at, excluded.last_message_at)
	`, msg.ThreadID, msg.AccountID, nullString(msg.Subject), msg.ReceivedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	if event != nil {
		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, event.Subject, event.EventType, event.Payload, event.MsgID, now)
		if err != nil {
			return false, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetMessage loads one message by its provider id, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT message_id, thread_id, account_id, direction, sender, recipients_json,
		       subject, body_html, body_text, received_at, outbound_link_id
		FROM messages WHERE message_id = ?
	`, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// ListMessagesByThread returns a thread's messages ordered by receipt time.
func (s *Store) ListMessagesByThread(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT message_id, thread_id, account_id, direction, sender, recipients_json,
		       subject, body_html, body_text, received_at, outbound_link_id
		FROM messages WHERE thread_id = ? ORDER BY received_at, id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetConversation loads one conversation by thread id, or nil when absent.
func (s *Store) GetConversation(ctx context.Context, threadID string) (*Conversation, error) {
	var (
		conv    Conversation
		subject sql.NullString
		lastAt  int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT thread_id, account_id, subject, last_message_at, message_count
		FROM conversations WHERE thread_id = ?
	`, threadID).Scan(&conv.ThreadID, &conv.AccountID, &subject, &lastAt, &conv.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.Subject = subject.String
	conv.LastMessageAt = time.Unix(lastAt, 0)
	return &conv, nil
}

// ListConversations returns an account's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, accountID string) ([]*Conversation, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT thread_id, account_id, subject, last_message_at, message_count
		FROM conversations WHERE account_id = ?
		ORDER BY last_message_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var (
			conv    Conversation
			subject sql.NullString
			lastAt  int64
		)
		if err := rows.Scan(&conv.ThreadID, &conv.AccountID, &subject, &lastAt, &conv.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.Subject = subject.String
		conv.LastMessageAt = time.Unix(lastAt, 0)
		conversations = append(conversations, &conv)
	}
	return conversations, rows.Err()
}

// RecordSend writes an outbound send-log entry keyed by provider message id.
// The outbound send pipeline calls this when a send completes.
func (s *Store) RecordSend(ctx context.Context, providerMessageID, linkID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO send_log (provider_message_id, link_id, created_at)
		VALUES (?, ?, ?)
	`, providerMessageID, linkID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}
	return nil
}

// FindByProviderMessageID resolves a prior outbound send for a provider
// message id. Absence is not an error.
func (s *Store) FindByProviderMessageID(ctx context.Context, providerMessageID string) (string, bool, error) {
	var linkID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT link_id FROM send_log WHERE provider_message_id = ?
	`, providerMessageID).Scan(&linkID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query send log: %w", err)
	}
	return linkID, true, nil
}

// DequeueOutbox fetches due, unpublished outbox messages.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry counter and defers the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg            Message
		recipientsJSON string
		subject        sql.NullString
		bodyHTML       sql.NullString
		bodyText       sql.NullString
		receivedAt     int64
		outboundLinkID sql.NullString
	)
	err := row.Scan(&msg.MessageID, &msg.ThreadID, &msg.AccountID, &msg.Direction,
		&msg.Sender, &recipientsJSON, &subject, &bodyHTML, &bodyText, &receivedAt, &outboundLinkID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipientsJSON), &msg.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	msg.Subject = subject.String
	msg.BodyHTML = bodyHTML.String
	msg.BodyText = bodyText.String
	msg.ReceivedAt = time.Unix(receivedAt, 0)
	msg.OutboundLinkID = outboundLinkID.String
	return &msg, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
