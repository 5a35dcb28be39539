package mailbox

import (
	"context"
	"errors"
	"time"
)

// ProviderName identifies a remote mailbox provider.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// ErrCursorInvalid is returned by ListHistorySince when the provider can no
// longer dereference the supplied watermark. Callers are expected to fall
// back to a bounded full-window listing.
var ErrCursorInvalid = errors.New("mailbox: watermark no longer valid")

// ErrRateLimited is returned when the provider is throttling this account.
// Recovery is a later invocation; nothing in this package retries.
var ErrRateLimited = errors.New("mailbox: provider rate limited")

// Profile describes the authenticated mailbox identity.
type Profile struct {
	// Address is the account's own address, used for direction detection.
	Address string
	// Checkpoint is the provider's current watermark.
	Checkpoint string
}

// HistoryPage is one page of the provider's change feed.
type HistoryPage struct {
	// AddedMessageIDs are identifiers of messages added since the cursor.
	// Deletions and label changes are not reported.
	AddedMessageIDs []string
	// Watermark is the most advanced cursor observed on this page. Providers
	// return progress markers even on pages with no additions.
	Watermark string
	// NextPageToken continues the feed; empty means exhausted.
	NextPageToken string
}

// MessagePage is one page of a filtered message listing.
type MessagePage struct {
	MessageIDs    []string
	NextPageToken string
}

// RawMessage is a provider-shaped message, prior to normalization.
type RawMessage struct {
	ID           string
	ThreadID     string
	Headers      map[string]string
	BodyHTML     string
	BodyText     string
	Snippet      string
	InternalDate time.Time
}

// Client is the wire-level mailbox API consumed by the sync engine. One
// Client is bound to one authenticated mailbox identity.
type Client interface {
	// Profile returns the mailbox's own address and current checkpoint.
	Profile(ctx context.Context) (*Profile, error)

	// ListHistorySince pages through changes after watermark. Returns
	// ErrCursorInvalid when the watermark fell out of the provider's
	// retention window, ErrRateLimited on throttling.
	ListHistorySince(ctx context.Context, watermark, pageToken string) (*HistoryPage, error)

	// ListMessagesInWindow pages through messages received at or after since.
	ListMessagesInWindow(ctx context.Context, since time.Time, pageToken string) (*MessagePage, error)

	// GetMessage fetches one full message.
	GetMessage(ctx context.Context, id string) (*RawMessage, error)

	// GetCheckpoint returns a fresh watermark representing "now".
	GetCheckpoint(ctx context.Context) (string, error)

	// Watch (re)subscribes the mailbox to push notifications on the given
	// topic and returns the subscription expiry.
	Watch(ctx context.Context, topic string) (time.Time, error)
}
