package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
)

func TestNormalize(t *testing.T) {
	received := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	raw := &mailbox.RawMessage{
		ID:       "m1",
		ThreadID: "t1",
		Headers: map[string]string{
			"From":    "Ada Lovelace <ada@example.com>",
			"To":      "Bob <bob@example.com>, carol@example.com",
			"Cc":      "dave@example.com",
			"Subject": "analytical engines",
		},
		BodyHTML:     "<p>hi</p>",
		BodyText:     "hi",
		InternalDate: received,
	}

	got := Normalize(raw)

	require.Equal(t, "m1", got.MessageID)
	require.Equal(t, "t1", got.ThreadID)
	require.Equal(t, "ada@example.com", got.Sender)
	require.Equal(t, []string{"bob@example.com", "carol@example.com", "dave@example.com"}, got.Recipients)
	require.Equal(t, "analytical engines", got.Subject)
	require.Equal(t, "<p>hi</p>", got.BodyHTML)
	require.Equal(t, "hi", got.BodyText)
	require.Equal(t, received, got.ReceivedAt)
}

func TestExtractAddressFallsBackOnMalformedHeader(t *testing.T) {
	require.Equal(t, "ada@example.com", extractAddress("ada@example.com"))
	require.Equal(t, "not an address", extractAddress("  not an address  "))
	require.Equal(t, "", extractAddress(""))
}

func TestSplitAddrs(t *testing.T) {
	require.Nil(t, splitAddrs(""))
	require.Equal(t, []string{"a@x.io", "b@x.io"}, splitAddrs("A <a@x.io>, b@x.io"))
	// Unparseable lists degrade to comma splitting.
	require.Equal(t, []string{"first garbled", "second"}, splitAddrs("first garbled, second"))
}
