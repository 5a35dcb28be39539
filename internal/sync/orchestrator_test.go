package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
	"github.com/skylarkhq/mailsync-infra/internal/store"
)

type historyStep struct {
	page *mailbox.HistoryPage
	err  error
}

type windowStep struct {
	page *mailbox.MessagePage
	err  error
}

// fakeClient scripts provider responses page by page.
type fakeClient struct {
	address    string
	checkpoint string

	historySteps []historyStep
	historyCall  int
	windowSteps  []windowStep
	windowCall   int

	messages map[string]*mailbox.RawMessage
	getErrs  map[string]error

	watchExpiry time.Time
}

func (f *fakeClient) Profile(ctx context.Context) (*mailbox.Profile, error) {
	return &mailbox.Profile{Address: f.address, Checkpoint: f.checkpoint}, nil
}

func (f *fakeClient) ListHistorySince(ctx context.Context, watermark, pageToken string) (*mailbox.HistoryPage, error) {
	if f.historyCall >= len(f.historySteps) {
		return nil, fmt.Errorf("unexpected history call %d", f.historyCall)
	}
	step := f.historySteps[f.historyCall]
	f.historyCall++
	return step.page, step.err
}

func (f *fakeClient) ListMessagesInWindow(ctx context.Context, since time.Time, pageToken string) (*mailbox.MessagePage, error) {
	if f.windowCall >= len(f.windowSteps) {
		return nil, fmt.Errorf("unexpected window call %d", f.windowCall)
	}
	step := f.windowSteps[f.windowCall]
	f.windowCall++
	return step.page, step.err
}

func (f *fakeClient) GetMessage(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	if err, ok := f.getErrs[id]; ok {
		return nil, err
	}
	raw, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("no such message %s", id)
	}
	return raw, nil
}

func (f *fakeClient) GetCheckpoint(ctx context.Context) (string, error) {
	return f.checkpoint, nil
}

func (f *fakeClient) Watch(ctx context.Context, topic string) (time.Time, error) {
	return f.watchExpiry, nil
}

func rawMsg(id, thread, from string) *mailbox.RawMessage {
	return &mailbox.RawMessage{
		ID:       id,
		ThreadID: thread,
		Headers: map[string]string{
			"From":    from,
			"To":      "owner@example.com",
			"Subject": "subject of " + id,
		},
		BodyText:     "body of " + id,
		InternalDate: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func messagesFixture(ids ...string) map[string]*mailbox.RawMessage {
	out := make(map[string]*mailbox.RawMessage, len(ids))
	for _, id := range ids {
		out[id] = rawMsg(id, "thread-"+id, "alice@example.com")
	}
	return out
}

func newTestEngine(t *testing.T, client mailbox.Client) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	factory := func(ctx context.Context, accountID string) (mailbox.Client, error) {
		return client, nil
	}
	return NewEngine(st, st, factory, 7*24*time.Hour), st
}

func TestFirstSyncRunsFullBackfill(t *testing.T) {
	client := &fakeClient{
		address:    "owner@example.com",
		checkpoint: "5000",
		windowSteps: []windowStep{
			{page: &mailbox.MessagePage{MessageIDs: []string{"m1", "m2"}, NextPageToken: "p2"}},
			{page: &mailbox.MessagePage{MessageIDs: []string{"m3"}}},
		},
		messages: messagesFixture("m1", "m2", "m3"),
	}
	engine, st := newTestEngine(t, client)

	result := engine.SyncMailbox(context.Background(), "acct-1")

	require.True(t, result.Success)
	require.Equal(t, SyncTypeFull, result.SyncType)
	require.Equal(t, 3, result.MessagesProcessed)
	require.Equal(t, 3, result.ConversationsTouched)
	require.Equal(t, "5000", result.Watermark)

	cursor, err := st.LoadCursor(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, "5000", cursor.Watermark)
}

func TestIncrementalSyncAdvancesWatermark(t *testing.T) {
	client := &fakeClient{
		address: "owner@example.com",
		historySteps: []historyStep{
			{page: &mailbox.HistoryPage{AddedMessageIDs: []string{"m1"}, Watermark: "110", NextPageToken: "p2"}},
			{page: &mailbox.HistoryPage{AddedMessageIDs: []string{"m2"}, Watermark: "120"}},
		},
		messages: messagesFixture("m1", "m2"),
	}
	engine, st := newTestEngine(t, client)
	ctx := context.Background()
	require.NoError(t, st.SaveWatermark(ctx, "acct-1", "100"))

	result := engine.SyncMailbox(ctx, "acct-1")

	require.True(t, result.Success)
	require.Equal(t, SyncTypeIncremental, result.SyncType)
	require.Equal(t, 2, result.MessagesProcessed)
	require.Equal(t, "120", result.Watermark)

	cursor, err := st.LoadCursor(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "120", cursor.Watermark)
}

func TestEmptyIncrementalStillAdvancesWatermark(t *testing.T) {
	client := &fakeClient{
		address: "owner@example.com",
		historySteps: []historyStep{
			{page: &mailbox.HistoryPage{Watermark: "150"}},
		},
	}
	engine, st := newTestEngine(t, client)
	ctx := context.Background()
	require.NoError(t, st.SaveWatermark(ctx, "acct-1", "100"))

	result := engine.SyncMailbox(ctx, "acct-1")

	require.True(t, result.Success)
	require.Equal(t, 0, result.MessagesProcessed)
	require.Equal(t, "150", result.Watermark)

	cursor, err := st.LoadCursor(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "150", cursor.Watermark)
}

func TestExpiredCursorFallsBackToFullInSameCall(t *testing.T) {
	client := &fakeClient{
		address:    "owner@example.com",
		checkpoint: "9000",
		historySteps: []historyStep{
			{err: fmt.Errorf("%w: history id gone", mailbox.ErrCursorInvalid)},
		},
		windowSteps: []windowStep{
			{page: &mailbox.MessagePage{MessageIDs: []string{"m1", "m2"}}},
		},
		messages: messagesFixture("m1", "m2"),
	}
	engine, st := newTestEngine(t, client)
	ctx := context.Background()
	require.NoError(t, st.SaveWatermark(ctx, "acct-1", "100"))

	result := engine.SyncMailbox(ctx, "acct-1")

	require.True(t, result.Success)
	require.Equal(t, SyncTypeFull, result.SyncType)
	require.Equal(t, 2, result.MessagesProcessed)
	require.Equal(t, "9000", result.Watermark)
	require.Empty(t, result.Error)

	cursor, err := st.LoadCursor(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "9000", cursor.Watermark)
}

func TestRateLimitMidPaginationKeepsPartialProgress(t *testing.T) {
	client := &fakeClient{
		address: "owner@example.com",
		historySteps: []historyStep{
			{page: &mailbox.HistoryPage{
				AddedMessageIDs: []string{"m1", "m2", "m3", "m4", "m5"},
				Watermark:       "110",
				NextPageToken:   "p2",
			}},
			{err: fmt.Errorf("%w: throttled", mailbox.ErrRateLimited)},
		},
		messages: messagesFixture("m1", "m2", "m3", "m4", "m5"),
	}
	engine, st := newTestEngine(t, client)
	ctx := context.Background()
	require.NoError(t, st.SaveWatermark(ctx, "acct-1", "100"))

	result := engine.SyncMailbox(ctx, "acct-1")

	require.False(t, result.Success)
	require.Equal(t, SyncTypeIncremental, result.SyncType)
	require.Equal(t, 5, result.MessagesProcessed)
	require.NotEmpty(t, result.Error)

	// Page one's messages are durably stored.
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		exists, err := st.MessageExists(ctx, id)
		require.NoError(t, err)
		require.True(t, exists)
	}

	// The cursor did not move; the next cycle re-covers the same window.
	cursor, err := st.LoadCursor(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "100", cursor.Watermark)

	// Only one window call would have happened if the engine had fallen
	// back to a backfill; it must not on rate limits.
	require.Equal(t, 0, client.windowCall)
}

func TestPartialMessageFailureDoesNotAbortBatch(t *testing.T) {
	client := &fakeClient{
		address: "owner@example.com",
		historySteps: []historyStep{
			{page: &mailbox.HistoryPage{AddedMessageIDs: []string{"m1", "m2", "m3"}, Watermark: "110"}},
		},
		messages: messagesFixture("m1", "m2", "m3"),
		getErrs:  map[string]error{"m2": errors.New("transient fetch failure")},
	}
	engine, st := newTestEngine(t, client)
	ctx := context.Background()
	require.NoError(t, st.SaveWatermark(ctx, "acct-1", "100"))

	result := engine.SyncMailbox(ctx, "acct-1")

	require.True(t, result.Success)
	require.Equal(t, 2, result.MessagesProcessed)

	exists, err := st.MessageExists(ctx, "m2")
	require.NoError(t, err)
	require.False(t, exists)

	// The cursor still advances to the page's final watermark; the failed
	// message is retried from the next cycle's window, not by pinning the
	// cursor behind it.
	cursor, err := st.LoadCursor(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "110", cursor.Watermark)
}

func TestRepeatSyncIsIdempotent(t *testing.T) {
	client := &fakeClient{
		address:    "owner@example.com",
		checkpoint: "5000",
		windowSteps: []windowStep{
			{page: &mailbox.MessagePage{MessageIDs: []string{"m1", "m2"}}},
		},
		historySteps: []historyStep{
			// Second invocation goes incremental and re-announces m1.
			{page: &mailbox.HistoryPage{AddedMessageIDs: []string{"m1"}, Watermark: "5100"}},
		},
		messages: messagesFixture("m1", "m2"),
	}
	engine, st := newTestEngine(t, client)
	ctx := context.Background()

	first := engine.SyncMailbox(ctx, "acct-1")
	require.True(t, first.Success)
	require.Equal(t, 2, first.MessagesProcessed)

	second := engine.SyncMailbox(ctx, "acct-1")
	require.True(t, second.Success)
	require.Equal(t, SyncTypeIncremental, second.SyncType)
	require.Equal(t, 0, second.MessagesProcessed)
	require.Equal(t, 0, second.ConversationsTouched)

	msgs, err := st.ListMessagesByThread(ctx, "thread-m1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestDirectionAndOutboundLink(t *testing.T) {
	sent := rawMsg("m-sent", "t1", "Owner Name <owner@example.com>")
	received := rawMsg("m-recv", "t1", "alice@example.com")

	client := &fakeClient{
		address:    "owner@example.com",
		checkpoint: "5000",
		windowSteps: []windowStep{
			{page: &mailbox.MessagePage{MessageIDs: []string{"m-sent", "m-recv"}}},
		},
		messages: map[string]*mailbox.RawMessage{"m-sent": sent, "m-recv": received},
	}
	engine, st := newTestEngine(t, client)
	ctx := context.Background()

	require.NoError(t, st.RecordSend(ctx, "m-sent", "link-42"))

	result := engine.SyncMailbox(ctx, "acct-1")
	require.True(t, result.Success)
	require.Equal(t, 2, result.MessagesProcessed)

	got, err := st.GetMessage(ctx, "m-sent")
	require.NoError(t, err)
	require.Equal(t, store.DirectionSent, got.Direction)
	require.Equal(t, "link-42", got.OutboundLinkID)

	got, err = st.GetMessage(ctx, "m-recv")
	require.NoError(t, err)
	require.Equal(t, store.DirectionReceived, got.Direction)
	require.Empty(t, got.OutboundLinkID)
}

func TestClientFactoryFailureIsFatalForInvocation(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	factory := func(ctx context.Context, accountID string) (mailbox.Client, error) {
		return nil, errors.New("no linked provider account")
	}
	engine := NewEngine(st, st, factory, 7*24*time.Hour)

	result := engine.SyncMailbox(context.Background(), "acct-1")
	require.False(t, result.Success)
	require.Equal(t, SyncTypeNone, result.SyncType)
	require.NotEmpty(t, result.Error)
}

func TestRefreshSubscriptionPersistsExpiry(t *testing.T) {
	expiry := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{address: "owner@example.com", watchExpiry: expiry}
	engine, st := newTestEngine(t, client)
	ctx := context.Background()

	got, err := engine.RefreshSubscription(ctx, "acct-1", "projects/x/topics/mail")
	require.NoError(t, err)
	require.Equal(t, expiry, got)

	cursor, err := st.LoadCursor(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, expiry, cursor.SubscriptionExpiry.UTC())
}
