package sync

import (
	"context"
	"errors"
	"time"

	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
)

// fetchHistory walks the provider change feed from watermark, invoking emit
// with each page's added message ids as soon as the page arrives. Pages are
// requested strictly sequentially; the continuation token is a genuine
// ordering dependency. On success the returned watermark is the most
// advanced cursor observed across all pages, including pages without
// additions.
func fetchHistory(ctx context.Context, client mailbox.Client, watermark string, emit func(ids []string) error) fetchResult {
	latestWatermark := watermark
	seen := make(map[string]bool)

	pageToken := ""
	for {
		page, err := client.ListHistorySince(ctx, watermark, pageToken)
		if err != nil {
			return classifyFetchErr(err)
		}

		// The provider returns progress markers even on empty pages;
		// the watermark advances regardless.
		if page.Watermark != "" {
			latestWatermark = page.Watermark
		}

		ids := make([]string, 0, len(page.AddedMessageIDs))
		for _, id := range page.AddedMessageIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}

		if len(ids) > 0 {
			if err := emit(ids); err != nil {
				return fetchResult{status: fetchFailed, err: err}
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return fetchResult{status: fetchOK, watermark: latestWatermark}
}

// fetchBackfill lists every message received within the trailing window,
// emitting page by page, then seeds a fresh watermark from the provider
// checkpoint. The checkpoint is deliberately not derived from the listed
// messages: list order carries no cursor semantics.
func fetchBackfill(ctx context.Context, client mailbox.Client, window time.Duration, emit func(ids []string) error) fetchResult {
	since := time.Now().Add(-window)
	seen := make(map[string]bool)

	pageToken := ""
	for {
		page, err := client.ListMessagesInWindow(ctx, since, pageToken)
		if err != nil {
			return classifyFetchErr(err)
		}

		ids := make([]string, 0, len(page.MessageIDs))
		for _, id := range page.MessageIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}

		if len(ids) > 0 {
			if err := emit(ids); err != nil {
				return fetchResult{status: fetchFailed, err: err}
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	checkpoint, err := client.GetCheckpoint(ctx)
	if err != nil {
		return classifyFetchErr(err)
	}

	return fetchResult{status: fetchOK, watermark: checkpoint}
}

func classifyFetchErr(err error) fetchResult {
	switch {
	case errors.Is(err, mailbox.ErrCursorInvalid):
		return fetchResult{status: fetchCursorInvalid, err: err}
	case errors.Is(err, mailbox.ErrRateLimited):
		return fetchResult{status: fetchRateLimited, err: err}
	default:
		return fetchResult{status: fetchFailed, err: err}
	}
}
