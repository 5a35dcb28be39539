package gmail

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
)

func TestClassifyHistoryErr(t *testing.T) {
	gone := &googleapi.Error{Code: 404, Message: "historyId not found"}
	require.ErrorIs(t, classifyHistoryErr(gone), mailbox.ErrCursorInvalid)

	gone410 := &googleapi.Error{Code: 410}
	require.ErrorIs(t, classifyHistoryErr(gone410), mailbox.ErrCursorInvalid)

	throttled := &googleapi.Error{Code: 429}
	require.ErrorIs(t, classifyHistoryErr(throttled), mailbox.ErrRateLimited)

	auth := &googleapi.Error{Code: 401}
	err := classifyHistoryErr(auth)
	require.NotErrorIs(t, err, mailbox.ErrCursorInvalid)
	require.NotErrorIs(t, err, mailbox.ErrRateLimited)
}

func TestClassifyErrQuotaReasons(t *testing.T) {
	quota := &googleapi.Error{
		Code: 403,
		Errors: []googleapi.ErrorItem{
			{Reason: "userRateLimitExceeded"},
		},
	}
	require.ErrorIs(t, classifyErr(quota), mailbox.ErrRateLimited)

	forbidden := &googleapi.Error{
		Code: 403,
		Errors: []googleapi.ErrorItem{
			{Reason: "insufficientPermissions"},
		},
	}
	require.NotErrorIs(t, classifyErr(forbidden), mailbox.ErrRateLimited)

	plain := errors.New("dial tcp: timeout")
	require.Equal(t, plain, classifyErr(plain))
}

func TestExtractBodies(t *testing.T) {
	enc := func(s string) string {
		return base64.URLEncoding.EncodeToString([]byte(s))
	}

	payload := &gmailapi.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmailapi.MessagePart{
			{
				MimeType: "text/plain",
				Body:     &gmailapi.MessagePartBody{Data: enc("plain body")},
			},
			{
				MimeType: "multipart/related",
				Parts: []*gmailapi.MessagePart{
					{
						MimeType: "text/html",
						Body:     &gmailapi.MessagePartBody{Data: enc("<p>html body</p>")},
					},
				},
			},
		},
	}

	html, text := extractBodies(payload)
	require.Equal(t, "<p>html body</p>", html)
	require.Equal(t, "plain body", text)
}

func TestExtractBodiesSinglePart(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "text/plain",
		Body: &gmailapi.MessagePartBody{
			Data: base64.URLEncoding.EncodeToString([]byte("just text")),
		},
	}

	html, text := extractBodies(payload)
	require.Empty(t, html)
	require.Equal(t, "just text", text)
}
