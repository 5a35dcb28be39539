package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/skylarkhq/mailsync-infra/internal/auth"
	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
)

const pageSize = 100

// Client implements mailbox.Client on top of the Gmail API. The watermark is
// the mailbox history id; Gmail retains history records for a bounded window
// only, after which ListHistorySince reports mailbox.ErrCursorInvalid.
type Client struct {
	svc *gmail.Service
}

var _ mailbox.Client = (*Client)(nil)

// New creates a Gmail-backed mailbox client for the given OAuth token.
func New(ctx context.Context, tok *auth.Token) (*Client, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Client{svc: svc}, nil
}

// Profile returns the mailbox address and its current history id.
func (c *Client) Profile(ctx context.Context) (*mailbox.Profile, error) {
	profile, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, classifyErr(err)
	}
	return &mailbox.Profile{
		Address:    profile.EmailAddress,
		Checkpoint: strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// ListHistorySince returns one page of message additions after watermark.
func (c *Client) ListHistorySince(ctx context.Context, watermark, pageToken string) (*mailbox.HistoryPage, error) {
	startHistoryID, err := strconv.ParseUint(watermark, 10, 64)
	if err != nil {
		// A watermark Gmail never issued cannot be dereferenced either.
		return nil, fmt.Errorf("%w: malformed history id %q", mailbox.ErrCursorInvalid, watermark)
	}

	call := c.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classifyHistoryErr(err)
	}

	page := &mailbox.HistoryPage{NextPageToken: resp.NextPageToken}

	latest := startHistoryID
	if resp.HistoryId > latest {
		latest = resp.HistoryId
	}
	for _, record := range resp.History {
		if record.Id > latest {
			latest = record.Id
		}
		for _, added := range record.MessagesAdded {
			page.AddedMessageIDs = append(page.AddedMessageIDs, added.Message.Id)
		}
	}
	page.Watermark = strconv.FormatUint(latest, 10)

	return page, nil
}

// ListMessagesInWindow returns one page of message ids received at or after
// since, using Gmail's search query filter.
func (c *Client) ListMessagesInWindow(ctx context.Context, since time.Time, pageToken string) (*mailbox.MessagePage, error) {
	call := c.svc.Users.Messages.List("me").
		Q(fmt.Sprintf("after:%d", since.Unix())).
		IncludeSpamTrash(false).
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classifyErr(err)
	}

	page := &mailbox.MessagePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.MessageIDs = append(page.MessageIDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches a full message and flattens it to the provider-agnostic
// raw shape.
func (c *Client) GetMessage(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	msg, err := c.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classifyErr(err)
	}

	headers := make(map[string]string)
	if msg.Payload != nil {
		for _, kv := range msg.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	raw := &mailbox.RawMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		Headers:      headers,
		Snippet:      msg.Snippet,
		InternalDate: time.UnixMilli(msg.InternalDate),
	}
	if msg.Payload != nil {
		raw.BodyHTML, raw.BodyText = extractBodies(msg.Payload)
	}
	return raw, nil
}

// GetCheckpoint returns the mailbox's current history id.
func (c *Client) GetCheckpoint(ctx context.Context) (string, error) {
	profile, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", classifyErr(err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Watch subscribes the mailbox to Pub/Sub push notifications.
func (c *Client) Watch(ctx context.Context, topic string) (time.Time, error) {
	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}
	resp, err := c.svc.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return time.Time{}, classifyErr(err)
	}
	return time.UnixMilli(resp.Expiration), nil
}

// extractBodies walks the MIME part tree for the html and plain bodies.
func extractBodies(payload *gmail.MessagePart) (html, text string) {
	if payload.Body != nil && payload.Body.Data != "" {
		decoded := decodeBody(payload.Body.Data)
		if payload.MimeType == "text/html" {
			return decoded, ""
		}
		return "", decoded
	}

	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				switch part.MimeType {
				case "text/html":
					if html == "" {
						html = decodeBody(part.Body.Data)
					}
				case "text/plain":
					if text == "" {
						text = decodeBody(part.Body.Data)
					}
				}
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	walk(payload.Parts)
	return html, text
}

func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	return ""
}

// classifyHistoryErr additionally maps "history id gone" responses onto
// ErrCursorInvalid. Gmail answers 404 for expired ids; 410 is the generic
// gone-equivalent.
func classifyHistoryErr(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 404, 410:
			return fmt.Errorf("%w: %v", mailbox.ErrCursorInvalid, err)
		}
	}
	return classifyErr(err)
}

func classifyErr(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 429 || (apiErr.Code == 403 && isRateLimitReason(apiErr))) {
		return fmt.Errorf("%w: %v", mailbox.ErrRateLimited, err)
	}
	return err
}

// isRateLimitReason catches Gmail's 403-shaped quota errors, which carry the
// throttling reason in the error details rather than the status code.
func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
