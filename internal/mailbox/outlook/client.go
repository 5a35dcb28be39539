package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/skylarkhq/mailsync-infra/internal/auth"
	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
)

const pageSize = int32(100)

// subscriptionTTL stays under Graph's maximum lifetime for message
// subscriptions.
const subscriptionTTL = 72 * time.Hour

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bodyPreview", "receivedDateTime",
}

// Client implements mailbox.Client on top of Microsoft Graph. The watermark
// is the opaque deltaLink URL from the messages delta query; Graph answers
// 410 resyncRequired when a delta token can no longer be replayed, which
// maps onto mailbox.ErrCursorInvalid.
type Client struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

var _ mailbox.Client = (*Client)(nil)

// New creates a Graph-backed mailbox client for the given OAuth token.
func New(tok *auth.Token, userID string) (*Client, error) {
	cred := &staticTokenCredential{token: tok.AccessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Client{client: client, userID: userID}, nil
}

// Profile returns the mailbox address and a fresh watermark.
func (c *Client) Profile(ctx context.Context) (*mailbox.Profile, error) {
	user, err := c.client.Users().ByUserId(c.userID).Get(ctx, nil)
	if err != nil {
		return nil, classifyErr(err)
	}

	address := ""
	if mail := user.GetMail(); mail != nil {
		address = *mail
	} else if upn := user.GetUserPrincipalName(); upn != nil {
		address = *upn
	}

	checkpoint, err := c.GetCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	return &mailbox.Profile{
		Address:    address,
		Checkpoint: checkpoint,
	}, nil
}

// ListHistorySince replays the delta feed from watermark. The watermark and
// the page token are both Graph-issued URLs: the deltaLink from the previous
// completed walk, and the nextLink within the current one.
func (c *Client) ListHistorySince(ctx context.Context, watermark, pageToken string) (*mailbox.HistoryPage, error) {
	url := watermark
	if pageToken != "" {
		url = pageToken
	}

	builder := users.NewItemMessagesDeltaRequestBuilder(url, c.client.GetAdapter())
	resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return nil, classifyHistoryErr(err)
	}

	page := &mailbox.HistoryPage{}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	// The deltaLink only appears on the feed's final page; intermediate
	// pages leave the watermark empty and the caller keeps the last
	// non-empty value.
	if delta := resp.GetOdataDeltaLink(); delta != nil {
		page.Watermark = *delta
	}

	for _, m := range resp.GetValue() {
		// Delta feeds report removals too; only additions matter here.
		if _, removed := m.GetAdditionalData()["@removed"]; removed {
			continue
		}
		if id := m.GetId(); id != nil {
			page.AddedMessageIDs = append(page.AddedMessageIDs, *id)
		}
	}

	return page, nil
}

// ListMessagesInWindow returns one page of message ids received at or after
// since.
func (c *Client) ListMessagesInWindow(ctx context.Context, since time.Time, pageToken string) (*mailbox.MessagePage, error) {
	var result models.MessageCollectionResponseable
	var err error

	if pageToken != "" {
		builder := users.NewItemMessagesRequestBuilder(pageToken, c.client.GetAdapter())
		result, err = builder.Get(ctx, nil)
	} else {
		filter := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
		requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     int32Ptr(pageSize),
				Select:  messageSelect,
				Filter:  &filter,
				Orderby: []string{"receivedDateTime asc"},
			},
		}
		result, err = c.client.Users().ByUserId(c.userID).Messages().Get(ctx, requestConfig)
	}
	if err != nil {
		return nil, classifyErr(err)
	}

	page := &mailbox.MessagePage{}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	for _, m := range result.GetValue() {
		if id := m.GetId(); id != nil {
			page.MessageIDs = append(page.MessageIDs, *id)
		}
	}
	return page, nil
}

// GetMessage fetches a full message and flattens it to the provider-agnostic
// raw shape.
func (c *Client) GetMessage(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{
				"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
				"bodyPreview", "receivedDateTime", "body", "internetMessageHeaders",
			},
		},
	}

	m, err := c.client.Users().ByUserId(c.userID).Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, classifyErr(err)
	}

	raw := &mailbox.RawMessage{Headers: make(map[string]string)}

	if mid := m.GetId(); mid != nil {
		raw.ID = *mid
	}
	if convID := m.GetConversationId(); convID != nil {
		raw.ThreadID = *convID
	}
	if preview := m.GetBodyPreview(); preview != nil {
		raw.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = *rcvd
	}

	if subject := m.GetSubject(); subject != nil {
		raw.Headers["Subject"] = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := recipientAddress(from); addr != "" {
			raw.Headers["From"] = addr
		}
	}
	if addrs := joinAddresses(m.GetToRecipients()); addrs != "" {
		raw.Headers["To"] = addrs
	}
	if addrs := joinAddresses(m.GetCcRecipients()); addrs != "" {
		raw.Headers["Cc"] = addrs
	}
	for _, h := range m.GetInternetMessageHeaders() {
		if name, value := h.GetName(), h.GetValue(); name != nil && value != nil {
			if _, seen := raw.Headers[*name]; !seen {
				raw.Headers[*name] = *value
			}
		}
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		content := *body.GetContent()
		if ct := body.GetContentType(); ct != nil && *ct == models.TEXT_BODYTYPE {
			raw.BodyText = content
		} else {
			raw.BodyHTML = content
		}
	}

	return raw, nil
}

// GetCheckpoint returns a fresh deltaLink representing "now" without
// walking the mailbox, via Graph's latest-token shortcut.
func (c *Client) GetCheckpoint(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/users/%s/messages/delta?$deltaToken=latest",
		c.client.GetAdapter().GetBaseUrl(), c.userID)

	builder := users.NewItemMessagesDeltaRequestBuilder(url, c.client.GetAdapter())
	resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return "", classifyErr(err)
	}

	delta := resp.GetOdataDeltaLink()
	if delta == nil || *delta == "" {
		return "", fmt.Errorf("delta response carried no delta link")
	}
	return *delta, nil
}

// Watch creates a Graph change subscription delivering to notificationURL.
func (c *Client) Watch(ctx context.Context, notificationURL string) (time.Time, error) {
	expiry := time.Now().Add(subscriptionTTL)

	sub := models.NewSubscription()
	changeType := "created"
	resource := fmt.Sprintf("/users/%s/messages", c.userID)
	sub.SetChangeType(&changeType)
	sub.SetResource(&resource)
	sub.SetNotificationUrl(&notificationURL)
	sub.SetExpirationDateTime(&expiry)

	created, err := c.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return time.Time{}, classifyErr(err)
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		return *exp, nil
	}
	return expiry, nil
}

func recipientAddress(r models.Recipientable) string {
	if emailAddr := r.GetEmailAddress(); emailAddr != nil {
		if addr := emailAddr.GetAddress(); addr != nil {
			return *addr
		}
	}
	return ""
}

func joinAddresses(recipients []models.Recipientable) string {
	out := ""
	for _, r := range recipients {
		addr := recipientAddress(r)
		if addr == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += addr
	}
	return out
}

// classifyHistoryErr additionally maps Graph's resyncRequired response onto
// ErrCursorInvalid. Graph answers 410 when a delta token can no longer be
// replayed; 404 covers tokens it no longer recognizes at all.
func classifyHistoryErr(err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch odataErr.ResponseStatusCode {
		case 404, 410:
			return fmt.Errorf("%w: %v", mailbox.ErrCursorInvalid, err)
		}
	}
	return classifyErr(err)
}

func classifyErr(err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) && odataErr.ResponseStatusCode == 429 {
		return fmt.Errorf("%w: %v", mailbox.ErrRateLimited, err)
	}
	return err
}

// staticTokenCredential hands the already-issued OAuth token to the Graph
// SDK's credential interface.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
