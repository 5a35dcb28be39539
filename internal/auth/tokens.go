package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Token carries the OAuth credentials for one linked mailbox.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ErrNoLinkedAccount is returned when the token service has no credential
// for the requested account. This is a configuration problem, not a
// transient one: retrying without operator action will not help.
var ErrNoLinkedAccount = errors.New("no linked provider account")

// ErrNoRefreshCredential is returned when the account is linked but the
// token service can no longer mint an access token for it, typically a
// revoked or expired refresh token. The account owner must reauthenticate.
var ErrNoRefreshCredential = errors.New("no usable refresh credential")

// TokenClient fetches per-account OAuth tokens from the token service,
// which owns storage and refresh.
type TokenClient struct {
	baseURL string
	client  *http.Client
}

// NewTokenClient creates a client for the token service at baseURL.
func NewTokenClient(baseURL string) *TokenClient {
	return &TokenClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches a fresh OAuth token for the given account and provider.
func (c *TokenClient) GetToken(ctx context.Context, accountID, provider string) (*Token, error) {
	url := fmt.Sprintf("%s/api/accounts/%s/providers/%s/token", c.baseURL, accountID, provider)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, fmt.Errorf("%w: account %s has no %s credential", ErrNoLinkedAccount, accountID, provider)
	}

	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return nil, fmt.Errorf("%w: token service refused %s for account %s", ErrNoRefreshCredential, provider, accountID)
	}

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
