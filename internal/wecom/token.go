package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// tokenExpirySlack is subtracted from the platform-reported lifetime so a
// token is refreshed before it actually lapses mid-cycle.
const tokenExpirySlack = 5 * time.Minute

// tokenCache caches the corp access token and refreshes it on demand.
// Concurrent callers share a single refresh.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	fetch     func(ctx context.Context) (string, time.Duration, error)
}

func newTokenCache(fetch func(ctx context.Context) (string, time.Duration, error)) *tokenCache {
	return &tokenCache{fetch: fetch}
}

// get returns a cached token, fetching a fresh one when none is usable.
func (t *tokenCache) get(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Before(t.expiresAt) {
		return t.token, nil
	}

	token, ttl, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	t.expiresAt = time.Now().Add(ttl - tokenExpirySlack)
	slog.Debug("Access token refreshed", "expires_at", t.expiresAt)
	return token, nil
}

// invalidate drops the cached token if it still matches the rejected one,
// so only the caller that observed the rejection forces a refresh.
func (t *tokenCache) invalidate(rejected string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == rejected {
		t.token = ""
	}
}

// fetchToken requests a fresh access token from the gettoken endpoint.
func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	u := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		c.baseURL, url.QueryEscape(c.corpID), url.QueryEscape(c.corpSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build token request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.ErrCode != 0 {
		return "", 0, fmt.Errorf("gettoken error %d: %s", tr.ErrCode, tr.ErrMsg)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("gettoken returned empty token")
	}

	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}
