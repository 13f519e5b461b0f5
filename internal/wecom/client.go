package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultBaseURL is the WeCom API endpoint.
const DefaultBaseURL = "https://qyapi.weixin.qq.com"

// DefaultHTTPTimeout bounds every API round trip.
const DefaultHTTPTimeout = 30 * time.Second

// Client talks to the WeCom customer-service API. It caches the access
// token and transparently refreshes it once when the platform reports an
// expired or invalid token; any remaining failure surfaces as a single
// error to the caller.
type Client struct {
	baseURL     string
	corpID      string
	corpSecret  string
	httpClient  *http.Client
	tokens      *tokenCache
	voiceFormat int
}

// Opts holds configuration options for the client.
type Opts struct {
	BaseURL     string
	CorpID      string
	CorpSecret  string
	HTTPClient  *http.Client
	VoiceFormat int
}

// Option defines a functional option for client configuration.
type Option func(*Opts)

// WithBaseURL overrides the API endpoint. Intended for tests.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithCredentials sets the corp id and customer-service secret.
func WithCredentials(corpID, corpSecret string) Option {
	return func(o *Opts) {
		o.CorpID = corpID
		o.CorpSecret = corpSecret
	}
}

// WithHTTPClient overrides the HTTP client. Intended for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithVoiceFormat sets the requested voice transcoding format (0 AMR, 1 SILK).
func WithVoiceFormat(f int) Option {
	return func(o *Opts) { o.VoiceFormat = f }
}

// NewClient creates a WeCom API client from the provided options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CorpID == "" || cfg.CorpSecret == "" {
		return nil, fmt.Errorf("wecom corp credentials not set")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	c := &Client{
		baseURL:     cfg.BaseURL,
		corpID:      cfg.CorpID,
		corpSecret:  cfg.CorpSecret,
		httpClient:  httpClient,
		voiceFormat: cfg.VoiceFormat,
	}
	c.tokens = newTokenCache(c.fetchToken)
	slog.Debug("WeCom client created", "base_url", cfg.BaseURL, "corp_id_set", cfg.CorpID != "")
	return c, nil
}

// SyncMessages pulls one page of messages. Cursor and token mutual
// exclusion is the caller's responsibility; the request is sent as-is.
func (c *Client) SyncMessages(ctx context.Context, req SyncRequest) (*SyncPage, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultSyncLimit
	}
	if req.VoiceFormat == 0 {
		req.VoiceFormat = c.voiceFormat
	}

	var resp syncMsgResponse
	if err := c.postJSON(ctx, "/cgi-bin/kf/sync_msg", req, &resp); err != nil {
		return nil, fmt.Errorf("sync_msg failed: %w", err)
	}

	page := &SyncPage{
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore == 1,
		Messages:   resp.MsgList,
	}
	slog.Debug("WeCom sync_msg page pulled",
		"account_id", req.AccountID,
		"messages", len(page.Messages),
		"has_more", page.HasMore,
		"next_cursor_set", page.NextCursor != "")
	return page, nil
}

// SendText sends an outbound text reply to a customer.
func (c *Client) SendText(ctx context.Context, accountID, toUser, content string) error {
	req := sendMsgRequest{
		ToUser:   toUser,
		OpenKfID: accountID,
		MsgType:  "text",
	}
	req.Text.Content = content

	var resp sendMsgResponse
	if err := c.postJSON(ctx, "/cgi-bin/kf/send_msg", req, &resp); err != nil {
		return fmt.Errorf("send_msg failed: %w", err)
	}
	slog.Debug("WeCom text message sent", "account_id", accountID, "to", toUser, "msg_id", resp.MsgID)
	return nil
}

// postJSON performs an authenticated POST, refreshing the access token and
// retrying exactly once when the platform reports token expiry.
func (c *Client) postJSON(ctx context.Context, path string, body any, out apiResponse) error {
	retried := false
	for {
		token, err := c.tokens.get(ctx)
		if err != nil {
			return fmt.Errorf("access token unavailable: %w", err)
		}

		if err := c.doPost(ctx, path, token, body, out); err != nil {
			return err
		}

		env := out.envelope()
		if env.ErrCode == 0 {
			return nil
		}
		if env.isTokenExpired() && !retried {
			slog.Debug("Access token rejected, refreshing and retrying once", "errcode", env.ErrCode, "path", path)
			c.tokens.invalidate(token)
			retried = true
			continue
		}
		return fmt.Errorf("wecom api error %d: %s", env.ErrCode, env.ErrMsg)
	}
}

// doPost performs one HTTP round trip and decodes the JSON response.
func (c *Client) doPost(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	u := fmt.Sprintf("%s%s?access_token=%s", c.baseURL, path, url.QueryEscape(token))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", httpResp.StatusCode, path)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiResponse is implemented by every wire response carrying the
// errcode/errmsg envelope.
type apiResponse interface {
	envelope() apiError
}

func (r *syncMsgResponse) envelope() apiError { return r.apiError }
func (r *sendMsgResponse) envelope() apiError { return r.apiError }
