// Package wecom implements the WeChat Work customer-service HTTP API used
// by KefuPipe: message pulling (kf/sync_msg), outbound text replies
// (kf/send_msg), access-token caching, and webhook callback crypto.
package wecom

import (
	"github.com/BTreeMap/KefuPipe/internal/models"
)

// DefaultSyncLimit is the page size requested from sync_msg.
// The platform caps it at 1000.
const DefaultSyncLimit = 1000

// SyncRequest describes one page pull. Cursor and Token are mutually
// exclusive on the wire: the engine sends the persisted cursor when it has
// one, otherwise the one-shot webhook token, otherwise neither.
type SyncRequest struct {
	AccountID   string `json:"open_kfid,omitempty"`
	Cursor      string `json:"cursor,omitempty"`
	Token       string `json:"token,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	VoiceFormat int    `json:"voice_format,omitempty"`
}

// SyncPage is one page of pulled messages.
type SyncPage struct {
	NextCursor string
	HasMore    bool
	Messages   []models.InboundMessage
}

// syncMsgResponse is the raw sync_msg wire response.
type syncMsgResponse struct {
	apiError
	NextCursor string                  `json:"next_cursor"`
	HasMore    int                     `json:"has_more"`
	MsgList    []models.InboundMessage `json:"msg_list"`
}

// sendMsgRequest is the raw kf/send_msg wire request for text messages.
type sendMsgRequest struct {
	ToUser   string             `json:"touser"`
	OpenKfID string             `json:"open_kfid"`
	MsgType  string             `json:"msgtype"`
	Text     models.TextPayload `json:"text"`
}

// sendMsgResponse is the raw kf/send_msg wire response.
type sendMsgResponse struct {
	apiError
	MsgID string `json:"msgid"`
}

// tokenResponse is the raw gettoken wire response.
type tokenResponse struct {
	apiError
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// apiError is the errcode/errmsg envelope every WeCom response carries.
type apiError struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Token-expiry errcodes that warrant a refresh plus one retry.
const (
	errCodeInvalidToken = 40014
	errCodeTokenExpired = 42001
)

// isTokenExpired reports whether the errcode means the cached access token
// is no longer usable.
func (e apiError) isTokenExpired() bool {
	return e.ErrCode == errCodeInvalidToken || e.ErrCode == errCodeTokenExpired
}
