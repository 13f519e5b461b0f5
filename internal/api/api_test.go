package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/KefuPipe/internal/wecom"
)

type syncCall struct {
	ctx       context.Context
	accountID string
	token     string
}

type fakeTrigger struct {
	calls chan syncCall
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{calls: make(chan syncCall, 8)}
}

func (f *fakeTrigger) SyncAccount(ctx context.Context, accountID, token string) error {
	f.calls <- syncCall{ctx: ctx, accountID: accountID, token: token}
	return nil
}

func (f *fakeTrigger) wait(t *testing.T) syncCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(time.Second):
		t.Fatal("no sync triggered within 1s")
		return syncCall{}
	}
}

type fakeRegistrar struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRegistrar) RegisterAccount(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, accountID)
}

func (f *fakeRegistrar) registered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

const testAESKey = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ"

func newTestServer(t *testing.T) (*Server, *wecom.Crypto, *fakeTrigger, *fakeRegistrar) {
	t.Helper()
	crypto, err := wecom.NewCrypto("cbtoken", testAESKey, "corp1")
	if err != nil {
		t.Fatalf("NewCrypto failed: %v", err)
	}
	trigger := newFakeTrigger()
	registrar := &fakeRegistrar{}
	srv, err := NewServer(crypto, trigger, registrar)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv, crypto, trigger, registrar
}

// signedCallbackRequest encrypts the payload and builds a POST carrying a
// valid signature, the way the platform delivers notifications.
func signedCallbackRequest(t *testing.T, crypto *wecom.Crypto, payload string) *http.Request {
	t.Helper()
	enc, err := crypto.EncryptMessage([]byte(payload))
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}
	ts, nonce := "1700000000", "nonce1"
	sig := crypto.Signature(ts, nonce, enc)
	body := fmt.Sprintf("<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>", enc)
	url := fmt.Sprintf("/webhook?msg_signature=%s&timestamp=%s&nonce=%s", sig, ts, nonce)
	return httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
}

func TestWebhookVerification(t *testing.T) {
	srv, crypto, _, _ := newTestServer(t)

	enc, err := crypto.EncryptMessage([]byte("echo-me-back"))
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}
	ts, nonce := "1700000000", "nonce1"
	sig := crypto.Signature(ts, nonce, enc)

	target := fmt.Sprintf("/webhook?msg_signature=%s&timestamp=%s&nonce=%s&echostr=%s", sig, ts, nonce, url.QueryEscape(enc))
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "echo-me-back" {
		t.Errorf("expected decrypted echo, got %q", rec.Body.String())
	}
}

func TestWebhookVerificationRejectsBadSignature(t *testing.T) {
	srv, crypto, _, _ := newTestServer(t)

	enc, err := crypto.EncryptMessage([]byte("echo"))
	if err != nil {
		t.Fatalf("EncryptMessage failed: %v", err)
	}
	url := "/webhook?msg_signature=forged&timestamp=1700000000&nonce=n1&echostr=" + enc
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad signature, got %d", rec.Code)
	}
}

func TestWebhookCallbackTriggersSync(t *testing.T) {
	srv, crypto, trigger, registrar := newTestServer(t)

	payload := "<xml><CreateTime>1700000000</CreateTime>" +
		"<MsgType><![CDATA[event]]></MsgType>" +
		"<Event><![CDATA[kf_msg_or_event]]></Event>" +
		"<Token><![CDATA[one-shot-token]]></Token>" +
		"<OpenKfId><![CDATA[kf100]]></OpenKfId></xml>"

	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, signedCallbackRequest(t, crypto, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	call := trigger.wait(t)
	if call.accountID != "kf100" || call.token != "one-shot-token" {
		t.Errorf("unexpected sync call %+v", call)
	}
	if got := registrar.registered(); len(got) != 1 || got[0] != "kf100" {
		t.Errorf("expected kf100 registered, got %v", got)
	}
}

// Webhook-triggered cycles must run under the server's base context so a
// shutdown signal reaches them.
func TestWebhookSyncRunsUnderBaseContext(t *testing.T) {
	crypto, err := wecom.NewCrypto("cbtoken", testAESKey, "corp1")
	if err != nil {
		t.Fatalf("NewCrypto failed: %v", err)
	}
	trigger := newFakeTrigger()
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer(crypto, trigger, &fakeRegistrar{}, WithBaseContext(ctx))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	payload := "<xml><Token><![CDATA[tok]]></Token><OpenKfId><![CDATA[kf1]]></OpenKfId></xml>"
	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, signedCallbackRequest(t, crypto, payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	call := trigger.wait(t)
	select {
	case <-call.ctx.Done():
		t.Fatal("sync context canceled before shutdown")
	default:
	}
	cancel()
	select {
	case <-call.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("canceling the base context did not reach the sync cycle")
	}
}

func TestWebhookCallbackWithoutAccountIsAcked(t *testing.T) {
	srv, crypto, trigger, registrar := newTestServer(t)

	payload := "<xml><MsgType><![CDATA[event]]></MsgType></xml>"
	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, signedCallbackRequest(t, crypto, payload))

	if rec.Code != http.StatusOK {
		t.Fatalf("callbacks without account id must still be acked, got %d", rec.Code)
	}
	if len(registrar.registered()) != 0 {
		t.Error("no account should be registered")
	}
	select {
	case c := <-trigger.calls:
		t.Errorf("no sync should be triggered, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookCallbackRejectsTamperedBody(t *testing.T) {
	srv, crypto, _, _ := newTestServer(t)

	req := signedCallbackRequest(t, crypto, "<xml><OpenKfId><![CDATA[kf1]]></OpenKfId></xml>")
	// Re-point the query at a different nonce so the signature no longer
	// covers the ciphertext.
	q := req.URL.Query()
	q.Set("nonce", "other")
	req.URL.RawQuery = q.Encode()

	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for tampered request, got %d", rec.Code)
	}
}

func TestWebhookCallbackRejectsMalformedEnvelope(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("not xml at all"))
	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed envelope, got %d", rec.Code)
	}
}

func TestWebhookRejectsUnknownMethod(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/webhook", nil)
	rec := httptest.NewRecorder()
	srv.webhookHandler(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}
