// Package api provides the HTTP callback server for KefuPipe.
//
// It exposes the WeCom webhook endpoint: GET handles the callback-URL echo
// verification handshake, POST receives encrypted "kf_msg_or_event"
// notifications carrying the account id and a one-shot sync token. The
// handler acknowledges immediately and triggers the sync cycle
// asynchronously, since the platform retries callbacks that do not answer
// within a few seconds.
package api

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/KefuPipe/internal/wecom"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Trigger starts a sync cycle for an account using the callback's one-shot
// token.
type Trigger interface {
	SyncAccount(ctx context.Context, accountID, token string) error
}

// Registrar records webhook-discovered accounts for periodic polling.
type Registrar interface {
	RegisterAccount(accountID string)
}

// Opts holds optional server configuration.
type Opts struct {
	Addr    string
	BaseCtx context.Context
}

// Option defines a functional option for server configuration.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithBaseContext sets the context webhook-triggered sync cycles run under.
// Canceling it during shutdown lets an in-flight cycle commit its current
// page and stop instead of starting the next pull.
func WithBaseContext(ctx context.Context) Option {
	return func(o *Opts) { o.BaseCtx = ctx }
}

// Server is the webhook HTTP server.
type Server struct {
	crypto    *wecom.Crypto
	trigger   Trigger
	registrar Registrar
	baseCtx   context.Context
	httpSrv   *http.Server
}

// callbackEnvelope is the outer XML body of an encrypted callback.
type callbackEnvelope struct {
	Encrypt string `xml:"Encrypt"`
}

// callbackPayload is the decrypted callback notification.
type callbackPayload struct {
	CreateTime int64  `xml:"CreateTime"`
	MsgType    string `xml:"MsgType"`
	Event      string `xml:"Event"`
	Token      string `xml:"Token"`
	OpenKfID   string `xml:"OpenKfId"`
}

// NewServer creates the webhook server.
func NewServer(crypto *wecom.Crypto, trigger Trigger, registrar Registrar, opts ...Option) (*Server, error) {
	if crypto == nil || trigger == nil || registrar == nil {
		return nil, fmt.Errorf("server requires crypto, trigger, and registrar")
	}
	cfg := Opts{Addr: DefaultAddr, BaseCtx: context.Background()}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{crypto: crypto, trigger: trigger, registrar: registrar, baseCtx: cfg.BaseCtx}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves until Shutdown is called or the listener fails.
func (s *Server) Run() error {
	slog.Info("KefuPipe webhook server running", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server, letting in-flight handlers finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verifyHandler(w, r)
	case http.MethodPost:
		s.callbackHandler(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// verifyHandler answers the platform's echo handshake during callback-URL
// registration.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	echo, err := s.crypto.VerifyURL(q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), q.Get("echostr"))
	if err != nil {
		slog.Warn("Webhook URL verification failed", "error", err, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	slog.Info("Webhook URL verified")
	io.WriteString(w, echo)
}

// callbackHandler decrypts a notification, registers the account, and kicks
// off an asynchronous sync cycle with the one-shot token.
func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var env callbackEnvelope
	if err := xml.Unmarshal(body, &env); err != nil || env.Encrypt == "" {
		slog.Warn("Webhook callback with malformed body", "error", err, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	plain, err := s.crypto.DecryptMessage(q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), env.Encrypt)
	if err != nil {
		slog.Warn("Webhook callback rejected", "error", err, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var payload callbackPayload
	if err := xml.Unmarshal(plain, &payload); err != nil {
		slog.Warn("Webhook callback payload not parseable", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if payload.OpenKfID == "" {
		// Ack anyway: the platform treats non-200 as delivery failure and
		// retries, and a notification without an account id carries nothing
		// actionable for us.
		slog.Debug("Webhook callback without account id ignored", "msg_type", payload.MsgType, "event", payload.Event)
		w.WriteHeader(http.StatusOK)
		return
	}

	slog.Debug("Webhook callback accepted", "account_id", payload.OpenKfID, "event", payload.Event, "token_set", payload.Token != "")
	s.registrar.RegisterAccount(payload.OpenKfID)

	go func(accountID, token string) {
		if err := s.trigger.SyncAccount(s.baseCtx, accountID, token); err != nil {
			slog.Error("Webhook-triggered sync failed", "error", err, "account_id", accountID)
		}
	}(payload.OpenKfID, payload.Token)

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "success")
}
