// Package webhook is the HTTP surface of the bot: it receives Telegram
// update deliveries, routes them through the session store and the offload
// pool, and answers via the messenger.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fitai/internal/chunk"
	"fitai/internal/offload"
	"fitai/internal/session"
	"fitai/internal/telegram"
)

// Messenger sends outbound traffic to a chat.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Registrar registers this service's public URL as the bot's webhook.
type Registrar interface {
	SetWebhook(ctx context.Context, url string) error
}

type Options struct {
	Store     *session.Store
	Pool      *offload.Pool
	Messenger Messenger

	// Registrar and PublicHostname back GET /set_webhook; both may be empty
	// when the webhook is registered out of band.
	Registrar      Registrar
	PublicHostname string

	Greeting string

	// Snapshots persists transcripts across restarts; nil disables it.
	Snapshots *session.Snapshots

	Logger         *slog.Logger
	SegmentLimit   int
	TypingInterval time.Duration
}

type Server struct {
	store          *session.Store
	pool           *offload.Pool
	messenger      Messenger
	registrar      Registrar
	publicHostname string
	greeting       string
	snapshots      *session.Snapshots
	logger         *slog.Logger
	segmentLimit   int
	typingInterval time.Duration
}

func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("webhook: session store is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("webhook: offload pool is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("webhook: messenger is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.SegmentLimit
	if limit <= 0 {
		limit = chunk.DefaultLimit
	}
	interval := opts.TypingInterval
	if interval <= 0 {
		interval = 4 * time.Second
	}
	return &Server{
		store:          opts.Store,
		pool:           opts.Pool,
		messenger:      opts.Messenger,
		registrar:      opts.Registrar,
		publicHostname: strings.TrimSpace(opts.PublicHostname),
		greeting:       opts.Greeting,
		snapshots:      opts.Snapshots,
		logger:         logger,
		segmentLimit:   limit,
		typingInterval: interval,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/set_webhook", s.handleSetWebhook)
	mux.HandleFunc("/webhook", s.handleWebhook)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Bot is alive!"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":       true,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"sessions": s.store.Len(),
	})
}

// handleSetWebhook registers https://<public_hostname>/webhook with the Bot
// API. Exposed as a GET so it can be triggered from a browser after deploy.
func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.registrar == nil || s.publicHostname == "" {
		http.Error(w, "public hostname is not configured", http.StatusInternalServerError)
		return
	}
	url := "https://" + s.publicHostname + "/webhook"
	if err := s.registrar.SetWebhook(r.Context(), url); err != nil {
		s.logger.Error("webhook_register_failed", "url", url, "error", err.Error())
		http.Error(w, "failed to set webhook", http.StatusInternalServerError)
		return
	}
	s.logger.Info("webhook_registered", "url", url)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "Webhook set: %s", url)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	upd, err := telegram.DecodeUpdate(r.Body)
	if err != nil {
		s.logger.Error("update_decode_failed", "error", err.Error())
		http.Error(w, "bad update payload", http.StatusInternalServerError)
		return
	}
	in, ok := upd.Inbound()
	if !ok {
		// Update kinds this bot does not act on are acknowledged so Telegram
		// stops redelivering them.
		s.ack(w)
		return
	}
	if err := s.dispatch(r.Context(), in); err != nil {
		s.logger.Error("reply_delivery_failed", "chat_id", in.ChatID, "error", err.Error())
		http.Error(w, "failed to deliver reply", http.StatusInternalServerError)
		return
	}
	s.ack(w)
}

func (s *Server) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
