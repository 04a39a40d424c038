package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fitai/internal/offload"
	"fitai/internal/session"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	mu       sync.Mutex
	messages []sentMessage
	actions  []int64
	sendErr  error
	failFrom int // with sendErr set, fail only once this many sends succeeded
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil && len(m.messages) >= m.failFrom {
		return m.sendErr
	}
	m.messages = append(m.messages, sentMessage{chatID: chatID, text: text})
	return nil
}

func (m *fakeMessenger) SendChatAction(ctx context.Context, chatID int64, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, chatID)
	return nil
}

func (m *fakeMessenger) sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *fakeMessenger) actionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

type fakeConv struct {
	mu    sync.Mutex
	turns []session.Turn
	reply func(ctx context.Context, text string) (string, error)
}

func (c *fakeConv) Send(ctx context.Context, text string) (string, error) {
	var answer string
	var err error
	if c.reply != nil {
		answer, err = c.reply(ctx, text)
	} else {
		answer = "echo: " + text
	}
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.turns = append(c.turns, session.Turn{Role: "user", Text: text}, session.Turn{Role: "model", Text: answer})
	c.mu.Unlock()
	return answer, nil
}

func (c *fakeConv) History() []session.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

type fakeBackend struct {
	opens   atomic.Int64
	openErr error
	reply   func(ctx context.Context, text string) (string, error)
}

func (b *fakeBackend) Open(ctx context.Context, chatID int64, history []session.Turn) (session.Conversation, error) {
	b.opens.Add(1)
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &fakeConv{reply: b.reply}, nil
}

func newTestServer(t *testing.T, backend session.Backend, mutate func(*Options)) (*Server, *fakeMessenger) {
	t.Helper()
	store, err := session.NewStore(backend)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	messenger := &fakeMessenger{}
	opts := Options{
		Store:          store,
		Pool:           offload.NewPool(4, 5*time.Second),
		Messenger:      messenger,
		Greeting:       "Hi! I'm your coach.",
		Logger:         slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		TypingInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv, messenger
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func updateBody(chatID int64, text string) string {
	return fmt.Sprintf(`{"update_id":1,"message":{"message_id":7,"chat":{"id":%d,"type":"private"},"from":{"id":99},"text":%q}}`, chatID, text)
}

func postUpdate(handler http.Handler, chatID int64, text string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(updateBody(chatID, text)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAnswersTextMessage(t *testing.T) {
	t.Parallel()

	srv, messenger := newTestServer(t, &fakeBackend{}, nil)
	rec := postUpdate(srv.Handler(), 42, "what should I eat")

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("POST /webhook = %d %q, want 200 ok", rec.Code, rec.Body.String())
	}
	sent := messenger.sent()
	if len(sent) != 1 || sent[0].chatID != 42 || sent[0].text != "echo: what should I eat" {
		t.Fatalf("sent messages = %+v", sent)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /webhook = %d, want 405", rec.Code)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	srv, messenger := newTestServer(t, &fakeBackend{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("malformed POST /webhook = %d, want 500", rec.Code)
	}
	if len(messenger.sent()) != 0 {
		t.Fatalf("no chat message expected for a malformed body")
	}
}

func TestWebhookAcksUpdatesItIgnores(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	srv, messenger := newTestServer(t, backend, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"update_id":3}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("POST /webhook = %d %q, want 200 ok", rec.Code, rec.Body.String())
	}
	if backend.opens.Load() != 0 || len(messenger.sent()) != 0 {
		t.Fatalf("ignored update must not touch the backend or the chat")
	}
}

func TestLivenessAndHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "Bot is alive!" {
		t.Fatalf("GET / = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("GET /healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestCommandResetsAndGreets(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	srv, messenger := newTestServer(t, backend, nil)
	handler := srv.Handler()

	postUpdate(handler, 7, "hello")
	rec := postUpdate(handler, 7, "/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /reset update = %d, want 200", rec.Code)
	}
	if got := backend.opens.Load(); got != 2 {
		t.Fatalf("backend opens = %d, want 2 (initial + after reset)", got)
	}
	sent := messenger.sent()
	if len(sent) != 2 || sent[1].text != "Hi! I'm your coach." {
		t.Fatalf("sent messages = %+v, want greeting last", sent)
	}
}

func TestConstructionFailureSendsNotice(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{openErr: errors.New("upstream down")}
	srv, messenger := newTestServer(t, backend, nil)
	rec := postUpdate(srv.Handler(), 5, "hello")

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /webhook = %d, want 200 after in-band notice", rec.Code)
	}
	sent := messenger.sent()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "couldn't start our session") {
		t.Fatalf("sent messages = %+v, want construction notice", sent)
	}
}

func TestBackendFailureSendsNotice(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{reply: func(ctx context.Context, text string) (string, error) {
		return "", errors.New("model unavailable")
	}}
	srv, messenger := newTestServer(t, backend, nil)
	rec := postUpdate(srv.Handler(), 5, "hello")

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /webhook = %d, want 200 after in-band notice", rec.Code)
	}
	sent := messenger.sent()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "model unavailable") {
		t.Fatalf("sent messages = %+v, want failure notice carrying the cause", sent)
	}
}

func TestContextSurvivesBackendFailure(t *testing.T) {
	t.Parallel()

	var failed atomic.Bool
	backend := &fakeBackend{reply: func(ctx context.Context, text string) (string, error) {
		if failed.CompareAndSwap(false, true) {
			return "", errors.New("model unavailable")
		}
		return "recovered: " + text, nil
	}}
	srv, messenger := newTestServer(t, backend, nil)
	handler := srv.Handler()

	postUpdate(handler, 5, "first")
	rec := postUpdate(handler, 5, "second")
	if rec.Code != http.StatusOK {
		t.Fatalf("follow-up POST /webhook = %d, want 200", rec.Code)
	}
	if got := backend.opens.Load(); got != 1 {
		t.Fatalf("backend opens = %d, want 1 (context retained across failure)", got)
	}
	sent := messenger.sent()
	if len(sent) != 2 || sent[1].text != "recovered: second" {
		t.Fatalf("sent messages = %+v, want one notice then the recovered answer", sent)
	}
}

func TestBackendTimeoutSendsTimeoutNotice(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{reply: func(ctx context.Context, text string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	srv, messenger := newTestServer(t, backend, func(opts *Options) {
		opts.Pool = offload.NewPool(2, 30*time.Millisecond)
	})
	rec := postUpdate(srv.Handler(), 5, "hello")

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /webhook = %d, want 200 after in-band notice", rec.Code)
	}
	sent := messenger.sent()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "too long") {
		t.Fatalf("sent messages = %+v, want timeout notice", sent)
	}
}

func TestDeliveryFailureReturns500(t *testing.T) {
	t.Parallel()

	srv, messenger := newTestServer(t, &fakeBackend{}, nil)
	messenger.sendErr = errors.New("telegram http 502")
	rec := postUpdate(srv.Handler(), 5, "hello")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("POST /webhook = %d, want 500 when nothing reached the chat", rec.Code)
	}
}

func TestPartialDeliveryIsAcked(t *testing.T) {
	t.Parallel()

	long := strings.TrimSpace(strings.Repeat("word ", 1800))
	backend := &fakeBackend{reply: func(ctx context.Context, text string) (string, error) {
		return long, nil
	}}
	srv, messenger := newTestServer(t, backend, nil)
	messenger.sendErr = errors.New("telegram http 502")
	messenger.failFrom = 1

	rec := postUpdate(srv.Handler(), 9, "tell me everything")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /webhook = %d, want 200 once the first segment landed", rec.Code)
	}
	if got := len(messenger.sent()); got != 1 {
		t.Fatalf("segments delivered = %d, want 1", got)
	}
}

func TestLongReplyIsSegmentedInOrder(t *testing.T) {
	t.Parallel()

	long := strings.TrimSpace(strings.Repeat("word ", 1800))
	backend := &fakeBackend{reply: func(ctx context.Context, text string) (string, error) {
		return long, nil
	}}
	srv, messenger := newTestServer(t, backend, nil)
	rec := postUpdate(srv.Handler(), 9, "tell me everything")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /webhook = %d, want 200", rec.Code)
	}

	sent := messenger.sent()
	if len(sent) != 3 {
		t.Fatalf("segments sent = %d, want 3", len(sent))
	}
	for i, m := range sent {
		if n := len([]rune(m.text)); n > 4000 {
			t.Fatalf("segment %d length = %d, want <= 4000", i, n)
		}
	}
	if strings.Join([]string{sent[0].text, sent[1].text, sent[2].text}, " ") != long {
		t.Fatalf("segments out of order or lossy")
	}
}

func TestTypingActionWhileGenerating(t *testing.T) {
	t.Parallel()

	messenger := &fakeMessenger{}
	backend := &fakeBackend{reply: func(ctx context.Context, text string) (string, error) {
		deadline := time.Now().Add(2 * time.Second)
		for messenger.actionCount() == 0 {
			if time.Now().After(deadline) {
				return "", errors.New("no typing action observed")
			}
			time.Sleep(5 * time.Millisecond)
		}
		return "done", nil
	}}
	store, err := session.NewStore(backend)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	srv, err := NewServer(Options{
		Store:          store,
		Pool:           offload.NewPool(2, 5*time.Second),
		Messenger:      messenger,
		Logger:         slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		TypingInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	rec := postUpdate(srv.Handler(), 11, "hello")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /webhook = %d, want 200", rec.Code)
	}
	sent := messenger.sent()
	if len(sent) != 1 || sent[0].text != "done" {
		t.Fatalf("sent messages = %+v", sent)
	}
}

func TestSlowChatDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backend := &fakeBackend{reply: func(ctx context.Context, text string) (string, error) {
		if text == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "answer: " + text, nil
	}}
	srv, messenger := newTestServer(t, backend, nil)
	handler := srv.Handler()

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		postUpdate(handler, 1, "slow")
	}()

	fastDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		fastDone <- postUpdate(handler, 2, "fast")
	}()

	select {
	case rec := <-fastDone:
		if rec.Code != http.StatusOK {
			t.Fatalf("fast chat = %d, want 200", rec.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fast chat blocked behind slow chat")
	}

	close(release)
	<-slowDone
	var chats []int64
	for _, m := range messenger.sent() {
		chats = append(chats, m.chatID)
	}
	if len(chats) != 2 || chats[0] != 2 {
		t.Fatalf("delivery order by chat = %v, want chat 2 first", chats)
	}
}

func TestSnapshotsFollowSessionLifecycle(t *testing.T) {
	t.Parallel()

	snaps, err := session.NewSnapshots(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshots() error = %v", err)
	}
	srv, _ := newTestServer(t, &fakeBackend{}, func(opts *Options) {
		opts.Snapshots = snaps
	})
	handler := srv.Handler()

	postUpdate(handler, 21, "hello")
	rec, ok, err := snaps.Load(21)
	if err != nil || !ok {
		t.Fatalf("Load() after message = %v, %v, %v", rec, ok, err)
	}
	if len(rec.History) != 2 {
		t.Fatalf("persisted history length = %d, want 2", len(rec.History))
	}

	postUpdate(handler, 21, "/start")
	rec, ok, err = snaps.Load(21)
	if err != nil || !ok {
		t.Fatalf("Load() after reset = %v, %v, %v", rec, ok, err)
	}
	if len(rec.History) != 0 {
		t.Fatalf("persisted history after reset = %d turns, want 0", len(rec.History))
	}
}

type fakeRegistrar struct {
	mu  sync.Mutex
	url string
	err error
}

func (r *fakeRegistrar) SetWebhook(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.url = url
	return nil
}

func TestSetWebhookRoute(t *testing.T) {
	t.Parallel()

	registrar := &fakeRegistrar{}
	srv, _ := newTestServer(t, &fakeBackend{}, func(opts *Options) {
		opts.Registrar = registrar
		opts.PublicHostname = "fitai.example.com"
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/set_webhook", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /set_webhook = %d, want 200", rec.Code)
	}
	if registrar.url != "https://fitai.example.com/webhook" {
		t.Fatalf("registered url = %q", registrar.url)
	}
}

func TestSetWebhookWithoutHostname(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/set_webhook", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("GET /set_webhook without hostname = %d, want 500", rec.Code)
	}
}
