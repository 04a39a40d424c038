// Package telegram is a minimal Telegram Bot API client covering the calls
// this service makes: sendMessage, sendChatAction and setWebhook, plus
// decoding of webhook update payloads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fitai/internal/retryutil"
)

const DefaultBaseURL = "https://api.telegram.org"

type API struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewAPI(httpClient *http.Client, baseURL, token string) (*API, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &API{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}, nil
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type sendChatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

type setWebhookRequest struct {
	URL string `json:"url"`
}

type okResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// RequestError is a non-OK answer from the Bot API.
type RequestError struct {
	StatusCode  int
	ErrorCode   int
	Description string
	Body        string
	RetryAfter  time.Duration
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	desc := strings.TrimSpace(e.Description)
	if desc != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, desc)
		}
		return "telegram: " + desc
	}
	body := strings.TrimSpace(e.Body)
	if e.StatusCode > 0 {
		if body != "" {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, body)
		}
		return fmt.Sprintf("telegram http %d", e.StatusCode)
	}
	if body != "" {
		return "telegram: " + body
	}
	return "telegram request failed"
}

// SendMessage delivers text to a chat with Markdown formatting, falling back
// to plain text when Telegram rejects the entities.
func (api *API) SendMessage(ctx context.Context, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(empty)"
	}
	err := api.sendMessageWithParseMode(ctx, chatID, text, "Markdown")
	if err == nil {
		return nil
	}
	if !isMarkdownParseError(err) {
		return err
	}
	slog.Warn("telegram_markdown_rejected", "chat_id", chatID, "error", err.Error())
	return api.sendMessageWithParseMode(ctx, chatID, text, "")
}

func (api *API) sendMessageWithParseMode(ctx context.Context, chatID int64, text, parseMode string) error {
	return api.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             strings.TrimSpace(parseMode),
		DisableWebPagePreview: true,
	})
}

// SendChatAction signals activity ("typing") to a chat. Failures are not
// worth retrying; the caller usually ignores them.
func (api *API) SendChatAction(ctx context.Context, chatID int64, action string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		action = "typing"
	}
	return api.call(ctx, "sendChatAction", sendChatActionRequest{ChatID: chatID, Action: action})
}

// SetWebhook registers url as this bot's webhook endpoint.
func (api *API) SetWebhook(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("telegram: webhook url is required")
	}
	return api.call(ctx, "setWebhook", setWebhookRequest{URL: url})
}

// call posts one Bot API method, retrying rate limits (honoring the server's
// retry_after) and transient 5xx answers.
func (api *API) call(ctx context.Context, method string, body any) error {
	return retryutil.Do(ctx, slog.Default(), "telegram_"+method, 3, retryClassifier, func(ctx context.Context) error {
		return api.callOnce(ctx, method, body)
	})
}

func retryClassifier(err error) (time.Duration, bool) {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return 0, false
	}
	if reqErr.StatusCode == http.StatusTooManyRequests {
		wait := reqErr.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		return wait, true
	}
	if reqErr.StatusCode >= 500 {
		return 2 * time.Second, true
	}
	return 0, false
}

func (api *API) callOnce(ctx context.Context, method string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram %s: encode request: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var out okResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.OK {
		reqErr := &RequestError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   out.ErrorCode,
			Description: out.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
		if out.Parameters != nil && out.Parameters.RetryAfter > 0 {
			reqErr.RetryAfter = time.Duration(out.Parameters.RetryAfter) * time.Second
		}
		return reqErr
	}
	return nil
}

func isMarkdownParseError(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		desc := strings.ToLower(strings.TrimSpace(reqErr.Description))
		if strings.Contains(desc, "can't parse entities") || strings.Contains(desc, "can't parse entity") {
			return true
		}
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "can't parse entity")
}

// ActionSender is the subset of the client the typing ticker needs.
type ActionSender interface {
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// StartTypingTicker keeps the "typing" chat action alive until the returned
// stop func is called. Telegram expires an action after ~5s, so it is re-sent
// on an interval while a reply is being generated. Action failures are
// ignored; they never block a reply.
func StartTypingTicker(ctx context.Context, sender ActionSender, chatID int64, interval time.Duration) func() {
	if ctx == nil {
		ctx = context.Background()
	}
	if sender == nil || chatID == 0 {
		return func() {}
	}
	if interval <= 0 {
		interval = 4 * time.Second
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		_ = sender.SendChatAction(ctx, chatID, "typing")
		for {
			select {
			case <-ticker.C:
				_ = sender.SendChatAction(ctx, chatID, "typing")
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		select {
		case <-done:
		default:
			close(done)
		}
		ticker.Stop()
	}
}
