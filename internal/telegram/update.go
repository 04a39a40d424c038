package telegram

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Update is one webhook delivery from the Bot API. Only the message shapes
// this service reacts to are decoded; everything else is ignored upstream.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date,omitempty"`
	Chat      *Chat  `json:"chat,omitempty"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // private|group|supergroup|channel
}

type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot,omitempty"`
	Username string `json:"username,omitempty"`
}

// Inbound is the decoded unit of work: one text message or control command
// for one chat.
type Inbound struct {
	ChatID    int64
	MessageID int64
	Text      string
	Command   string // "start", "reset", or "" for plain text
}

// DecodeUpdate reads one JSON update envelope.
func DecodeUpdate(r io.Reader) (Update, error) {
	var upd Update
	if err := json.NewDecoder(r).Decode(&upd); err != nil {
		return Update{}, fmt.Errorf("telegram: decode update: %w", err)
	}
	return upd, nil
}

// Inbound extracts the actionable message from an update. ok is false for
// update kinds this service does not handle (no message, no chat, empty
// text, bot senders).
func (u Update) Inbound() (Inbound, bool) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.Chat == nil || msg.Chat.ID == 0 {
		return Inbound{}, false
	}
	if msg.From != nil && msg.From.IsBot {
		return Inbound{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Inbound{}, false
	}
	// Slash commands other than /start and /reset are not answered at all,
	// rather than being relayed to the backend as text.
	if strings.HasPrefix(text, "/") && parseCommand(text) == "" {
		return Inbound{}, false
	}
	return Inbound{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      text,
		Command:   parseCommand(text),
	}, true
}

// parseCommand recognizes the slash commands this bot answers. A command may
// carry an @botname suffix when sent in a group.
func parseCommand(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := text
	if i := strings.IndexAny(cmd, " \t\n"); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	switch strings.ToLower(cmd) {
	case "/start":
		return "start"
	case "/reset":
		return "reset"
	default:
		return ""
	}
}
