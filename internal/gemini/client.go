// Package gemini adapts the Gemini API's chat sessions to the session
// backend contract. Each chat owns one genai chat whose SendMessage call is
// blocking; callers run it through the offload pool.
package gemini

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"fitai/internal/session"
)

const DefaultModel = "gemini-2.5-flash"

type Config struct {
	APIKey            string
	Model             string
	SystemInstruction string
}

type Client struct {
	genai  *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	cc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	var gc *genai.GenerateContentConfig
	if instruction := strings.TrimSpace(cfg.SystemInstruction); instruction != "" {
		gc = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		}
	}
	return &Client{genai: cc, model: model, config: gc}, nil
}

// Open creates one chat session, optionally seeded with a persisted
// transcript.
func (c *Client) Open(ctx context.Context, chatID int64, history []session.Turn) (session.Conversation, error) {
	chat, err := c.genai.Chats.Create(ctx, c.model, c.config, contentsFromTurns(history))
	if err != nil {
		return nil, fmt.Errorf("gemini: create chat session: %w", err)
	}
	return &Conversation{chat: chat}, nil
}

// Conversation wraps one genai chat. The mutex keeps a send and a history
// snapshot from racing; per-chat work is already serialized upstream.
type Conversation struct {
	mu   sync.Mutex
	chat *genai.Chat
}

func (c *Conversation) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return "", fmt.Errorf("gemini: send message: %w", err)
	}
	reply := resp.Text()
	if strings.TrimSpace(reply) == "" {
		return "", fmt.Errorf("gemini: empty reply")
	}
	return reply, nil
}

func (c *Conversation) History() []session.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return turnsFromContents(c.chat.History(false))
}

func contentsFromTurns(turns []session.Turn) []*genai.Content {
	if len(turns) == 0 {
		return nil
	}
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := genai.Role(genai.RoleUser)
		if turn.Role == string(genai.RoleModel) {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return contents
}

func turnsFromContents(contents []*genai.Content) []session.Turn {
	if len(contents) == 0 {
		return nil
	}
	turns := make([]session.Turn, 0, len(contents))
	for _, content := range contents {
		if content == nil {
			continue
		}
		var b strings.Builder
		for _, part := range content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		text := b.String()
		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, session.Turn{Role: content.Role, Text: text})
	}
	return turns
}
