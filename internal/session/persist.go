package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fitai/internal/fsstore"
)

// RecordVersion guards the on-disk encoding; records with another version
// are skipped on load.
const RecordVersion = 1

// Record is the persisted form of one chat's conversation: enough to rebuild
// an equivalent Conversation after a process restart.
type Record struct {
	Version   int       `json:"version"`
	ChatID    int64     `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
	History   []Turn    `json:"history,omitempty"`
}

// Snapshots reads and writes Records under dir, one file per chat, each
// replaced atomically so concurrent writers for different chats and crashes
// mid-write cannot corrupt state.
type Snapshots struct {
	dir string
	now func() time.Time
}

func NewSnapshots(dir string) (*Snapshots, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("session: snapshot dir is required")
	}
	if err := fsstore.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Snapshots{dir: dir, now: time.Now}, nil
}

// Save writes the current transcript of conv for chatID.
func (s *Snapshots) Save(chatID int64, conv Conversation) error {
	if s == nil || conv == nil {
		return nil
	}
	rec := Record{
		Version:   RecordVersion,
		ChatID:    chatID,
		CreatedAt: s.now().UTC(),
		History:   conv.History(),
	}
	return fsstore.WriteJSONAtomic(s.path(chatID), rec)
}

// Remove drops the record for chatID; removing an absent record is a no-op.
func (s *Snapshots) Remove(chatID int64) error {
	if s == nil {
		return nil
	}
	return fsstore.Remove(s.path(chatID))
}

// Load returns the record for chatID, if present and decodable.
func (s *Snapshots) Load(chatID int64) (Record, bool, error) {
	var rec Record
	ok, err := fsstore.ReadJSON(s.path(chatID), &rec)
	if err != nil || !ok {
		return Record{}, false, err
	}
	if rec.Version != RecordVersion || rec.ChatID != chatID {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Warm opens a conversation for every readable record and adopts it into
// store. Undecodable or mismatched records are skipped with a warning; a
// stale record never prevents startup.
func (s *Snapshots) Warm(ctx context.Context, store *Store, logger *slog.Logger) int {
	if s == nil || store == nil {
		return 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logger.Warn("session_warm_skipped", "dir", s.dir, "error", err.Error())
		return 0
	}

	warmed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		chatID, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".json"), 10, 64)
		if err != nil {
			continue
		}
		rec, ok, err := s.Load(chatID)
		if err != nil || !ok {
			if err != nil {
				logger.Warn("session_record_skipped", "chat_id", chatID, "error", err.Error())
			}
			continue
		}
		conv, err := store.backend.Open(ctx, chatID, rec.History)
		if err != nil {
			logger.Warn("session_restore_error", "chat_id", chatID, "error", err.Error())
			continue
		}
		store.Adopt(chatID, conv)
		warmed++
	}
	return warmed
}

func (s *Snapshots) path(chatID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(chatID, 10)+".json")
}
