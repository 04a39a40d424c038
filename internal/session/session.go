// Package session owns the per-chat conversation registry. Each chat has at
// most one live Conversation at a time; a reset discards it and the next
// message opens a fresh one.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Turn is one entry of a conversation transcript, in backend-neutral form.
// Replaying the turns through Backend.Open recreates an equivalent
// conversation after a restart.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Conversation is the stateful dialogue handle for one chat. Send blocks for
// the duration of the backend's network call.
type Conversation interface {
	Send(ctx context.Context, text string) (string, error)
	History() []Turn
}

// Backend opens conversations. history is nil for a brand new chat and a
// persisted transcript when warming up after a restart.
type Backend interface {
	Open(ctx context.Context, chatID int64, history []Turn) (Conversation, error)
}

// Store maps chat IDs to their live Conversation. Construction for the same
// chat is deduplicated so concurrent first messages trigger exactly one
// Backend.Open; different chats never wait on each other.
type Store struct {
	backend Backend
	group   singleflight.Group

	mu    sync.RWMutex
	conns map[int64]Conversation

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func NewStore(backend Backend) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("session: backend is required")
	}
	return &Store{
		backend: backend,
		conns:   make(map[int64]Conversation),
		locks:   make(map[int64]*sync.Mutex),
	}, nil
}

// Get returns the live conversation for chatID, if any.
func (s *Store) Get(chatID int64) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conns[chatID]
	return conv, ok
}

// GetOrCreate returns the existing conversation for chatID or opens and
// registers a new one. On a construction error nothing is registered and the
// next call retries. All concurrent callers for the same chat converge on
// the single conversation the winning construction produced.
func (s *Store) GetOrCreate(ctx context.Context, chatID int64) (Conversation, error) {
	if conv, ok := s.Get(chatID); ok {
		return conv, nil
	}
	v, err, _ := s.group.Do(strconv.FormatInt(chatID, 10), func() (any, error) {
		// A racing caller may have finished construction while this one
		// waited to enter the flight.
		if conv, ok := s.Get(chatID); ok {
			return conv, nil
		}
		conv, err := s.backend.Open(ctx, chatID, nil)
		if err != nil {
			return nil, fmt.Errorf("open conversation for chat %d: %w", chatID, err)
		}
		s.adopt(chatID, conv)
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conversation), nil
}

// Reset drops the conversation for chatID. Resetting an absent chat is a
// no-op; the next GetOrCreate constructs a fresh conversation.
func (s *Store) Reset(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, chatID)
}

// Adopt registers an already-open conversation, used when warming the store
// from persisted records at startup. An existing live conversation wins.
func (s *Store) Adopt(chatID int64, conv Conversation) {
	if conv == nil {
		return
	}
	s.adopt(chatID, conv)
}

func (s *Store) adopt(chatID int64, conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[chatID]; ok {
		return
	}
	s.conns[chatID] = conv
}

// Len reports the number of live conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// LockChat serializes units of work for one chat so reply segments of
// consecutive messages cannot interleave. It returns the unlock func. Other
// chats are unaffected.
func (s *Store) LockChat(chatID int64) func() {
	s.locksMu.Lock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	s.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}
