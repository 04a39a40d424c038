package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fitai/internal/chunk"
	"fitai/internal/offload"
	"fitai/internal/session"
	"fitai/internal/telegram"
)

// dispatch handles one inbound message end to end. It returns an error only
// when nothing could be delivered to the chat at all; backend failures are
// reported to the user in-band and count as handled.
func (s *Server) dispatch(ctx context.Context, in telegram.Inbound) error {
	// Units of work for one chat run strictly in order so the reply segments
	// of consecutive messages cannot interleave. Other chats proceed freely.
	unlock := s.store.LockChat(in.ChatID)
	defer unlock()

	if in.Command != "" {
		return s.handleCommand(ctx, in)
	}
	return s.handleText(ctx, in)
}

// handleCommand serves /start and /reset, which share one behavior: discard
// whatever conversation exists, open a fresh one, greet.
func (s *Server) handleCommand(ctx context.Context, in telegram.Inbound) error {
	s.store.Reset(in.ChatID)
	if s.snapshots != nil {
		if err := s.snapshots.Remove(in.ChatID); err != nil {
			s.logger.Warn("snapshot_remove_failed", "chat_id", in.ChatID, "error", err.Error())
		}
	}

	conv, err := s.store.GetOrCreate(ctx, in.ChatID)
	if err != nil {
		s.logger.Error("conversation_open_failed", "chat_id", in.ChatID, "command", in.Command, "error", err.Error())
		return s.replyError(ctx, in.ChatID, KindConstruction, err)
	}
	s.saveSnapshot(in.ChatID, conv)

	greeting := s.greeting
	if greeting == "" {
		greeting = "Hi! Send me a message to get started."
	}
	if err := s.messenger.SendMessage(ctx, in.ChatID, greeting); err != nil {
		return fmt.Errorf("send greeting to chat %d: %w", in.ChatID, err)
	}
	s.logger.Info("session_reset", "chat_id", in.ChatID, "command", in.Command)
	return nil
}

func (s *Server) handleText(ctx context.Context, in telegram.Inbound) error {
	conv, err := s.store.GetOrCreate(ctx, in.ChatID)
	if err != nil {
		s.logger.Error("conversation_open_failed", "chat_id", in.ChatID, "error", err.Error())
		return s.replyError(ctx, in.ChatID, KindConstruction, err)
	}

	stopTyping := telegram.StartTypingTicker(ctx, s.messenger, in.ChatID, s.typingInterval)
	started := time.Now()
	answer, err := s.pool.Do(ctx, func(callCtx context.Context) (string, error) {
		return conv.Send(callCtx, in.Text)
	})
	stopTyping()

	if err != nil {
		kind := KindSendFailure
		if errors.Is(err, offload.ErrTimeout) {
			kind = KindSendTimeout
		}
		s.logger.Error("backend_call_failed",
			"chat_id", in.ChatID,
			"kind", kind.String(),
			"elapsed", time.Since(started).Round(time.Millisecond).String(),
			"error", err.Error())
		return s.replyError(ctx, in.ChatID, kind, err)
	}

	segments := chunk.Split(answer, s.segmentLimit)
	for i, segment := range segments {
		if err := s.messenger.SendMessage(ctx, in.ChatID, segment); err != nil {
			if i == 0 {
				return fmt.Errorf("send reply segment 1 of %d to chat %d: %w", len(segments), in.ChatID, err)
			}
			// A failure after the first segment is acked, not surfaced:
			// redelivery would re-run the model call and duplicate the
			// transcript while the chat already holds the head of the answer.
			s.logger.Error("reply_delivery_partial",
				"chat_id", in.ChatID,
				"delivered", i,
				"segments", len(segments),
				"error", err.Error())
			break
		}
	}
	s.saveSnapshot(in.ChatID, conv)

	s.logger.Info("message_handled",
		"chat_id", in.ChatID,
		"segments", len(segments),
		"elapsed", time.Since(started).Round(time.Millisecond).String())
	return nil
}

// replyError delivers the canned message for a failure kind. The conversation
// itself is left alone; the user's next message reuses it.
func (s *Server) replyError(ctx context.Context, chatID int64, kind Kind, cause error) error {
	if err := s.messenger.SendMessage(ctx, chatID, userReply(kind, cause)); err != nil {
		return fmt.Errorf("send %s notice to chat %d: %w", kind, chatID, err)
	}
	return nil
}

func (s *Server) saveSnapshot(chatID int64, conv session.Conversation) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Save(chatID, conv); err != nil {
		s.logger.Warn("snapshot_save_failed", "chat_id", chatID, "error", err.Error())
	}
}
