package realtime

import (
	"context"
	"log/slog"
)

// TypingTracker manages short-lived typing indicators in the distributed
// store. Indicators are keyed by session so a reconnecting client cannot
// strand one under a dead session, and they expire on their own after the
// typing retention window.
type TypingTracker struct {
	store StateStore
	log   *slog.Logger
}

// NewTypingTracker creates a tracker over store.
func NewTypingTracker(store StateStore, log *slog.Logger) *TypingTracker {
	if log == nil {
		log = slog.Default()
	}
	return &TypingTracker{store: store, log: log}
}

// StartTyping marks the session's user as typing in the conversation.
// Re-marking an already-typing session refreshes the expiry. Best effort.
func (t *TypingTracker) StartTyping(ctx context.Context, sessionID string, userID int64, conv Conversation) {
	rec := TypingRecord{UserID: userID, ConversationID: conv.ID, Private: conv.Private}
	if err := t.store.SetTyping(ctx, sessionID, rec); err != nil {
		t.log.Warn("failed to set typing indicator",
			"sessionId", sessionID, "userId", userID, "conversationId", conv.ID, "error", err)
	}
}

// StopTyping clears the session's typing indicator and returns the
// conversation it was typing in, if any. Clearing an absent indicator is a
// no-op.
func (t *TypingTracker) StopTyping(ctx context.Context, sessionID string) (Conversation, bool) {
	rec, found, err := t.store.ClearTyping(ctx, sessionID)
	if err != nil {
		t.log.Warn("failed to clear typing indicator", "sessionId", sessionID, "error", err)

		return Conversation{}, false
	}
	if !found {
		return Conversation{}, false
	}
	return rec.Conversation(), true
}

// TypingUsers returns the users currently typing in the conversation, or nil
// on store error.
func (t *TypingTracker) TypingUsers(ctx context.Context, conv Conversation) []int64 {
	users, err := t.store.TypingUsers(ctx, conv)
	if err != nil {
		t.log.Warn("failed to list typing users",
			"conversationId", conv.ID, "private", conv.Private, "error", err)

		return nil
	}
	return users
}
