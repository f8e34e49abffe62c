package audit

import (
	"context"

	"tokend.org/internal/stream"
)

// Recorder forwards token-lifecycle events to the audit log and, when a
// stream is attached, to live subscribers. All delivery is fire-and-forget:
// a failing sink never affects token issuance.
type Recorder struct {
	events *stream.Stream
}

// NewRecorder constructs a Recorder. The stream may be nil.
func NewRecorder(events *stream.Stream) *Recorder {
	return &Recorder{events: events}
}

// TokenCreated records that a new token was minted.
func (r *Recorder) TokenCreated(ctx context.Context, tokenID, userID string) {
	_ = LogEvent(ctx, "token.created", map[string]any{
		"token_id": tokenID,
		"user_id":  userID,
	})
	if r.events != nil {
		r.events.Publish(stream.Event{Kind: "token.created", TokenID: tokenID, UserID: userID})
	}
}

// TokenSent records that a token (new or reused) was returned to a caller.
func (r *Recorder) TokenSent(ctx context.Context, tokenID string) {
	_ = LogEvent(ctx, "token.sent", map[string]any{
		"token_id": tokenID,
	})
	if r.events != nil {
		r.events.Publish(stream.Event{Kind: "token.sent", TokenID: tokenID})
	}
}
