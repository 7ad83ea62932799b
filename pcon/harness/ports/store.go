package harnessports

import (
	"context"
	"time"
)

// Turn is the archived form of a conversation turn.
type Turn struct {
	ID        uint32
	Role      string // "user" | "assistant" | "system"
	Content   string
	CreatedAt time.Time
}

// TranscriptStore archives settled conversation turns per session.
type TranscriptStore interface {
	SaveTurn(ctx context.Context, sessionID string, epoch uint64, turn Turn) error
	LoadTranscript(ctx context.Context, sessionID string, limit int) ([]Turn, error) // oldest first
}
