package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
)

// LibSQLTranscriptStore archives turns in the transcript_turns table
// created by db.Migrate.
type LibSQLTranscriptStore struct {
	db *sql.DB
}

func NewLibSQLTranscriptStore(db *sql.DB) *LibSQLTranscriptStore {
	return &LibSQLTranscriptStore{db: db}
}

// SaveTurn upserts turn for sessionID. Saving the same turn again replaces
// its content.
func (s *LibSQLTranscriptStore) SaveTurn(ctx context.Context, sessionID string, epoch uint64, turn ports.Turn) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := `
		INSERT OR REPLACE INTO transcript_turns (session_id, epoch, turn_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sessionID, int64(epoch), int64(turn.ID), turn.Role, turn.Content, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save turn %d: %w", turn.ID, err)
	}
	return nil
}

// LoadTranscript returns the last limit turns of sessionID, oldest first.
// A non-positive limit returns every turn.
func (s *LibSQLTranscriptStore) LoadTranscript(ctx context.Context, sessionID string, limit int) ([]ports.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT turn_id, role, content, created_at FROM transcript_turns
		WHERE session_id = ?
		ORDER BY created_at DESC, turn_id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var (
			id      int64
			turn    ports.Turn
			created int64
		)
		if err := rows.Scan(&id, &turn.Role, &turn.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.ID = uint32(id)
		turn.CreatedAt = time.Unix(0, created)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

var _ ports.TranscriptStore = (*LibSQLTranscriptStore)(nil)
