package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"catalog_watcher/internal/domain"
)

// CheckpointStore persists one crawl checkpoint row per session.
type CheckpointStore struct {
	db *sqlx.DB
}

func NewCheckpointStore(db *sqlx.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Get loads a session's checkpoint, or (nil, nil) when none was persisted.
func (s *CheckpointStore) Get(ctx context.Context, sessionID string) (*domain.CrawlCheckpoint, error) {
	query := `
		SELECT session_id, target, state, visited_keys, pending_frontier, updated_at
		FROM crawl_checkpoints
		WHERE session_id = $1`

	var (
		cp        domain.CrawlCheckpoint
		state     string
		visited   pq.StringArray
		frontier  pq.StringArray
		updatedAt time.Time
	)
	err := executor(ctx, s.db).QueryRowxContext(ctx, query, sessionID).
		Scan(&cp.SessionID, &cp.Target, &state, &visited, &frontier, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("get checkpoint", err)
	}

	cp.State = domain.SessionState(state)
	cp.UpdatedAt = updatedAt
	cp.PendingFrontier = []string(frontier)
	cp.VisitedKeys = make(map[string]struct{}, len(visited))
	for _, key := range visited {
		cp.VisitedKeys[key] = struct{}{}
	}
	return &cp, nil
}

// Save upserts the full checkpoint state. The visited set is stored sorted
// so successive saves of the same state produce identical rows.
func (s *CheckpointStore) Save(ctx context.Context, cp *domain.CrawlCheckpoint) error {
	visited := make([]string, 0, len(cp.VisitedKeys))
	for key := range cp.VisitedKeys {
		visited = append(visited, key)
	}
	sort.Strings(visited)

	frontier := cp.PendingFrontier
	if frontier == nil {
		frontier = []string{}
	}

	query := `
		INSERT INTO crawl_checkpoints (session_id, target, state, visited_keys, pending_frontier, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			target = EXCLUDED.target,
			state = EXCLUDED.state,
			visited_keys = EXCLUDED.visited_keys,
			pending_frontier = EXCLUDED.pending_frontier,
			updated_at = EXCLUDED.updated_at`

	_, err := executor(ctx, s.db).ExecContext(ctx, query,
		cp.SessionID,
		cp.Target,
		string(cp.State),
		pq.Array(visited),
		pq.Array(frontier),
		cp.UpdatedAt,
	)
	return transient("save checkpoint", err)
}
