package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"catalog_watcher/internal/domain"
)

// ChangeLogStore is the append-only audit trail. Rows are never updated or
// deleted; (detected_at, id) is the total order reports rely on.
type ChangeLogStore struct {
	db *sqlx.DB
}

func NewChangeLogStore(db *sqlx.DB) *ChangeLogStore {
	return &ChangeLogStore{db: db}
}

// Append inserts one immutable entry and fills in its insertion sequence.
func (s *ChangeLogStore) Append(ctx context.Context, entry *domain.ChangeLogEntry) error {
	diffs, err := json.Marshal(entry.FieldDiffs)
	if err != nil {
		return fmt.Errorf("marshal field diffs: %w", err)
	}

	query := `
		INSERT INTO changelog (identity_key, change_type, detected_at, field_diffs)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err = executor(ctx, s.db).QueryRowxContext(ctx, query,
		entry.IdentityKey,
		string(entry.ChangeType),
		entry.DetectedAt,
		diffs,
	).Scan(&entry.ID)
	return transient("append changelog entry", err)
}

// QueryWindow returns every entry with detected_at in [since, until), in
// (detected_at, id) order.
func (s *ChangeLogStore) QueryWindow(ctx context.Context, since, until time.Time) ([]domain.ChangeLogEntry, error) {
	query := `
		SELECT id, identity_key, change_type, detected_at, field_diffs
		FROM changelog
		WHERE detected_at >= $1 AND detected_at < $2
		ORDER BY detected_at, id`

	rows, err := executor(ctx, s.db).QueryxContext(ctx, query, since, until)
	if err != nil {
		return nil, transient("query changelog", err)
	}
	defer rows.Close()

	var entries []domain.ChangeLogEntry
	for rows.Next() {
		var (
			entry domain.ChangeLogEntry
			raw   []byte
		)
		if err := rows.Scan(&entry.ID, &entry.IdentityKey, &entry.ChangeType, &entry.DetectedAt, &raw); err != nil {
			return nil, transient("scan changelog entry", err)
		}
		if err := json.Unmarshal(raw, &entry.FieldDiffs); err != nil {
			return nil, fmt.Errorf("unmarshal field diffs for entry %d: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("iterate changelog", err)
	}
	return entries, nil
}
