package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"catalog_watcher/internal/domain"
)

// SnapshotStore is the append-only raw-content archive.
type SnapshotStore struct {
	db *sqlx.DB
}

func NewSnapshotStore(db *sqlx.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Archive persists one raw capture. Re-archiving identical content for the
// same key is a no-op, not an error: the (identity_key, content_hash) key
// deduplicates on the database side.
func (s *SnapshotStore) Archive(ctx context.Context, snap *domain.Snapshot) error {
	query := `
		INSERT INTO snapshots (identity_key, content_hash, fetched_at, raw_content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_key, content_hash) DO NOTHING`

	_, err := executor(ctx, s.db).ExecContext(ctx, query,
		snap.IdentityKey,
		snap.ContentHash,
		snap.FetchedAt,
		snap.RawContent,
	)
	return transient("archive snapshot", err)
}
