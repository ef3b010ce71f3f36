package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"catalog_watcher/internal/domain"
)

// DeadLetterStore records items the pipeline gave up on, with enough context
// to replay them.
type DeadLetterStore struct {
	db *sqlx.DB
}

func NewDeadLetterStore(db *sqlx.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func (s *DeadLetterStore) Record(ctx context.Context, letter *domain.DeadLetter) error {
	query := `
		INSERT INTO dead_letters (identity_key, source_locator, raw_payload, reason, failed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := executor(ctx, s.db).QueryRowxContext(ctx, query,
		letter.IdentityKey,
		letter.SourceLocator,
		letter.RawPayload,
		letter.Reason,
		letter.FailedAt,
	).Scan(&letter.ID)
	return transient("record dead letter", err)
}
