package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"catalog_watcher/internal/domain"
)

// RecordStore holds the current state of every tracked catalog item, one row
// per identity key.
type RecordStore struct {
	db *sqlx.DB
}

func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

type recordRow struct {
	IdentityKey  string    `db:"identity_key"`
	SourceURL    string    `db:"source_url"`
	Title        string    `db:"title"`
	PriceCents   int64     `db:"price_cents"`
	Availability string    `db:"availability"`
	Rating       int       `db:"rating"`
	Reviews      int       `db:"reviews"`
	Category     string    `db:"category"`
	Description  string    `db:"description"`
	ImageRef     string    `db:"image_ref"`
	ContentHash  string    `db:"content_hash"`
	FirstSeenAt  time.Time `db:"first_seen_at"`
	LastSeenAt   time.Time `db:"last_seen_at"`
}

func (r recordRow) toDomain() *domain.CanonicalRecord {
	return &domain.CanonicalRecord{
		IdentityKey:  r.IdentityKey,
		SourceURL:    r.SourceURL,
		Title:        r.Title,
		Price:        domain.Price(r.PriceCents),
		Availability: domain.Availability(r.Availability),
		Rating:       r.Rating,
		Reviews:      r.Reviews,
		Category:     r.Category,
		Description:  r.Description,
		ImageRef:     r.ImageRef,
		ContentHash:  r.ContentHash,
		FirstSeenAt:  r.FirstSeenAt,
		LastSeenAt:   r.LastSeenAt,
	}
}

// GetByIdentityKey returns the stored record, or (nil, nil) when the key has
// never been seen.
func (s *RecordStore) GetByIdentityKey(ctx context.Context, key string) (*domain.CanonicalRecord, error) {
	query := `
		SELECT identity_key, source_url, title, price_cents, availability, rating,
		       reviews, category, description, image_ref, content_hash,
		       first_seen_at, last_seen_at
		FROM records
		WHERE identity_key = $1`

	var row recordRow
	err := sqlx.GetContext(ctx, executor(ctx, s.db), &row, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("get record", err)
	}
	return row.toDomain(), nil
}

// Upsert writes the full record state. On conflict first_seen_at is kept and
// last_seen_at only moves forward.
func (s *RecordStore) Upsert(ctx context.Context, rec *domain.CanonicalRecord) error {
	query := `
		INSERT INTO records (
			identity_key, source_url, title, price_cents, availability, rating,
			reviews, category, description, image_ref, content_hash,
			first_seen_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (identity_key) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			title = EXCLUDED.title,
			price_cents = EXCLUDED.price_cents,
			availability = EXCLUDED.availability,
			rating = EXCLUDED.rating,
			reviews = EXCLUDED.reviews,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			image_ref = EXCLUDED.image_ref,
			content_hash = EXCLUDED.content_hash,
			last_seen_at = GREATEST(records.last_seen_at, EXCLUDED.last_seen_at)`

	_, err := executor(ctx, s.db).ExecContext(ctx, query,
		rec.IdentityKey,
		rec.SourceURL,
		rec.Title,
		int64(rec.Price),
		string(rec.Availability),
		rec.Rating,
		rec.Reviews,
		rec.Category,
		rec.Description,
		rec.ImageRef,
		rec.ContentHash,
		rec.FirstSeenAt,
		rec.LastSeenAt,
	)
	return transient("upsert record", err)
}

// TouchLastSeen is the unchanged fast path: bump last_seen_at and write
// nothing else. GREATEST keeps the column monotonic.
func (s *RecordStore) TouchLastSeen(ctx context.Context, key string, seenAt time.Time) error {
	query := `UPDATE records SET last_seen_at = GREATEST(last_seen_at, $2) WHERE identity_key = $1`
	_, err := executor(ctx, s.db).ExecContext(ctx, query, key, seenAt)
	return transient("touch record", err)
}
