package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"catalog_watcher/internal/domain"
)

// RecordStore is the current-state table, one row per identity key.
type RecordStore interface {
	// GetByIdentityKey returns (nil, nil) when the key has never been seen.
	GetByIdentityKey(ctx context.Context, key string) (*domain.CanonicalRecord, error)
	Upsert(ctx context.Context, rec *domain.CanonicalRecord) error
	TouchLastSeen(ctx context.Context, key string, seenAt time.Time) error
}

// ChangeLogStore appends immutable audit entries.
type ChangeLogStore interface {
	Append(ctx context.Context, entry *domain.ChangeLogEntry) error
}

// SnapshotStore archives raw captures, deduplicated by content hash.
type SnapshotStore interface {
	Archive(ctx context.Context, snap *domain.Snapshot) error
}

// CheckpointStore persists per-session crawl checkpoints.
type CheckpointStore interface {
	// Get returns (nil, nil) when no checkpoint exists for the session.
	Get(ctx context.Context, sessionID string) (*domain.CrawlCheckpoint, error)
	Save(ctx context.Context, cp *domain.CrawlCheckpoint) error
}

// DeadLetterStore records rejected and undeliverable items for later replay.
type DeadLetterStore interface {
	Record(ctx context.Context, letter *domain.DeadLetter) error
}

// TransactionManager makes the record upsert and its audit entry atomic.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
