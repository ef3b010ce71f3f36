//go:build integration

package postgres

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"catalog_watcher/internal/domain"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	db        *sqlx.DB
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	migrationsPath, err := filepath.Abs("../../../migrations")
	s.Require().NoError(err)

	container, err := tcpostgres.Run(s.ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_db"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.WithInitScripts(
			filepath.Join(migrationsPath, "001_init.up.sql"),
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM dead_letters")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM snapshots")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM changelog")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM crawl_checkpoints")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM records")
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func (s *PostgresIntegrationSuite) sampleRecord(now time.Time) *domain.CanonicalRecord {
	return &domain.CanonicalRecord{
		IdentityKey:  domain.DeriveIdentityKey("https://example.com/catalogue/a-light-in-the-attic"),
		SourceURL:    "https://example.com/catalogue/a-light-in-the-attic",
		Title:        "A Light in the Attic",
		Price:        5177,
		Availability: domain.AvailabilityInStock,
		Rating:       3,
		Reviews:      22,
		Category:     "Poetry",
		Description:  "It's hard to imagine a world without it.",
		ImageRef:     "media/cache/fe/72/cover.jpg",
		ContentHash:  domain.HashContent([]byte("<html>v1</html>")),
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
}

func (s *PostgresIntegrationSuite) TestRecordStore_UpsertAndGet() {
	store := NewRecordStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := s.sampleRecord(now)
	s.Require().NoError(store.Upsert(s.ctx, rec))

	got, err := store.GetByIdentityKey(s.ctx, rec.IdentityKey)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(rec.Title, got.Title)
	s.Equal(domain.Price(5177), got.Price)
	s.Equal(domain.AvailabilityInStock, got.Availability)
	s.Equal(3, got.Rating)
	s.True(got.FirstSeenAt.Equal(now))
}

func (s *PostgresIntegrationSuite) TestRecordStore_GetMissingReturnsNil() {
	store := NewRecordStore(s.db)

	got, err := store.GetByIdentityKey(s.ctx, "no-such-key")
	s.NoError(err)
	s.Nil(got)
}

func (s *PostgresIntegrationSuite) TestRecordStore_UpsertKeepsOneRowPerIdentity() {
	store := NewRecordStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := s.sampleRecord(now)
	s.Require().NoError(store.Upsert(s.ctx, rec))

	rec.Price = 1799
	rec.LastSeenAt = now.Add(time.Hour)
	s.Require().NoError(store.Upsert(s.ctx, rec))

	var count int
	err := s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM records WHERE identity_key = $1", rec.IdentityKey)
	s.Require().NoError(err)
	s.Equal(1, count)

	got, err := store.GetByIdentityKey(s.ctx, rec.IdentityKey)
	s.Require().NoError(err)
	s.Equal(domain.Price(1799), got.Price)
	// First sighting survives the update.
	s.True(got.FirstSeenAt.Equal(now))
	s.True(got.LastSeenAt.Equal(now.Add(time.Hour)))
}

func (s *PostgresIntegrationSuite) TestRecordStore_LastSeenNeverDecreases() {
	store := NewRecordStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := s.sampleRecord(now)
	s.Require().NoError(store.Upsert(s.ctx, rec))

	// A stale upsert must not pull last_seen_at backwards.
	stale := *rec
	stale.LastSeenAt = now.Add(-time.Hour)
	s.Require().NoError(store.Upsert(s.ctx, &stale))

	got, err := store.GetByIdentityKey(s.ctx, rec.IdentityKey)
	s.Require().NoError(err)
	s.True(got.LastSeenAt.Equal(now))

	// TouchLastSeen only moves forward.
	s.Require().NoError(store.TouchLastSeen(s.ctx, rec.IdentityKey, now.Add(-time.Minute)))
	got, err = store.GetByIdentityKey(s.ctx, rec.IdentityKey)
	s.Require().NoError(err)
	s.True(got.LastSeenAt.Equal(now))

	s.Require().NoError(store.TouchLastSeen(s.ctx, rec.IdentityKey, now.Add(time.Minute)))
	got, err = store.GetByIdentityKey(s.ctx, rec.IdentityKey)
	s.Require().NoError(err)
	s.True(got.LastSeenAt.Equal(now.Add(time.Minute)))
}

func (s *PostgresIntegrationSuite) TestChangeLogStore_AppendAndQueryWindow() {
	store := NewChangeLogStore(s.db)
	base := time.Now().UTC().Truncate(time.Microsecond)
	old := "19.99"

	entries := []*domain.ChangeLogEntry{
		{
			IdentityKey: "key-b",
			ChangeType:  domain.ChangeUpdated,
			DetectedAt:  base.Add(2 * time.Minute),
			FieldDiffs:  []domain.FieldDiff{{Field: "price", OldValue: &old, NewValue: "17.99"}},
		},
		{
			IdentityKey: "key-a",
			ChangeType:  domain.ChangeCreated,
			DetectedAt:  base,
			FieldDiffs: []domain.FieldDiff{
				{Field: "price", NewValue: "51.77"},
				{Field: "availability", NewValue: "in_stock"},
				{Field: "rating", NewValue: "3"},
			},
		},
	}
	for _, entry := range entries {
		s.Require().NoError(store.Append(s.ctx, entry))
		s.Greater(entry.ID, int64(0))
	}

	got, err := store.QueryWindow(s.ctx, base.Add(-time.Minute), base.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(got, 2)

	// detected_at ascending regardless of insertion order.
	s.Equal("key-a", got[0].IdentityKey)
	s.Equal(domain.ChangeCreated, got[0].ChangeType)
	s.Len(got[0].FieldDiffs, 3)
	s.Nil(got[0].FieldDiffs[0].OldValue)

	s.Equal("key-b", got[1].IdentityKey)
	s.Require().Len(got[1].FieldDiffs, 1)
	s.Require().NotNil(got[1].FieldDiffs[0].OldValue)
	s.Equal("19.99", *got[1].FieldDiffs[0].OldValue)
}

func (s *PostgresIntegrationSuite) TestChangeLogStore_WindowIsHalfOpen() {
	store := NewChangeLogStore(s.db)
	base := time.Now().UTC().Truncate(time.Microsecond)

	entry := &domain.ChangeLogEntry{
		IdentityKey: "key-a",
		ChangeType:  domain.ChangeCreated,
		DetectedAt:  base,
		FieldDiffs:  []domain.FieldDiff{{Field: "price", NewValue: "1.00"}},
	}
	s.Require().NoError(store.Append(s.ctx, entry))

	got, err := store.QueryWindow(s.ctx, base, base)
	s.Require().NoError(err)
	s.Empty(got, "until is exclusive")

	got, err = store.QueryWindow(s.ctx, base, base.Add(time.Nanosecond*1000))
	s.Require().NoError(err)
	s.Len(got, 1, "since is inclusive")
}

func (s *PostgresIntegrationSuite) TestSnapshotStore_DeduplicatesByContentHash() {
	store := NewSnapshotStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	snap := &domain.Snapshot{
		IdentityKey: "key-a",
		ContentHash: domain.HashContent([]byte("<html>v1</html>")),
		FetchedAt:   now,
		RawContent:  []byte("<html>v1</html>"),
	}
	s.Require().NoError(store.Archive(s.ctx, snap))
	s.Require().NoError(store.Archive(s.ctx, snap))

	var count int
	err := s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM snapshots WHERE identity_key = $1", "key-a")
	s.Require().NoError(err)
	s.Equal(1, count)

	// Changed content accumulates a second capture.
	snap.ContentHash = domain.HashContent([]byte("<html>v2</html>"))
	snap.RawContent = []byte("<html>v2</html>")
	s.Require().NoError(store.Archive(s.ctx, snap))

	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM snapshots WHERE identity_key = $1", "key-a")
	s.Require().NoError(err)
	s.Equal(2, count)
}

func (s *PostgresIntegrationSuite) TestCheckpointStore_SaveAndGetRoundTrip() {
	store := NewCheckpointStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	cp := &domain.CrawlCheckpoint{
		SessionID: "session-1",
		Target:    "books",
		State:     domain.SessionInterrupted,
		VisitedKeys: map[string]struct{}{
			"key-a": {},
			"key-b": {},
		},
		PendingFrontier: []string{"/page-3", "/page-4"},
		UpdatedAt:       now,
	}
	s.Require().NoError(store.Save(s.ctx, cp))

	got, err := store.Get(s.ctx, "session-1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(domain.SessionInterrupted, got.State)
	s.Equal("books", got.Target)
	s.Len(got.VisitedKeys, 2)
	s.Contains(got.VisitedKeys, "key-a")
	s.Equal([]string{"/page-3", "/page-4"}, got.PendingFrontier)

	// Save is an upsert keyed by session.
	cp.State = domain.SessionCompleted
	cp.PendingFrontier = nil
	s.Require().NoError(store.Save(s.ctx, cp))

	got, err = store.Get(s.ctx, "session-1")
	s.Require().NoError(err)
	s.Equal(domain.SessionCompleted, got.State)
	s.Empty(got.PendingFrontier)
}

func (s *PostgresIntegrationSuite) TestCheckpointStore_GetMissingReturnsNil() {
	store := NewCheckpointStore(s.db)

	got, err := store.Get(s.ctx, "ghost")
	s.NoError(err)
	s.Nil(got)
}

func (s *PostgresIntegrationSuite) TestDeadLetterStore_Record() {
	store := NewDeadLetterStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	letter := &domain.DeadLetter{
		IdentityKey:   "key-a",
		SourceLocator: "https://example.com/catalogue/broken",
		RawPayload:    []byte(`{"title":""}`),
		Reason:        "title: must not be empty",
		FailedAt:      now,
	}
	s.Require().NoError(store.Record(s.ctx, letter))
	s.Greater(letter.ID, int64(0))

	var reason string
	err := s.db.GetContext(s.ctx, &reason, "SELECT reason FROM dead_letters WHERE id = $1", letter.ID)
	s.Require().NoError(err)
	s.Equal("title: must not be empty", reason)
}

func (s *PostgresIntegrationSuite) TestTransactionManager_RollsBackOnError() {
	tm := NewTransactionManager(s.db)
	records := NewRecordStore(s.db)
	changelog := NewChangeLogStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := s.sampleRecord(now)
	boom := errors.New("boom")

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		if err := changelog.Append(ctx, &domain.ChangeLogEntry{
			IdentityKey: rec.IdentityKey,
			ChangeType:  domain.ChangeCreated,
			DetectedAt:  now,
			FieldDiffs:  []domain.FieldDiff{{Field: "price", NewValue: "51.77"}},
		}); err != nil {
			return err
		}
		if err := records.Upsert(ctx, rec); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	got, err := records.GetByIdentityKey(s.ctx, rec.IdentityKey)
	s.Require().NoError(err)
	s.Nil(got, "record write must roll back with the audit entry")

	var count int
	s.Require().NoError(s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM changelog"))
	s.Equal(0, count)
}

func (s *PostgresIntegrationSuite) TestTransactionManager_CommitsAuditAndRecordTogether() {
	tm := NewTransactionManager(s.db)
	records := NewRecordStore(s.db)
	changelog := NewChangeLogStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := s.sampleRecord(now)

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		if err := changelog.Append(ctx, &domain.ChangeLogEntry{
			IdentityKey: rec.IdentityKey,
			ChangeType:  domain.ChangeCreated,
			DetectedAt:  now,
			FieldDiffs:  []domain.FieldDiff{{Field: "price", NewValue: "51.77"}},
		}); err != nil {
			return err
		}
		return records.Upsert(ctx, rec)
	})
	s.Require().NoError(err)

	got, err := records.GetByIdentityKey(s.ctx, rec.IdentityKey)
	s.Require().NoError(err)
	s.NotNil(got)

	entries, err := changelog.QueryWindow(s.ctx, now.Add(-time.Minute), now.Add(time.Minute))
	s.Require().NoError(err)
	s.Len(entries, 1)
}
