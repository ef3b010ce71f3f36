package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"catalog_watcher/internal/config"
	"catalog_watcher/internal/detect"
	"catalog_watcher/internal/domain"
	"catalog_watcher/internal/metrics"
	"catalog_watcher/internal/validate"
)

// Pipeline drains the raw-record stream with a bounded worker pool. Each
// worker runs the full per-item flow: validate, archive, detect, persist,
// checkpoint. Work on the same identity key is serialized through sharded
// locks; across keys there is no ordering.
type Pipeline struct {
	records     RecordStore
	changelog   ChangeLogStore
	snapshots   SnapshotStore
	deadLetters DeadLetterStore
	txManager   TransactionManager
	checkpoint  *CheckpointManager
	locks       *keyLocks
	logger      *slog.Logger
	cfg         config.CrawlConfig
}

func NewPipeline(
	records RecordStore,
	changelog ChangeLogStore,
	snapshots SnapshotStore,
	deadLetters DeadLetterStore,
	txManager TransactionManager,
	checkpoint *CheckpointManager,
	logger *slog.Logger,
	cfg config.CrawlConfig,
) *Pipeline {
	return &Pipeline{
		records:     records,
		changelog:   changelog,
		snapshots:   snapshots,
		deadLetters: deadLetters,
		txManager:   txManager,
		checkpoint:  checkpoint,
		locks:       newKeyLocks(),
		logger:      logger.With("session_id", checkpoint.SessionID()),
		cfg:         cfg,
	}
}

type counters struct {
	processed        atomic.Int64
	created          atomic.Int64
	updated          atomic.Int64
	unchanged        atomic.Int64
	skipped          atomic.Int64
	rejected         atomic.Int64
	deadLettered     atomic.Int64
	snapshotFailures atomic.Int64
}

// Run processes the stream until it is exhausted or ctx is cancelled.
// In-flight items always reach a terminal outcome; cancellation only stops
// the intake. A closed stream moves the session to draining while the tail
// finishes, then completes it if the frontier is exhausted; otherwise the
// checkpoint is flushed as interrupted so a later run can resume it.
func (p *Pipeline) Run(ctx context.Context, in <-chan domain.RawRecord) (*domain.CrawlStats, error) {
	startTime := time.Now()
	p.logger.Info("ingest pipeline started", "workers", p.cfg.Workers)

	var (
		c      counters
		wg     sync.WaitGroup
		snapWG sync.WaitGroup
	)

	// The dispatcher owns the intake: when the upstream stream closes, the
	// session moves to draining before the workers finish the in-flight tail.
	feed := make(chan domain.RawRecord)
	go func() {
		defer close(feed)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					if err := p.checkpoint.BeginDraining(context.WithoutCancel(ctx)); err != nil {
						p.logger.Error("failed to mark session draining", "error", err)
					}
					return
				}
				select {
				case feed <- raw:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range feed {
				p.processItem(ctx, raw, &c, &snapWG)
			}
		}()
	}

	wg.Wait()
	snapWG.Wait()

	stats := &domain.CrawlStats{
		SessionID:        p.checkpoint.SessionID(),
		Processed:        int(c.processed.Load()),
		Created:          int(c.created.Load()),
		Updated:          int(c.updated.Load()),
		Unchanged:        int(c.unchanged.Load()),
		Skipped:          int(c.skipped.Load()),
		Rejected:         int(c.rejected.Load()),
		DeadLettered:     int(c.deadLettered.Load()),
		SnapshotFailures: int(c.snapshotFailures.Load()),
		Duration:         time.Since(startTime),
	}

	flushCtx := context.WithoutCancel(ctx)
	var runErr error
	switch {
	case ctx.Err() != nil:
		runErr = ctx.Err()
		if err := p.checkpoint.Interrupt(flushCtx); err != nil {
			p.logger.Error("failed to flush checkpoint on interrupt", "error", err)
		}
	case p.checkpoint.FrontierLen() == 0:
		if err := p.checkpoint.Complete(flushCtx); err != nil {
			p.logger.Error("failed to complete session", "error", err)
		}
	default:
		// Stream closed with locators still pending, e.g. the fetch layer
		// died. Leave the session resumable.
		if err := p.checkpoint.Interrupt(flushCtx); err != nil {
			p.logger.Error("failed to flush checkpoint", "error", err)
		}
	}

	p.logger.Info("ingest pipeline finished",
		"state", p.checkpoint.State(),
		"processed", stats.Processed,
		"created", stats.Created,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
		"rejected", stats.Rejected,
		"dead_lettered", stats.DeadLettered,
		"duration", stats.Duration,
	)

	return stats, runErr
}

// processItem takes one raw record to a terminal outcome. The context is
// detached from cancellation up front: once an item starts it finishes, so
// no partial record/audit state is left behind on shutdown.
func (p *Pipeline) processItem(ctx context.Context, raw domain.RawRecord, c *counters, snapWG *sync.WaitGroup) {
	ctx = context.WithoutCancel(ctx)
	startTime := time.Now()
	defer func() {
		metrics.ItemDuration.Observe(time.Since(startTime).Seconds())
	}()

	key := domain.DeriveIdentityKey(raw.SourceLocator)
	log := p.logger.With("identity_key", key, "source_locator", raw.SourceLocator)

	if p.checkpoint.ShouldSkip(key) {
		c.skipped.Add(1)
		metrics.ItemsTotal.WithLabelValues("skipped").Inc()
		return
	}

	unlock := p.locks.lock(key)
	defer unlock()

	// A duplicate delivery may have finished while this one waited for the
	// key lock.
	if p.checkpoint.ShouldSkip(key) {
		c.skipped.Add(1)
		metrics.ItemsTotal.WithLabelValues("skipped").Inc()
		return
	}

	rec, err := validate.Record(raw)
	if err != nil {
		var verr *validate.ValidationError
		if errors.As(err, &verr) {
			log.Warn("record rejected", "error", verr)
			if err := p.deadLetter(ctx, key, raw, verr.Error(), log); err != nil {
				log.Error("failed to record rejected item, leaving it unvisited for resume", "error", err)
				return
			}
			c.rejected.Add(1)
			metrics.ItemsTotal.WithLabelValues("rejected").Inc()
			p.markProcessed(ctx, key, log)
			return
		}
		log.Error("validation failed", "error", err)
		return
	}

	// Snapshots are archived for every fetch regardless of classification,
	// best-effort: a failing archive never fails the item.
	snap := &domain.Snapshot{
		IdentityKey: key,
		ContentHash: rec.ContentHash,
		FetchedAt:   time.Now().UTC(),
		RawContent:  raw.RawContent,
	}
	snapWG.Add(1)
	go func() {
		defer snapWG.Done()
		if err := p.withRetry(ctx, log, "archive snapshot", func() error {
			return p.snapshots.Archive(ctx, snap)
		}); err != nil {
			c.snapshotFailures.Add(1)
			metrics.SnapshotFailuresTotal.Inc()
			log.Warn("snapshot archive failed", "error", err)
		}
	}()

	var prior *domain.CanonicalRecord
	err = p.withRetry(ctx, log, "load prior record", func() error {
		var lookupErr error
		prior, lookupErr = p.records.GetByIdentityKey(ctx, key)
		return lookupErr
	})
	if err != nil {
		p.giveUp(ctx, key, raw, err, c, log)
		return
	}

	now := time.Now().UTC()
	outcome := detect.Classify(prior, rec)
	merged := detect.Merge(prior, rec, now)

	switch outcome.Classification {
	case domain.ChangeUnchanged:
		if prior != nil && prior.ContentHash == rec.ContentHash {
			err = p.withRetry(ctx, log, "touch last seen", func() error {
				return p.records.TouchLastSeen(ctx, key, now)
			})
		} else {
			// Only non-monitored fields moved: refresh stored state, skip
			// the audit trail.
			err = p.withRetry(ctx, log, "refresh record", func() error {
				return p.records.Upsert(ctx, &merged)
			})
		}
	default:
		entry := &domain.ChangeLogEntry{
			IdentityKey: key,
			ChangeType:  outcome.Classification,
			DetectedAt:  now,
			FieldDiffs:  outcome.Diffs,
		}
		err = p.withRetry(ctx, log, "persist record and audit entry", func() error {
			return p.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
				if err := p.changelog.Append(txCtx, entry); err != nil {
					return fmt.Errorf("append audit entry: %w", err)
				}
				if err := p.records.Upsert(txCtx, &merged); err != nil {
					return fmt.Errorf("upsert record: %w", err)
				}
				return nil
			})
		})
	}
	if err != nil {
		p.giveUp(ctx, key, raw, err, c, log)
		return
	}

	switch outcome.Classification {
	case domain.ChangeCreated:
		c.created.Add(1)
		metrics.ItemsTotal.WithLabelValues("created").Inc()
		log.Info("record created", "diffs", len(outcome.Diffs))
	case domain.ChangeUpdated:
		c.updated.Add(1)
		metrics.ItemsTotal.WithLabelValues("updated").Inc()
		log.Info("record updated", "diffs", len(outcome.Diffs))
	default:
		c.unchanged.Add(1)
		metrics.ItemsTotal.WithLabelValues("unchanged").Inc()
		log.Debug("record unchanged")
	}
	c.processed.Add(1)

	p.markProcessed(ctx, key, log)
}

// giveUp routes an item whose store writes kept failing to the dead-letter
// record. The crawl continues; the item can be replayed later. When even the
// dead-letter write fails, the key is deliberately NOT checkpointed: a resumed
// session must see it as unvisited and re-process it, otherwise the item is
// gone without a trace.
func (p *Pipeline) giveUp(ctx context.Context, key string, raw domain.RawRecord, cause error, c *counters, log *slog.Logger) {
	log.Error("item dead-lettered", "error", cause)
	if err := p.deadLetter(ctx, key, raw, cause.Error(), log); err != nil {
		log.Error("failed to record dead letter, leaving item unvisited for resume", "error", err)
		return
	}
	c.deadLettered.Add(1)
	metrics.ItemsTotal.WithLabelValues("dead_lettered").Inc()
	p.markProcessed(ctx, key, log)
}

func (p *Pipeline) deadLetter(ctx context.Context, key string, raw domain.RawRecord, reason string, log *slog.Logger) error {
	letter := &domain.DeadLetter{
		IdentityKey:   key,
		SourceLocator: raw.SourceLocator,
		RawPayload:    raw.RawContent,
		Reason:        reason,
		FailedAt:      time.Now().UTC(),
	}
	if err := p.withRetry(ctx, log, "record dead letter", func() error {
		return p.deadLetters.Record(ctx, letter)
	}); err != nil {
		return err
	}
	metrics.DeadLettersTotal.Inc()
	return nil
}

// markProcessed checkpoints the item strictly after its terminal outcome.
func (p *Pipeline) markProcessed(ctx context.Context, key string, log *slog.Logger) {
	if err := p.checkpoint.MarkProcessed(ctx, key); err != nil {
		// The item itself is durably persisted; a failed checkpoint write
		// only risks redundant re-processing after resume, which the
		// idempotent writes absorb.
		log.Error("failed to checkpoint processed item", "error", err)
	}
}

// withRetry retries fn on transient store errors with exponential backoff up
// to the configured attempt cap. Non-transient errors return immediately.
func (p *Pipeline) withRetry(ctx context.Context, log *slog.Logger, op string, fn func() error) error {
	backoff := p.cfg.Retry.InitialBackoff
	var err error
	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}
		if attempt == p.cfg.Retry.MaxAttempts {
			break
		}
		log.Warn("store operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.Retry.MaxBackoff {
			backoff = p.cfg.Retry.MaxBackoff
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, p.cfg.Retry.MaxAttempts, err)
}
