package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalog_watcher/internal/domain"
)

// CheckpointManager is the single writer of a session's crawl checkpoint.
// Workers read it concurrently through ShouldSkip; every mutation is
// persisted before the manager's lock is released, so a crash never
// observes an in-memory state ahead of the stored one.
type CheckpointManager struct {
	store  CheckpointStore
	logger *slog.Logger

	mu sync.RWMutex
	cp domain.CrawlCheckpoint
}

// NewSession creates and persists a fresh Active checkpoint for target.
func NewSession(ctx context.Context, store CheckpointStore, target string, logger *slog.Logger) (*CheckpointManager, error) {
	m := &CheckpointManager{
		store: store,
		cp: domain.CrawlCheckpoint{
			SessionID:   uuid.NewString(),
			Target:      target,
			State:       domain.SessionActive,
			VisitedKeys: make(map[string]struct{}),
			UpdatedAt:   time.Now().UTC(),
		},
	}
	m.logger = logger.With("session_id", m.cp.SessionID)

	if err := m.store.Save(ctx, &m.cp); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}

	m.logger.Info("crawl session started", "target", target)
	return m, nil
}

// ResumeSession restores a prior incomplete session exactly as persisted.
// The fetch layer resumes from the pending frontier only; visited keys are
// never re-enumerated. Unrecognized persisted state is an IntegrityViolation
// fatal to the session.
func ResumeSession(ctx context.Context, store CheckpointStore, sessionID string, logger *slog.Logger) (*CheckpointManager, error) {
	cp, err := store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, &domain.IntegrityViolation{SessionID: sessionID, Reason: "no persisted checkpoint"}
	}
	if !cp.State.Valid() {
		return nil, &domain.IntegrityViolation{
			SessionID: sessionID,
			Reason:    fmt.Sprintf("unrecognized checkpoint state %q", cp.State),
		}
	}
	if cp.State == domain.SessionCompleted {
		return nil, fmt.Errorf("session %s already completed", sessionID)
	}
	if cp.VisitedKeys == nil {
		cp.VisitedKeys = make(map[string]struct{})
	}

	m := &CheckpointManager{
		store:  store,
		logger: logger.With("session_id", sessionID),
		cp:     *cp,
	}
	m.cp.State = domain.SessionActive

	if err := m.persistLocked(ctx); err != nil {
		return nil, fmt.Errorf("persist resumed session: %w", err)
	}

	m.logger.Info("crawl session resumed",
		"target", m.cp.Target,
		"visited", len(m.cp.VisitedKeys),
		"frontier", len(m.cp.PendingFrontier),
	)
	return m, nil
}

func (m *CheckpointManager) SessionID() string {
	return m.cp.SessionID
}

func (m *CheckpointManager) State() domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cp.State
}

// Checkpoint returns a copy of the current checkpoint.
func (m *CheckpointManager) Checkpoint() domain.CrawlCheckpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cp.Clone()
}

// ShouldSkip reports whether key already reached a terminal outcome in this
// session. It never suppresses cross-session re-crawls.
func (m *CheckpointManager) ShouldSkip(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, visited := m.cp.VisitedKeys[key]
	return visited
}

// MarkProcessed adds key to the visited set and persists the checkpoint.
// Set semantics make it idempotent: marking a key twice, e.g. after a retry,
// does not change cardinality.
func (m *CheckpointManager) MarkProcessed(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp.VisitedKeys[key] = struct{}{}
	return m.persistLocked(ctx)
}

// PushFrontier appends not-yet-fetched locators for the fetch layer.
func (m *CheckpointManager) PushFrontier(ctx context.Context, locators ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp.State != domain.SessionActive {
		return fmt.Errorf("session %s is %s, frontier is closed", m.cp.SessionID, m.cp.State)
	}
	m.cp.PendingFrontier = append(m.cp.PendingFrontier, locators...)
	return m.persistLocked(ctx)
}

// PopFrontier hands the next pending locator to the fetch layer. ok is false
// when the frontier is empty.
func (m *CheckpointManager) PopFrontier(ctx context.Context) (locator string, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cp.PendingFrontier) == 0 {
		return "", false, nil
	}
	locator = m.cp.PendingFrontier[0]
	m.cp.PendingFrontier = m.cp.PendingFrontier[1:]
	if err := m.persistLocked(ctx); err != nil {
		return "", false, err
	}
	return locator, true, nil
}

// FrontierLen returns the number of pending locators.
func (m *CheckpointManager) FrontierLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cp.PendingFrontier)
}

// BeginDraining marks that no new locators will be discovered; in-flight
// items may still finish.
func (m *CheckpointManager) BeginDraining(ctx context.Context) error {
	return m.transition(ctx, domain.SessionDraining)
}

// Complete retires the session. It refuses to complete while locators are
// still pending.
func (m *CheckpointManager) Complete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cp.PendingFrontier) > 0 {
		return fmt.Errorf("session %s has %d pending locators, cannot complete", m.cp.SessionID, len(m.cp.PendingFrontier))
	}
	m.cp.State = domain.SessionCompleted
	if err := m.persistLocked(ctx); err != nil {
		return err
	}
	m.logger.Info("crawl session completed", "visited", len(m.cp.VisitedKeys))
	return nil
}

// Interrupt flushes the checkpoint so the session can be resumed later.
func (m *CheckpointManager) Interrupt(ctx context.Context) error {
	if err := m.transition(ctx, domain.SessionInterrupted); err != nil {
		return err
	}
	m.logger.Info("crawl session interrupted, checkpoint flushed")
	return nil
}

func (m *CheckpointManager) transition(ctx context.Context, state domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp.State = state
	return m.persistLocked(ctx)
}

// persistLocked writes the checkpoint while m.mu is held, serializing saves
// so a later state can never be overwritten by an earlier one.
func (m *CheckpointManager) persistLocked(ctx context.Context) error {
	m.cp.UpdatedAt = time.Now().UTC()
	snapshot := m.cp.Clone()
	return m.store.Save(ctx, &snapshot)
}
