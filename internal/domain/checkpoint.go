package domain

import (
	"time"
)

// SessionState is the crawl session lifecycle. Active sessions accept new
// frontier locators, draining ones only finish in-flight items.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionDraining    SessionState = "draining"
	SessionCompleted   SessionState = "completed"
	SessionInterrupted SessionState = "interrupted"
)

// Valid reports whether s is a state this build knows how to resume.
func (s SessionState) Valid() bool {
	switch s {
	case SessionActive, SessionDraining, SessionCompleted, SessionInterrupted:
		return true
	}
	return false
}

// CrawlCheckpoint is the persisted per-session state that makes a crawl
// resumable: which identity keys finished, and which locators the fetch
// layer still has to visit. One checkpoint row exists per session.
type CrawlCheckpoint struct {
	SessionID       string
	Target          string
	State           SessionState
	VisitedKeys     map[string]struct{}
	PendingFrontier []string
	UpdatedAt       time.Time
}

// Clone returns a deep copy safe to hand to a store while the original keeps
// mutating under the checkpoint manager's lock.
func (c *CrawlCheckpoint) Clone() CrawlCheckpoint {
	out := *c
	out.VisitedKeys = make(map[string]struct{}, len(c.VisitedKeys))
	for k := range c.VisitedKeys {
		out.VisitedKeys[k] = struct{}{}
	}
	out.PendingFrontier = append([]string(nil), c.PendingFrontier...)
	return out
}

// CrawlStats summarizes one pipeline run.
type CrawlStats struct {
	SessionID        string
	Processed        int
	Created          int
	Updated          int
	Unchanged        int
	Skipped          int
	Rejected         int
	DeadLettered     int
	SnapshotFailures int
	Duration         time.Duration
}
