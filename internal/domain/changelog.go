package domain

import "time"

// ChangeType classifies the outcome of comparing a freshly validated record
// against the stored one. Only created and updated reach the change log;
// unchanged exists as a classification but is never persisted there.
type ChangeType string

const (
	ChangeCreated   ChangeType = "created"
	ChangeUpdated   ChangeType = "updated"
	ChangeUnchanged ChangeType = "unchanged"
)

// MonitoredFields are the only fields whose changes are audit-worthy.
// Cosmetic metadata (title, category, description) is updated in place
// without a change-log entry.
var MonitoredFields = []string{"price", "availability", "rating"}

// FieldDiff records one monitored field's transition. OldValue is nil for
// created entries, where there is no prior value.
type FieldDiff struct {
	Field    string  `json:"field"`
	OldValue *string `json:"old_value"`
	NewValue string  `json:"new_value"`
}

// ChangeLogEntry is an immutable, append-only audit record. Total order is
// (DetectedAt, ID), ID being the insertion sequence.
type ChangeLogEntry struct {
	ID          int64
	IdentityKey string
	ChangeType  ChangeType
	DetectedAt  time.Time
	FieldDiffs  []FieldDiff
}

// Snapshot is one archived raw capture. Snapshots accumulate per identity
// key over time; (IdentityKey, ContentHash) deduplicates identical content.
type Snapshot struct {
	IdentityKey string
	ContentHash string
	FetchedAt   time.Time
	RawContent  []byte
}

// DeadLetter keeps enough context about a rejected or undeliverable item to
// replay it later. Nothing is silently dropped.
type DeadLetter struct {
	ID            int64
	IdentityKey   string
	SourceLocator string
	RawPayload    []byte
	Reason        string
	FailedAt      time.Time
}
