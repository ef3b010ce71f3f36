// Package detect classifies a freshly validated record against the stored
// one. Classification is a pure function of (prior, next); timestamps are
// stamped by the caller, never compared here.
package detect

import (
	"strconv"
	"time"

	"catalog_watcher/internal/domain"
)

// Outcome is the change detector's verdict for one item.
type Outcome struct {
	Classification domain.ChangeType
	Diffs          []domain.FieldDiff
}

// Classify compares next against prior (nil when the identity key has never
// been seen):
//
//   - no prior record            -> created, one diff per monitored field
//   - identical content hash     -> unchanged, no field comparison at all
//   - hash differs, monitored
//     fields all equal           -> unchanged (cosmetic metadata is not
//     audit-worthy)
//   - monitored field differs    -> updated, one diff per differing field
//
// Diffs follow domain.MonitoredFields order so that audit entries and reports
// are deterministic.
func Classify(prior *domain.CanonicalRecord, next domain.CanonicalRecord) Outcome {
	if prior == nil {
		diffs := make([]domain.FieldDiff, 0, len(domain.MonitoredFields))
		for _, field := range domain.MonitoredFields {
			diffs = append(diffs, domain.FieldDiff{Field: field, NewValue: monitoredValue(next, field)})
		}
		return Outcome{Classification: domain.ChangeCreated, Diffs: diffs}
	}

	if prior.ContentHash == next.ContentHash {
		return Outcome{Classification: domain.ChangeUnchanged}
	}

	var diffs []domain.FieldDiff
	for _, field := range domain.MonitoredFields {
		oldValue := monitoredValue(*prior, field)
		newValue := monitoredValue(next, field)
		if oldValue == newValue {
			continue
		}
		old := oldValue
		diffs = append(diffs, domain.FieldDiff{Field: field, OldValue: &old, NewValue: newValue})
	}

	if len(diffs) == 0 {
		return Outcome{Classification: domain.ChangeUnchanged}
	}
	return Outcome{Classification: domain.ChangeUpdated, Diffs: diffs}
}

// monitoredValue renders a monitored field in its audit-string form, the
// representation stored in FieldDiff and compared for change detection.
func monitoredValue(rec domain.CanonicalRecord, field string) string {
	switch field {
	case "price":
		return rec.Price.String()
	case "availability":
		return string(rec.Availability)
	case "rating":
		return strconv.Itoa(rec.Rating)
	default:
		return ""
	}
}

// Merge builds the record to persist: next's fields with FirstSeenAt carried
// over from prior and LastSeenAt bumped monotonically to now.
func Merge(prior *domain.CanonicalRecord, next domain.CanonicalRecord, now time.Time) domain.CanonicalRecord {
	next.LastSeenAt = now
	if prior == nil {
		next.FirstSeenAt = now
		return next
	}
	next.FirstSeenAt = prior.FirstSeenAt
	if prior.LastSeenAt.After(now) {
		next.LastSeenAt = prior.LastSeenAt
	}
	return next
}
