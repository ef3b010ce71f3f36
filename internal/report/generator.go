// Package report reconstructs time-windowed change reports from the audit
// trail. Output is deterministic: identical window and store state produce
// byte-identical reports.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"catalog_watcher/internal/domain"
)

// Format selects the report's output shape.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a CLI/config string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unsupported report format %q", s)
	}
}

// ReportError surfaces a failed report generation. No partial report is ever
// emitted alongside one.
type ReportError struct {
	Reason string
	Err    error
}

func (e *ReportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report: %s: %v", e.Reason, e.Err)
	}
	return "report: " + e.Reason
}

func (e *ReportError) Unwrap() error { return e.Err }

// AuditSource reads the change log for a time window [since, until).
type AuditSource interface {
	QueryWindow(ctx context.Context, since, until time.Time) ([]domain.ChangeLogEntry, error)
}

type Generator struct {
	audit  AuditSource
	logger *slog.Logger
}

func NewGenerator(audit AuditSource, logger *slog.Logger) *Generator {
	return &Generator{audit: audit, logger: logger}
}

// Generate queries [since, until), groups entries by change type and renders
// them. A window with zero entries yields an explicitly empty report, not an
// error.
func (g *Generator) Generate(ctx context.Context, since, until time.Time, format Format) ([]byte, error) {
	if until.Before(since) {
		return nil, &ReportError{Reason: fmt.Sprintf("window end %s precedes start %s", until.Format(time.RFC3339), since.Format(time.RFC3339))}
	}

	entries, err := g.audit.QueryWindow(ctx, since, until)
	if err != nil {
		return nil, &ReportError{Reason: "query audit trail", Err: err}
	}

	sortEntries(entries)

	g.logger.Info("report generated",
		"since", since,
		"until", until,
		"entries", len(entries),
		"format", format,
	)

	switch format {
	case FormatJSON:
		return renderJSON(since, until, entries)
	case FormatCSV:
		return renderCSV(entries)
	default:
		return nil, &ReportError{Reason: fmt.Sprintf("unsupported format %q", format)}
	}
}

// sortEntries orders created before updated, then detected_at ascending,
// then identity_key ascending. The store already returns insertion order,
// which breaks detected_at ties between equal keys.
func sortEntries(entries []domain.ChangeLogEntry) {
	rank := func(t domain.ChangeType) int {
		if t == domain.ChangeCreated {
			return 0
		}
		return 1
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if rank(entries[i].ChangeType) != rank(entries[j].ChangeType) {
			return rank(entries[i].ChangeType) < rank(entries[j].ChangeType)
		}
		if !entries[i].DetectedAt.Equal(entries[j].DetectedAt) {
			return entries[i].DetectedAt.Before(entries[j].DetectedAt)
		}
		return entries[i].IdentityKey < entries[j].IdentityKey
	})
}

type jsonEntry struct {
	IdentityKey string             `json:"identity_key"`
	DetectedAt  time.Time          `json:"detected_at"`
	FieldDiffs  []domain.FieldDiff `json:"field_diffs"`
}

type jsonReport struct {
	Since   time.Time   `json:"since"`
	Until   time.Time   `json:"until"`
	Total   int         `json:"total"`
	Created []jsonEntry `json:"created"`
	Updated []jsonEntry `json:"updated"`
}

func renderJSON(since, until time.Time, entries []domain.ChangeLogEntry) ([]byte, error) {
	out := jsonReport{
		Since:   since.UTC(),
		Until:   until.UTC(),
		Total:   len(entries),
		Created: []jsonEntry{},
		Updated: []jsonEntry{},
	}
	for _, entry := range entries {
		je := jsonEntry{
			IdentityKey: entry.IdentityKey,
			DetectedAt:  entry.DetectedAt.UTC(),
			FieldDiffs:  entry.FieldDiffs,
		}
		if entry.ChangeType == domain.ChangeCreated {
			out.Created = append(out.Created, je)
		} else {
			out.Updated = append(out.Updated, je)
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, &ReportError{Reason: "encode json report", Err: err}
	}
	return append(data, '\n'), nil
}

// renderCSV emits one row per field diff; a multi-field entry produces
// multiple rows sharing identity_key, change_type and detected_at.
func renderCSV(entries []domain.ChangeLogEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"identity_key", "change_type", "detected_at", "field", "old_value", "new_value"}
	if err := w.Write(header); err != nil {
		return nil, &ReportError{Reason: "write csv header", Err: err}
	}

	for _, entry := range entries {
		for _, diff := range entry.FieldDiffs {
			oldValue := ""
			if diff.OldValue != nil {
				oldValue = *diff.OldValue
			}
			row := []string{
				entry.IdentityKey,
				string(entry.ChangeType),
				entry.DetectedAt.UTC().Format(time.RFC3339Nano),
				diff.Field,
				oldValue,
				diff.NewValue,
			}
			if err := w.Write(row); err != nil {
				return nil, &ReportError{Reason: "write csv row", Err: err}
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, &ReportError{Reason: "flush csv report", Err: err}
	}
	return buf.Bytes(), nil
}
