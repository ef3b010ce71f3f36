package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog_watcher/internal/domain"
)

// auditFunc adapts a function to AuditSource for tests.
type auditFunc func(ctx context.Context, since, until time.Time) ([]domain.ChangeLogEntry, error)

func (f auditFunc) QueryWindow(ctx context.Context, since, until time.Time) ([]domain.ChangeLogEntry, error) {
	return f(ctx, since, until)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func ptr(s string) *string { return &s }

func fixedEntries() []domain.ChangeLogEntry {
	base := time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	return []domain.ChangeLogEntry{
		{
			ID:          1,
			IdentityKey: "key-b",
			ChangeType:  domain.ChangeUpdated,
			DetectedAt:  base.Add(5 * time.Minute),
			FieldDiffs: []domain.FieldDiff{
				{Field: "price", OldValue: ptr("19.99"), NewValue: "17.99"},
				{Field: "rating", OldValue: ptr("4"), NewValue: "2"},
			},
		},
		{
			ID:          2,
			IdentityKey: "key-a",
			ChangeType:  domain.ChangeCreated,
			DetectedAt:  base.Add(10 * time.Minute),
			FieldDiffs: []domain.FieldDiff{
				{Field: "price", NewValue: "51.77"},
				{Field: "availability", NewValue: "in_stock"},
				{Field: "rating", NewValue: "3"},
			},
		},
		{
			ID:          3,
			IdentityKey: "key-c",
			ChangeType:  domain.ChangeCreated,
			DetectedAt:  base.Add(2 * time.Minute),
			FieldDiffs: []domain.FieldDiff{
				{Field: "price", NewValue: "10.00"},
				{Field: "availability", NewValue: "out_of_stock"},
				{Field: "rating", NewValue: "1"},
			},
		},
	}
}

func window() (time.Time, time.Time) {
	return time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
}

func TestGenerate_JSONGroupsAndOrders(t *testing.T) {
	gen := NewGenerator(auditFunc(func(context.Context, time.Time, time.Time) ([]domain.ChangeLogEntry, error) {
		return fixedEntries(), nil
	}), quietLogger())

	since, until := window()
	data, err := gen.Generate(context.Background(), since, until, FormatJSON)
	require.NoError(t, err)

	var out struct {
		Total   int `json:"total"`
		Created []struct {
			IdentityKey string `json:"identity_key"`
		} `json:"created"`
		Updated []struct {
			IdentityKey string `json:"identity_key"`
			FieldDiffs  []struct {
				Field    string  `json:"field"`
				OldValue *string `json:"old_value"`
				NewValue string  `json:"new_value"`
			} `json:"field_diffs"`
		} `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, 3, out.Total)
	// Created ordered by detected_at ascending: key-c before key-a.
	require.Len(t, out.Created, 2)
	assert.Equal(t, "key-c", out.Created[0].IdentityKey)
	assert.Equal(t, "key-a", out.Created[1].IdentityKey)

	require.Len(t, out.Updated, 1)
	require.Len(t, out.Updated[0].FieldDiffs, 2)
	assert.Equal(t, "price", out.Updated[0].FieldDiffs[0].Field)
	require.NotNil(t, out.Updated[0].FieldDiffs[0].OldValue)
	assert.Equal(t, "19.99", *out.Updated[0].FieldDiffs[0].OldValue)
}

func TestGenerate_Deterministic(t *testing.T) {
	gen := NewGenerator(auditFunc(func(context.Context, time.Time, time.Time) ([]domain.ChangeLogEntry, error) {
		return fixedEntries(), nil
	}), quietLogger())

	since, until := window()
	for _, format := range []Format{FormatJSON, FormatCSV} {
		first, err := gen.Generate(context.Background(), since, until, format)
		require.NoError(t, err)
		second, err := gen.Generate(context.Background(), since, until, format)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, second), "%s output must be byte-identical", format)
	}
}

func TestGenerate_TieBrokenByIdentityKey(t *testing.T) {
	at := time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	entries := []domain.ChangeLogEntry{
		{ID: 1, IdentityKey: "key-z", ChangeType: domain.ChangeCreated, DetectedAt: at, FieldDiffs: []domain.FieldDiff{{Field: "price", NewValue: "1.00"}}},
		{ID: 2, IdentityKey: "key-a", ChangeType: domain.ChangeCreated, DetectedAt: at, FieldDiffs: []domain.FieldDiff{{Field: "price", NewValue: "2.00"}}},
	}

	gen := NewGenerator(auditFunc(func(context.Context, time.Time, time.Time) ([]domain.ChangeLogEntry, error) {
		return entries, nil
	}), quietLogger())

	since, until := window()
	data, err := gen.Generate(context.Background(), since, until, FormatCSV)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "key-a,"))
	assert.True(t, strings.HasPrefix(lines[2], "key-z,"))
}

func TestGenerate_CSVOneRowPerDiff(t *testing.T) {
	gen := NewGenerator(auditFunc(func(context.Context, time.Time, time.Time) ([]domain.ChangeLogEntry, error) {
		return fixedEntries(), nil
	}), quietLogger())

	since, until := window()
	data, err := gen.Generate(context.Background(), since, until, FormatCSV)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// Header plus 3+3+2 diff rows.
	require.Len(t, lines, 9)
	assert.Equal(t, "identity_key,change_type,detected_at,field,old_value,new_value", lines[0])

	// The two diffs of the multi-field update share the entry identity.
	assert.True(t, strings.HasPrefix(lines[7], "key-b,updated,"))
	assert.True(t, strings.HasPrefix(lines[8], "key-b,updated,"))
	assert.Contains(t, lines[7], ",price,19.99,17.99")
	assert.Contains(t, lines[8], ",rating,4,2")
}

func TestGenerate_EmptyWindowIsExplicitlyEmpty(t *testing.T) {
	gen := NewGenerator(auditFunc(func(context.Context, time.Time, time.Time) ([]domain.ChangeLogEntry, error) {
		return nil, nil
	}), quietLogger())

	since, until := window()

	data, err := gen.Generate(context.Background(), since, until, FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total": 0`)
	assert.Contains(t, string(data), `"created": []`)
	assert.Contains(t, string(data), `"updated": []`)

	data, err = gen.Generate(context.Background(), since, until, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "identity_key,change_type,detected_at,field,old_value,new_value\n", string(data))
}

func TestGenerate_StoreFailureIsReportError(t *testing.T) {
	cause := errors.New("connection refused")
	gen := NewGenerator(auditFunc(func(context.Context, time.Time, time.Time) ([]domain.ChangeLogEntry, error) {
		return nil, cause
	}), quietLogger())

	since, until := window()
	data, err := gen.Generate(context.Background(), since, until, FormatJSON)

	assert.Nil(t, data, "no partial report on failure")
	var rerr *ReportError
	require.True(t, errors.As(err, &rerr))
	assert.ErrorIs(t, err, cause)
}

func TestGenerate_InvalidWindow(t *testing.T) {
	gen := NewGenerator(auditFunc(func(context.Context, time.Time, time.Time) ([]domain.ChangeLogEntry, error) {
		t.Fatal("store must not be queried for an invalid window")
		return nil, nil
	}), quietLogger())

	since, until := window()
	_, err := gen.Generate(context.Background(), until, since, FormatJSON)

	var rerr *ReportError
	assert.True(t, errors.As(err, &rerr))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("csv")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
