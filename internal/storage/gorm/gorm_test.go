package gormstorage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lapsync/engine/pkg/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(Config{
		Dialect:    DialectSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "reports.db"),
	}, zerolog.Nop())
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func report(id, session string, created time.Time) *core.SplitReport {
	return &core.SplitReport{
		ID:        id,
		SessionID: session,
		Stream:    1,
		Rows: []core.ReportRow{
			{Label: "Lap 1", DurationText: "00:10.500"},
			{Label: "Lap 2", DurationText: "00:14.500"},
			{Label: "Lap 3", DurationText: "00:05.000"},
		},
		CreatedAt: created,
	}
}

func TestSaveAndListReports(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.SaveReport(ctx, report("b", "s1", t0.Add(time.Minute))))
	require.NoError(t, b.SaveReport(ctx, report("a", "s1", t0)))
	require.NoError(t, b.SaveReport(ctx, report("c", "s2", t0)))

	got, err := b.ListReports(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, core.StreamID(1), got[0].Stream)
	assert.True(t, t0.Equal(got[0].CreatedAt))
	require.Len(t, got[0].Rows, 3)
	assert.Equal(t, core.ReportRow{Label: "Lap 3", DurationText: "00:05.000"}, got[0].Rows[2])

	none, err := b.ListReports(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveReport_EmptyRows(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	r := report("empty", "s1", time.Now())
	r.Rows = nil
	require.NoError(t, b.SaveReport(ctx, r))

	got, err := b.ListReports(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Rows)
}

func TestSaveReport_DuplicateID(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveReport(ctx, report("dup", "s1", time.Now())))
	err := b.SaveReport(ctx, report("dup", "s1", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save report dup")
}

func TestSaveReport_MissingID(t *testing.T) {
	b := newTestBackend(t)
	err := b.SaveReport(context.Background(), report("", "s1", time.Now()))
	assert.ErrorIs(t, err, core.ErrMissingReportID)
}

func TestNotInitialized(t *testing.T) {
	b := New(Config{Dialect: DialectSQLite}, zerolog.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, b.SaveReport(ctx, report("a", "s1", time.Now())), ErrNotInitialized)
	_, err := b.ListReports(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, b.Close(ctx))
}

func TestInit_UnknownDialect(t *testing.T) {
	b := New(Config{Dialect: "oracle"}, zerolog.Nop())
	err := b.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dialect")
}

func TestReopenKeepsReports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")
	ctx := context.Background()

	b := New(Config{Dialect: DialectSQLite, SQLitePath: path}, zerolog.Nop())
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.SaveReport(ctx, report("a", "s1", time.Now())))
	require.NoError(t, b.Close(ctx))

	b2 := New(Config{Dialect: DialectSQLite, SQLitePath: path}, zerolog.Nop())
	require.NoError(t, b2.Init(ctx))
	defer b2.Close(ctx)

	got, err := b2.ListReports(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
