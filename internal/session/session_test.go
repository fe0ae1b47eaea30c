package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lapsync/engine/internal/config"
	"github.com/lapsync/engine/internal/storage/memory"
	"github.com/lapsync/engine/internal/transport"
	"github.com/lapsync/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type driftLog struct {
	mu      sync.Mutex
	samples []core.DriftSample
}

func (d *driftLog) RecordDrift(ctx context.Context, s core.DriftSample) {
	d.mu.Lock()
	d.samples = append(d.samples, s)
	d.mu.Unlock()
}

type fixture struct {
	t    *testing.T
	s    *Session
	clk  *clock.Mock
	sims map[core.StreamID]*transport.Sim
}

func newFixture(t *testing.T, deps Dependencies, ids ...core.StreamID) *fixture {
	t.Helper()
	f := &fixture{t: t, clk: clock.NewMock(), sims: map[core.StreamID]*transport.Sim{}}

	var specs []StreamSpec
	for _, id := range ids {
		sim := transport.NewSim(transport.SimConfig{Duration: 60 * time.Second, FrameRate: 30})
		f.sims[id] = sim
		specs = append(specs, StreamSpec{ID: id, Source: id.String() + ".mp4", Transport: sim})
	}
	deps.Logger = discardLogger()
	deps.Clock = f.clk

	s, err := New(DefaultConfig(), deps, specs...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	f.s = s

	require.NoError(t, s.Load(ctx))
	f.flush()
	return f
}

func (f *fixture) flush() {
	f.t.Helper()
	require.NoError(f.t, f.s.Loop().Do(ctx, func(context.Context) error { return nil }))
}

// play starts one stream and advances it by d.
func (f *fixture) play(id core.StreamID, d time.Duration) {
	f.t.Helper()
	c, err := f.s.Stream(id)
	require.NoError(f.t, err)
	if !c.IsPlaying() {
		require.NoError(f.t, c.Play(ctx))
	}
	f.sims[id].Advance(d)
	f.flush()
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func TestSession_SingleStreamSplitReport(t *testing.T) {
	f := newFixture(t, Dependencies{}, core.SingleStream)
	assert.Nil(t, f.s.Synchronizer())

	pos, err := f.s.MarkSplitStart(ctx, core.SingleStream)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), pos)

	f.play(core.SingleStream, ms(10500))
	pos, err = f.s.AddInteriorMark(ctx, core.SingleStream)
	require.NoError(t, err)
	assert.Equal(t, ms(10500), pos)

	f.play(core.SingleStream, ms(14500))
	_, err = f.s.AddInteriorMark(ctx, core.SingleStream)
	require.NoError(t, err)

	f.play(core.SingleStream, ms(5000))
	pos, err = f.s.MarkSplitEnd(ctx, core.SingleStream)
	require.NoError(t, err)
	assert.Equal(t, ms(30000), pos)

	rows, err := f.s.BuildSplitReport(core.SingleStream)
	require.NoError(t, err)
	assert.Equal(t, []core.ReportRow{
		{Label: "Lap 1", DurationText: "00:10.500"},
		{Label: "Lap 2", DurationText: "00:14.500"},
		{Label: "Lap 3", DurationText: "00:05.000"},
	}, rows)
}

func TestSession_MarkRejectionLeavesModel(t *testing.T) {
	f := newFixture(t, Dependencies{}, core.SingleStream)

	f.play(core.SingleStream, ms(5000))
	_, err := f.s.AddInteriorMark(ctx, core.SingleStream)
	assert.ErrorIs(t, err, core.ErrInvalidMarker)
	assert.ErrorIs(t, err, core.ErrNoStartMarker)

	model, err := f.s.Laps(core.SingleStream)
	require.NoError(t, err)
	assert.Empty(t, model.Marks())
	assert.Zero(t, model.SegmentCount())
}

func TestSession_AssistedTaps(t *testing.T) {
	f := newFixture(t, Dependencies{}, core.SingleStream)

	_, err := f.s.MarkSplitStart(ctx, core.SingleStream)
	require.NoError(t, err)
	require.NoError(t, f.s.ArmAssisted(core.SingleStream, 2))

	f.play(core.SingleStream, ms(12000))
	pos, done, err := f.s.Tap(ctx, core.SingleStream)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, ms(12000), pos)

	f.play(core.SingleStream, ms(9000))
	_, done, err = f.s.Tap(ctx, core.SingleStream)
	require.NoError(t, err)
	assert.True(t, done)

	rows, err := f.s.BuildSplitReport(core.SingleStream)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "00:12.000", rows[0].DurationText)
	assert.Equal(t, "00:09.000", rows[1].DurationText)

	cancelled, err := f.s.CancelAssisted(core.SingleStream)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestSession_CancelAssisted(t *testing.T) {
	f := newFixture(t, Dependencies{}, core.SingleStream)

	_, err := f.s.MarkSplitStart(ctx, core.SingleStream)
	require.NoError(t, err)
	require.NoError(t, f.s.ArmAssisted(core.SingleStream, 3))

	cancelled, err := f.s.CancelAssisted(core.SingleStream)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, _, err = f.s.Tap(ctx, core.SingleStream)
	assert.ErrorIs(t, err, core.ErrNoAssistedSession)
}

func TestSession_ExportReport(t *testing.T) {
	store := memory.New(config.MemoryConfig{OutputDir: t.TempDir()})
	f := newFixture(t, Dependencies{Storage: store}, core.SingleStream)

	_, err := f.s.MarkSplitStart(ctx, core.SingleStream)
	require.NoError(t, err)
	f.play(core.SingleStream, ms(8000))
	_, err = f.s.MarkSplitEnd(ctx, core.SingleStream)
	require.NoError(t, err)

	r, err := f.s.ExportReport(ctx, core.SingleStream)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, f.s.ID(), r.SessionID)
	assert.Equal(t, f.clk.Now(), r.CreatedAt)

	saved, err := store.ListReports(ctx, f.s.ID())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, r.ID, saved[0].ID)
	assert.Equal(t, []core.ReportRow{{Label: "Lap 1", DurationText: "00:08.000"}}, saved[0].Rows)
	assert.NotEmpty(t, store.LastExportPath())
}

func TestSession_ExportWithoutStorage(t *testing.T) {
	f := newFixture(t, Dependencies{}, core.SingleStream)
	_, err := f.s.ExportReport(ctx, core.SingleStream)
	assert.ErrorIs(t, err, ErrNoStorage)
}

func TestSession_UnknownStream(t *testing.T) {
	f := newFixture(t, Dependencies{}, 1, 2)

	_, err := f.s.Stream(3)
	assert.ErrorIs(t, err, core.ErrUnknownStream)
	_, err = f.s.MarkSplitStart(ctx, 3)
	assert.ErrorIs(t, err, core.ErrUnknownStream)
	_, err = f.s.BuildSplitReport(3)
	assert.ErrorIs(t, err, core.ErrUnknownStream)
	assert.ErrorIs(t, f.s.ArmAssisted(3, 1), core.ErrUnknownStream)
}

func TestSession_SingleStreamCannotSync(t *testing.T) {
	f := newFixture(t, Dependencies{}, core.SingleStream)
	assert.ErrorIs(t, f.s.StartSynced(ctx), core.ErrTooFewStreams)
	assert.ErrorIs(t, f.s.PauseSynced(ctx), core.ErrTooFewStreams)
	assert.ErrorIs(t, f.s.StopSynced(ctx), core.ErrTooFewStreams)
}

func TestSession_SyncedComparison(t *testing.T) {
	drift := &driftLog{}
	f := newFixture(t, Dependencies{Drift: drift}, 1, 2)
	require.NotNil(t, f.s.Synchronizer())
	assert.Equal(t, []core.StreamID{1, 2}, f.s.StreamIDs())

	for id, ends := range map[core.StreamID][]time.Duration{
		1: {ms(5000), ms(9000)},
		2: {ms(6000), ms(10000)},
	} {
		model, err := f.s.Laps(id)
		require.NoError(t, err)
		require.NoError(t, model.MarkStart(0))
		require.NoError(t, model.AddInteriorMark(ends[0]))
		require.NoError(t, model.MarkEnd(ends[1]))
	}

	require.NoError(t, f.s.StartSynced(ctx))
	assert.True(t, f.s.Synchronizer().Running())

	// drive both transports and evaluate the quorum in 100ms steps
	for i := 0; i < 62; i++ {
		f.clk.Add(100 * time.Millisecond)
		for _, sim := range f.sims {
			sim.Advance(100 * time.Millisecond)
		}
		require.NoError(t, f.s.Synchronizer().Tick(ctx))
		f.flush()
	}
	assert.Equal(t, uint32(1), f.s.Synchronizer().Lap())

	var kinds []core.EventKind
	for len(f.s.Events().Receive()) > 0 {
		kinds = append(kinds, (<-f.s.Events().Receive()).Kind)
	}
	assert.Contains(t, kinds, core.EventSyncStarted)
	assert.Contains(t, kinds, core.EventStreamWaiting)
	assert.Contains(t, kinds, core.EventLapAdvanced)

	attrs := f.s.LogAttrs()
	require.Len(t, attrs, 3)
	assert.Equal(t, f.s.ID(), attrs[0].Value.String())

	require.NoError(t, f.s.StopSynced(ctx))
	assert.False(t, f.s.Synchronizer().Running())
	assert.Equal(t, uint32(0), f.s.Synchronizer().Lap())
}

func TestSession_PauseSyncedKeepsLap(t *testing.T) {
	f := newFixture(t, Dependencies{}, 1, 2)
	for _, id := range []core.StreamID{1, 2} {
		model, _ := f.s.Laps(id)
		require.NoError(t, model.MarkStart(0))
		require.NoError(t, model.MarkEnd(ms(20000)))
	}

	require.NoError(t, f.s.StartSynced(ctx))
	require.NoError(t, f.s.PauseSynced(ctx))
	assert.False(t, f.s.Synchronizer().Running())
	for _, sim := range f.sims {
		assert.False(t, sim.Playing())
	}

	// restarting reuses the existing tick driver
	require.NoError(t, f.s.StartSynced(ctx))
	assert.True(t, f.s.Synchronizer().Running())
}

func TestSession_DroppedEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBuffer = 1
	sim := transport.NewSim(transport.SimConfig{Duration: time.Minute, FrameRate: 30})

	s, err := New(cfg, Dependencies{Logger: discardLogger()}, StreamSpec{ID: core.SingleStream, Transport: sim})
	require.NoError(t, err)
	defer s.Close()

	// loading emits loading, ready and media-opened events
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Loop().Do(ctx, func(context.Context) error { return nil }))

	assert.Equal(t, 1, s.Events().Len())
	assert.Equal(t, uint64(2), s.DroppedEvents())
}

func TestSession_NewValidation(t *testing.T) {
	sim := func() transport.Transport { return transport.NewSim(transport.SimConfig{Duration: time.Minute}) }

	_, err := New(DefaultConfig(), Dependencies{})
	require.Error(t, err)

	_, err = New(DefaultConfig(), Dependencies{Logger: discardLogger()})
	assert.ErrorIs(t, err, core.ErrTooFewStreams)

	var specs []StreamSpec
	for i := 1; i <= core.MaxStreams+1; i++ {
		specs = append(specs, StreamSpec{ID: core.StreamID(i), Transport: sim()})
	}
	_, err = New(DefaultConfig(), Dependencies{Logger: discardLogger()}, specs...)
	assert.ErrorIs(t, err, core.ErrTooManyStreams)

	_, err = New(DefaultConfig(), Dependencies{Logger: discardLogger()}, StreamSpec{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transport")
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t, Dependencies{}, 1, 2)
	f.s.Close()
	f.s.Close()

	_, ok := <-f.s.Events().Receive()
	for ok {
		_, ok = <-f.s.Events().Receive()
	}
	assert.ErrorIs(t, f.s.StartSynced(ctx), core.ErrStopped)
}
