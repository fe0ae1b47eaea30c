package laps

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/lapsync/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func requireContiguous(t *testing.T, segs []core.LapSegment) {
	t.Helper()
	for i, s := range segs {
		assert.Equal(t, uint32(i), s.Index)
		assert.Less(t, s.Start, s.End, "segment %d", i)
		if i > 0 {
			assert.Equal(t, segs[i-1].End, s.Start, "segment %d not contiguous", i)
		}
	}
}

func TestModel_SplitScenario(t *testing.T) {
	m := New(DefaultConfig())

	require.NoError(t, m.MarkStart(0))
	require.NoError(t, m.AddInteriorMark(ms(25000)))
	require.NoError(t, m.AddInteriorMark(ms(10500)))
	require.NoError(t, m.MarkEnd(ms(30000)))

	segs := m.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, core.LapSegment{Index: 0, Start: 0, End: ms(10500)}, segs[0])
	assert.Equal(t, core.LapSegment{Index: 1, Start: ms(10500), End: ms(25000)}, segs[1])
	assert.Equal(t, core.LapSegment{Index: 2, Start: ms(25000), End: ms(30000)}, segs[2])
}

func TestModel_InteriorMarksYieldKPlusOneSegments(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		t.Run(fmt.Sprintf("run-%d", run), func(t *testing.T) {
			m := New(DefaultConfig())
			start := ms(rng.Intn(5000))
			end := start + ms(60000)
			require.NoError(t, m.MarkStart(start))
			require.NoError(t, m.MarkEnd(end))

			k := 0
			for i := 0; i < rng.Intn(20); i++ {
				p := start + ms(1+rng.Intn(59998))
				if err := m.AddInteriorMark(p); err == nil {
					k++
				}
			}

			segs := m.Segments()
			require.Len(t, segs, k+1)
			requireContiguous(t, segs)
			assert.Equal(t, start, segs[0].Start)
			assert.Equal(t, end, segs[len(segs)-1].End)
		})
	}
}

func TestModel_NoInteriorMarksSingleSegment(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.MarkStart(ms(2000)))
	require.NoError(t, m.MarkEnd(ms(9000)))

	segs := m.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, ms(7000), segs[0].Duration())
}

func TestModel_MarkBeforeStartRejected(t *testing.T) {
	m := New(DefaultConfig())

	err := m.AddInteriorMark(ms(1000))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidMarker)
	assert.ErrorIs(t, err, core.ErrNoStartMarker)

	err = m.MarkEnd(ms(5000))
	assert.ErrorIs(t, err, core.ErrNoStartMarker)

	assert.Empty(t, m.Marks())
	assert.Empty(t, m.Segments())
}

func TestModel_RejectionsLeaveModelUnchanged(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.MarkStart(ms(1000)))
	require.NoError(t, m.MarkEnd(ms(10000)))
	require.NoError(t, m.AddInteriorMark(ms(5000)))
	before := m.Segments()
	version := m.Version()

	tests := []struct {
		name   string
		op     func() error
		reason error
	}{
		{"duplicate within tolerance", func() error { return m.AddInteriorMark(ms(5005)) }, core.ErrDuplicateMark},
		{"before start", func() error { return m.AddInteriorMark(ms(500)) }, core.ErrMarkOutOfRange},
		{"at start", func() error { return m.AddInteriorMark(ms(1000)) }, core.ErrMarkOutOfRange},
		{"after end", func() error { return m.AddInteriorMark(ms(12000)) }, core.ErrMarkOutOfRange},
		{"end before start", func() error { return m.MarkEnd(ms(800)) }, core.ErrMarkOutOfRange},
		{"start after end", func() error { return m.MarkStart(ms(10000)) }, core.ErrMarkOutOfRange},
		{"negative start", func() error { return m.MarkStart(-ms(1)) }, core.ErrMarkOutOfRange},
		{"remove missing", func() error { return m.RemoveInteriorMark(ms(7000)) }, core.ErrMarkNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidMarker)
			assert.ErrorIs(t, err, tt.reason)

			var merr *core.InvalidMarkerError
			require.ErrorAs(t, err, &merr)
			assert.NotEmpty(t, merr.Op)
		})
	}

	assert.Equal(t, before, m.Segments())
	assert.Equal(t, version, m.Version())
}

func TestModel_TighteningRangeDiscardsMarks(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.MarkStart(0))
	require.NoError(t, m.MarkEnd(ms(30000)))
	for _, p := range []int{5000, 10000, 20000, 25000} {
		require.NoError(t, m.AddInteriorMark(ms(p)))
	}

	require.NoError(t, m.MarkStart(ms(8000)))
	require.NoError(t, m.MarkEnd(ms(22000)))

	assert.Equal(t, []core.LapMark{{Position: ms(10000)}, {Position: ms(20000)}}, m.Marks())
	segs := m.Segments()
	require.Len(t, segs, 3)
	requireContiguous(t, segs)
	assert.Equal(t, ms(8000), segs[0].Start)
	assert.Equal(t, ms(22000), segs[2].End)
}

func TestModel_ClearStartClearsSegments(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.MarkStart(0))
	require.NoError(t, m.AddInteriorMark(ms(4000)))
	require.NoError(t, m.MarkEnd(ms(8000)))
	require.Equal(t, 2, m.SegmentCount())

	require.NoError(t, m.ClearStart())
	assert.Empty(t, m.Segments())
	_, ok := m.Start()
	assert.False(t, ok)

	// restoring the start brings the segments back
	require.NoError(t, m.MarkStart(0))
	assert.Equal(t, 2, m.SegmentCount())
}

func TestModel_ClearEndLeavesMarkPairs(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.MarkStart(0))
	require.NoError(t, m.AddInteriorMark(ms(4000)))
	require.NoError(t, m.AddInteriorMark(ms(9000)))
	require.NoError(t, m.MarkEnd(ms(12000)))

	require.NoError(t, m.ClearEnd())
	segs := m.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, ms(9000), segs[1].End)
}

func TestModel_RemoveInteriorMark(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.MarkStart(0))
	require.NoError(t, m.AddInteriorMark(ms(4000)))
	require.NoError(t, m.MarkEnd(ms(8000)))

	require.NoError(t, m.RemoveInteriorMark(ms(4008)))
	assert.Empty(t, m.Marks())
	assert.Equal(t, 1, m.SegmentCount())
}

func TestModel_SegmentLookup(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.MarkStart(0))
	require.NoError(t, m.AddInteriorMark(ms(4000)))
	require.NoError(t, m.MarkEnd(ms(8000)))

	s, ok := m.Segment(1)
	require.True(t, ok)
	assert.Equal(t, ms(4000), s.Start)

	_, ok = m.Segment(2)
	assert.False(t, ok)
	_, ok = m.Segment(-1)
	assert.False(t, ok)

	s, ok = m.SegmentAt(ms(4000))
	require.True(t, ok)
	assert.Equal(t, uint32(1), s.Index)

	_, ok = m.SegmentAt(ms(8000))
	assert.False(t, ok)
}

func TestModel_Reset(t *testing.T) {
	m := New(DefaultConfig())
	require.NoError(t, m.MarkStart(0))
	require.NoError(t, m.MarkEnd(ms(8000)))
	require.NoError(t, m.ArmAssisted(2))

	m.Reset()
	assert.Empty(t, m.Segments())
	_, armed := m.Assisted()
	assert.False(t, armed)
}
