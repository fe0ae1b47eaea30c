package report

import (
	"testing"
	"time"

	"github.com/lapsync/engine/internal/laps"
	"github.com/lapsync/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00.000"},
		{10500 * time.Millisecond, "00:10.500"},
		{14500 * time.Millisecond, "00:14.500"},
		{5 * time.Second, "00:05.000"},
		{83*time.Second + 7*time.Millisecond, "01:23.007"},
		{1999600 * time.Microsecond, "00:02.000"},
		{-3 * time.Second, "00:00.000"},
		{125 * time.Minute, "125:00.000"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.in))
		})
	}
}

func TestBuild_SplitScenario(t *testing.T) {
	m := laps.New(laps.DefaultConfig())
	require.NoError(t, m.MarkStart(0))
	require.NoError(t, m.AddInteriorMark(10500*time.Millisecond))
	require.NoError(t, m.AddInteriorMark(25*time.Second))
	require.NoError(t, m.MarkEnd(30*time.Second))

	rows := BuildFrom(m, nil)
	assert.Equal(t, []core.ReportRow{
		{Label: "Lap 1", DurationText: "00:10.500"},
		{Label: "Lap 2", DurationText: "00:14.500"},
		{Label: "Lap 3", DurationText: "00:05.000"},
	}, rows)

	// no mutation in between: identical output
	assert.Equal(t, rows, BuildFrom(m, nil))
}

func TestBuild_NegativeDurationClamped(t *testing.T) {
	rows := Build([]core.LapSegment{{Index: 0, Start: 5 * time.Second, End: 2 * time.Second}}, nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "00:00.000", rows[0].DurationText)
}

func TestBuild_CustomLabels(t *testing.T) {
	names := map[uint32]string{0: "Out lap", 1: "Hot lap"}
	rows := Build([]core.LapSegment{
		{Index: 0, Start: 0, End: time.Second},
		{Index: 1, Start: time.Second, End: 3 * time.Second},
	}, func(i uint32) string { return names[i] })

	assert.Equal(t, "Out lap", rows[0].Label)
	assert.Equal(t, "Hot lap", rows[1].Label)
}

func TestBuild_Empty(t *testing.T) {
	assert.Empty(t, Build(nil, nil))
}
