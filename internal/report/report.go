// Package report builds per-lap duration tables from lap segments.
package report

import (
	"fmt"
	"time"

	"github.com/lapsync/engine/pkg/core"
)

// LabelFunc resolves a display label for a segment index.
type LabelFunc func(index uint32) string

// SegmentSource is anything that can list lap segments.
type SegmentSource interface {
	Segments() []core.LapSegment
}

// DefaultLabel names segments "Lap 1", "Lap 2", ...
func DefaultLabel(index uint32) string {
	return fmt.Sprintf("Lap %d", index+1)
}

// Build returns one row per segment, in segment order.
func Build(segments []core.LapSegment, label LabelFunc) []core.ReportRow {
	if label == nil {
		label = DefaultLabel
	}
	rows := make([]core.ReportRow, 0, len(segments))
	for _, s := range segments {
		rows = append(rows, core.ReportRow{
			Label:        label(s.Index),
			DurationText: FormatDuration(s.Duration()),
		})
	}
	return rows
}

// BuildFrom builds a report from the current segments of src.
func BuildFrom(src SegmentSource, label LabelFunc) []core.ReportRow {
	return Build(src.Segments(), label)
}

// FormatDuration renders d as mm:ss.mmm. Negative durations render as zero; minutes
// keep counting past 99.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Millisecond)
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	return fmt.Sprintf("%02d:%02d.%03d", int64(minutes), int64(seconds), int64(d/time.Millisecond))
}
