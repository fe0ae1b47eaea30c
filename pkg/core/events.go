// pkg/core/events.go
package core

import (
	"context"
	"time"
)

// EventKind enumerates the notifications published by controllers and synchronizers.
type EventKind uint8

const (
	EventStateChanged EventKind = iota + 1
	EventMediaOpened
	EventMediaEnded
	EventMediaFailed
	EventPositionChanged
	EventSeekCompleted
	EventSyncStarted
	EventSyncPaused
	EventSyncStopped
	EventSyncCompleted
	EventStreamWaiting
	EventLapAdvanced
	EventDriftCorrected
	EventSyncDegraded
	EventSpeedChanged
)

var eventNames = map[EventKind]string{
	EventStateChanged:    "state_changed",
	EventMediaOpened:     "media_opened",
	EventMediaEnded:      "media_ended",
	EventMediaFailed:     "media_failed",
	EventPositionChanged: "position_changed",
	EventSeekCompleted:   "seek_completed",
	EventSyncStarted:     "sync_started",
	EventSyncPaused:      "sync_paused",
	EventSyncStopped:     "sync_stopped",
	EventSyncCompleted:   "sync_completed",
	EventStreamWaiting:   "stream_waiting",
	EventLapAdvanced:     "lap_advanced",
	EventDriftCorrected:  "drift_corrected",
	EventSyncDegraded:    "sync_degraded",
	EventSpeedChanged:    "speed_changed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a single notification. Fields not meaningful for a kind are zero.
type Event struct {
	Kind      EventKind
	Stream    StreamID
	State     PlaybackState
	Position  time.Duration
	Duration  time.Duration
	FrameRate float64
	Lap       uint32
	Drift     time.Duration
	Err       error
	Time      time.Time
}

// Listener receives events on the control loop goroutine. ctx belongs to that loop, so
// a listener may call back into loop-owned components with it; it must not block.
type Listener func(ctx context.Context, ev Event)

// DriftSample describes one corrective seek issued by a synchronizer.
type DriftSample struct {
	Stream   StreamID
	Lap      uint32
	Expected time.Duration
	Actual   time.Duration
	Time     time.Time
}

// Drift is Actual - Expected.
func (d DriftSample) Drift() time.Duration {
	return d.Actual - d.Expected
}
