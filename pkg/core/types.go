// Package core holds the value types shared by the playback, lap and comparison packages.
package core

import (
	"fmt"
	"time"
)

// StreamID identifies a playback slot. Slots 1..MaxStreams are used in comparison
// mode; SingleStream (0) is the lone stream of single-stream mode.
type StreamID uint8

const (
	SingleStream StreamID = 0
	MaxStreams            = 4
)

// Valid reports whether the id names a usable slot.
func (s StreamID) Valid() bool {
	return s <= MaxStreams
}

func (s StreamID) String() string {
	if s == SingleStream {
		return "single"
	}
	return fmt.Sprintf("stream-%d", uint8(s))
}

// PlaybackState is the per-stream controller state.
type PlaybackState uint8

const (
	StateIdle PlaybackState = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateSeeking
	StateEnded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:    "idle",
	StateLoading: "loading",
	StateReady:   "ready",
	StatePlaying: "playing",
	StatePaused:  "paused",
	StateSeeking: "seeking",
	StateEnded:   "ended",
	StateFailed:  "failed",
}

func (s PlaybackState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Direction selects the frame-step direction.
type Direction int8

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// DefaultFrameRate is assumed until a transport reports a detected rate.
const DefaultFrameRate = 30.0

// FrameDuration returns the length of one frame at fps. Non-positive rates fall back
// to DefaultFrameRate.
func FrameDuration(fps float64) time.Duration {
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return time.Duration(float64(time.Second) / fps)
}

// TransportSnapshot is the immutable view of one transport at a position tick.
type TransportSnapshot struct {
	Position  time.Duration
	Duration  time.Duration
	FrameRate float64
	IsPlaying bool
	// Speed is the requested playback rate. It applies once the stream plays.
	Speed float64
}

// FrameDuration is the length of one frame at the snapshot's rate.
func (s TransportSnapshot) FrameDuration() time.Duration {
	return FrameDuration(s.FrameRate)
}

// LapMark is one operator-recorded timestamp on a stream's own timeline.
type LapMark struct {
	Position time.Duration
}

// LapSegment is a derived lap range [Start, End).
type LapSegment struct {
	Index uint32
	Start time.Duration
	End   time.Duration
}

// Duration is End - Start. It is negative only for segments built from
// out-of-order marks, which the lap model never produces.
func (s LapSegment) Duration() time.Duration {
	return s.End - s.Start
}

// Contains reports whether pos lies within [Start, End).
func (s LapSegment) Contains(pos time.Duration) bool {
	return pos >= s.Start && pos < s.End
}

// ReportRow is one formatted line of a split report.
type ReportRow struct {
	Label        string `json:"label"`
	DurationText string `json:"durationText"`
}

// SplitReport is a built report as handed to a storage backend.
type SplitReport struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Stream    StreamID    `json:"stream"`
	Rows      []ReportRow `json:"rows"`
	CreatedAt time.Time   `json:"createdAt"`
}
