package core

import (
	"errors"
	"fmt"
	"time"
)

// Controller and loop errors.
var (
	ErrInvalidState  = errors.New("operation not allowed in current state")
	ErrInvalidSpeed  = errors.New("playback speed must be positive")
	ErrSeekInFlight  = errors.New("seek or frame step in flight")
	ErrStopped       = errors.New("control loop stopped")
	ErrUnknownStream = errors.New("unknown stream")
)

// Marker validation errors. All of them satisfy errors.Is(err, ErrInvalidMarker)
// when returned wrapped in an InvalidMarkerError.
var (
	ErrInvalidMarker       = errors.New("invalid marker")
	ErrNoStartMarker       = errors.New("no start marker")
	ErrMarkOutOfRange      = errors.New("mark outside split range")
	ErrDuplicateMark       = errors.New("duplicate mark")
	ErrMarkNotFound        = errors.New("mark not found")
	ErrNoAssistedSession   = errors.New("no assisted session armed")
	ErrAssistedSessionOpen = errors.New("assisted session already armed")
	ErrInvalidLapCount     = errors.New("lap count must be at least one")
)

// Comparison errors.
var (
	ErrTooFewStreams  = errors.New("comparison needs at least two streams")
	ErrTooManyStreams = errors.New("comparison supports at most four streams")
	ErrNoSegments     = errors.New("stream has no lap segments")
)

// ErrMissingReportID is returned by storage backends for a report without an id.
var ErrMissingReportID = errors.New("report has no id")

// TransportError is a load or decode failure reported by a transport.
type TransportError struct {
	Stream StreamID
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport %s: %v", e.Stream, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InvalidMarkerError is returned when a marker operation is rejected. The model is
// left unchanged.
type InvalidMarkerError struct {
	Op       string
	Position time.Duration
	Reason   error
}

func (e *InvalidMarkerError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Op, e.Position, e.Reason)
}

func (e *InvalidMarkerError) Unwrap() error {
	return e.Reason
}

// Is makes every InvalidMarkerError match ErrInvalidMarker.
func (e *InvalidMarkerError) Is(target error) bool {
	return target == ErrInvalidMarker
}

// SyncDegraded reports a stream that dropped out of a comparison.
type SyncDegraded struct {
	Stream StreamID
	Reason error
}

func (e *SyncDegraded) Error() string {
	return fmt.Sprintf("%s dropped out of synchronized playback: %v", e.Stream, e.Reason)
}

func (e *SyncDegraded) Unwrap() error {
	return e.Reason
}
