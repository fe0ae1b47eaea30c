// Package laps turns operator-recorded markers into contiguous lap segments.
package laps

import (
	"slices"
	"sync"
	"time"

	"github.com/lapsync/engine/pkg/core"
)

// Config holds marker validation settings.
type Config struct {
	// MarkTolerance: marks closer than this are the same mark.
	MarkTolerance time.Duration
}

// DefaultConfig returns the stock lap model configuration.
func DefaultConfig() Config {
	return Config{MarkTolerance: 10 * time.Millisecond}
}

// Model holds one stream's split markers and the segments derived from them.
// Rejected operations return an *core.InvalidMarkerError and leave the model unchanged.
type Model struct {
	mu  sync.RWMutex
	tol time.Duration

	start    time.Duration
	hasStart bool
	end      time.Duration
	hasEnd   bool
	marks    []time.Duration

	segments []core.LapSegment
	assisted *assistedSession
	version  uint64
}

// New creates an empty model.
func New(cfg Config) *Model {
	if cfg.MarkTolerance < 0 {
		cfg.MarkTolerance = 0
	}
	return &Model{tol: cfg.MarkTolerance}
}

func reject(op string, pos time.Duration, reason error) error {
	return &core.InvalidMarkerError{Op: op, Position: pos, Reason: reason}
}

// MarkStart sets the start marker. Interior marks at or before it are discarded.
func (m *Model) MarkStart(pos time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.assisted != nil {
		return reject("mark start", pos, core.ErrAssistedSessionOpen)
	}
	if pos < 0 || (m.hasEnd && pos >= m.end-m.tol) {
		return reject("mark start", pos, core.ErrMarkOutOfRange)
	}
	m.start, m.hasStart = pos, true
	m.rebuild()
	return nil
}

// MarkEnd sets the end marker. Interior marks at or after it are discarded.
func (m *Model) MarkEnd(pos time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.assisted != nil {
		return reject("mark end", pos, core.ErrAssistedSessionOpen)
	}
	if !m.hasStart {
		return reject("mark end", pos, core.ErrNoStartMarker)
	}
	if pos <= m.start+m.tol {
		return reject("mark end", pos, core.ErrMarkOutOfRange)
	}
	m.end, m.hasEnd = pos, true
	m.rebuild()
	return nil
}

// AddInteriorMark records a lap boundary between start and end.
func (m *Model) AddInteriorMark(pos time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.assisted != nil {
		return reject("add mark", pos, core.ErrAssistedSessionOpen)
	}
	if !m.hasStart {
		return reject("add mark", pos, core.ErrNoStartMarker)
	}
	if pos <= m.start+m.tol || (m.hasEnd && pos >= m.end-m.tol) {
		return reject("add mark", pos, core.ErrMarkOutOfRange)
	}
	if _, ok := m.find(pos); ok {
		return reject("add mark", pos, core.ErrDuplicateMark)
	}

	i, _ := slices.BinarySearch(m.marks, pos)
	m.marks = slices.Insert(m.marks, i, pos)
	m.rebuild()
	return nil
}

// RemoveInteriorMark deletes the interior mark within tolerance of pos.
func (m *Model) RemoveInteriorMark(pos time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.assisted != nil {
		return reject("remove mark", pos, core.ErrAssistedSessionOpen)
	}
	i, ok := m.find(pos)
	if !ok {
		return reject("remove mark", pos, core.ErrMarkNotFound)
	}
	m.marks = slices.Delete(m.marks, i, i+1)
	m.rebuild()
	return nil
}

// ClearStart removes the start marker, which clears every derived segment.
func (m *Model) ClearStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assisted != nil {
		return reject("clear start", m.start, core.ErrAssistedSessionOpen)
	}
	m.hasStart, m.start = false, 0
	m.rebuild()
	return nil
}

// ClearEnd removes the end marker. Segments then only span consecutive marks.
func (m *Model) ClearEnd() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assisted != nil {
		return reject("clear end", m.end, core.ErrAssistedSessionOpen)
	}
	m.hasEnd, m.end = false, 0
	m.rebuild()
	return nil
}

// Reset removes every marker and cancels any assisted session.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasStart, m.start = false, 0
	m.hasEnd, m.end = false, 0
	m.marks = nil
	m.assisted = nil
	m.rebuild()
}

// RebuildSegments recomputes the segment sequence from the current markers.
// Every mutating operation already does this.
func (m *Model) RebuildSegments() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuild()
}

// rebuild clips interior marks to (start, end), then pairs consecutive boundaries.
// Without a start marker there are no segments.
func (m *Model) rebuild() {
	m.version++
	m.segments = nil
	if !m.hasStart {
		return
	}

	kept := m.marks[:0]
	for _, p := range m.marks {
		if p <= m.start+m.tol {
			continue
		}
		if m.hasEnd && p >= m.end-m.tol {
			continue
		}
		kept = append(kept, p)
	}
	m.marks = kept

	bounds := make([]time.Duration, 0, len(m.marks)+2)
	bounds = append(bounds, m.start)
	bounds = append(bounds, m.marks...)
	if m.hasEnd {
		bounds = append(bounds, m.end)
	}
	for i := 0; i+1 < len(bounds); i++ {
		m.segments = append(m.segments, core.LapSegment{
			Index: uint32(i),
			Start: bounds[i],
			End:   bounds[i+1],
		})
	}
}

func (m *Model) find(pos time.Duration) (int, bool) {
	for i, p := range m.marks {
		d := p - pos
		if d < 0 {
			d = -d
		}
		if d <= m.tol {
			return i, true
		}
	}
	return 0, false
}

// Segments returns a copy of the derived segments.
func (m *Model) Segments() []core.LapSegment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.segments)
}

// Segment returns segment i.
func (m *Model) Segment(i int) (core.LapSegment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.segments) {
		return core.LapSegment{}, false
	}
	return m.segments[i], true
}

// SegmentCount returns the number of derived segments.
func (m *Model) SegmentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.segments)
}

// SegmentAt returns the segment containing pos.
func (m *Model) SegmentAt(pos time.Duration) (core.LapSegment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.segments {
		if s.Contains(pos) {
			return s, true
		}
	}
	return core.LapSegment{}, false
}

// Start returns the start marker.
func (m *Model) Start() (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.start, m.hasStart
}

// End returns the end marker.
func (m *Model) End() (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.end, m.hasEnd
}

// Marks returns the interior marks in ascending order.
func (m *Model) Marks() []core.LapMark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.LapMark, len(m.marks))
	for i, p := range m.marks {
		out[i] = core.LapMark{Position: p}
	}
	return out
}

// Version increases on every change to the segment sequence.
func (m *Model) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}
