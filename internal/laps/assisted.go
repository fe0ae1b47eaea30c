package laps

import (
	"slices"
	"time"

	"github.com/lapsync/engine/pkg/core"
)

// assistedSession collects live taps, one per lap boundary.
type assistedSession struct {
	lapCount uint32
	taps     []time.Duration
}

// AssistedState is a read-only view of an armed assisted session.
type AssistedState struct {
	LapCount   uint32
	CurrentLap uint32
	Marks      []core.LapMark
}

// ArmAssisted starts live marking for lapCount laps from the current start marker.
// Each tap closes the current lap; the final tap becomes the end marker.
func (m *Model) ArmAssisted(lapCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.assisted != nil {
		return reject("arm assisted", m.start, core.ErrAssistedSessionOpen)
	}
	if lapCount == 0 {
		return reject("arm assisted", m.start, core.ErrInvalidLapCount)
	}
	if !m.hasStart {
		return reject("arm assisted", 0, core.ErrNoStartMarker)
	}
	m.assisted = &assistedSession{lapCount: lapCount}
	return nil
}

// RecordTap records the next lap boundary. It reports true when the tap completed the
// session, at which point the taps replace the interior marks and end marker.
func (m *Model) RecordTap(pos time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.assisted
	if s == nil {
		return false, reject("assisted tap", pos, core.ErrNoAssistedSession)
	}
	if !m.hasStart {
		return false, reject("assisted tap", pos, core.ErrNoStartMarker)
	}
	prev := m.start
	if n := len(s.taps); n > 0 {
		prev = s.taps[n-1]
	}
	if pos <= prev+m.tol {
		return false, reject("assisted tap", pos, core.ErrMarkOutOfRange)
	}

	s.taps = append(s.taps, pos)
	if uint32(len(s.taps)) < s.lapCount {
		return false, nil
	}

	last := len(s.taps) - 1
	m.marks = slices.Clone(s.taps[:last])
	m.end, m.hasEnd = s.taps[last], true
	m.assisted = nil
	m.rebuild()
	return true, nil
}

// CancelAssisted discards an armed session. It reports whether one was armed.
func (m *Model) CancelAssisted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	armed := m.assisted != nil
	m.assisted = nil
	return armed
}

// Assisted returns the armed session, if any.
func (m *Model) Assisted() (AssistedState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.assisted
	if s == nil {
		return AssistedState{}, false
	}
	st := AssistedState{
		LapCount:   s.lapCount,
		CurrentLap: uint32(len(s.taps)),
		Marks:      make([]core.LapMark, len(s.taps)),
	}
	for i, p := range s.taps {
		st.Marks[i] = core.LapMark{Position: p}
	}
	return st, true
}
