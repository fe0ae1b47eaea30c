package compare

import (
	"context"
	"time"

	"github.com/lapsync/engine/pkg/core"
)

// streamListener routes controller events for lane i. Controllers emit on the shared
// loop, so the synchronizer state can be touched directly.
func (s *Synchronizer) streamListener(i int) core.Listener {
	return func(ctx context.Context, ev core.Event) {
		l := s.lanes[i]
		switch ev.Kind {
		case core.EventPositionChanged:
			if s.running && l.active() {
				s.sample(ctx, i, ev.Position)
			}
		case core.EventSeekCompleted:
			s.seekCompleted(i)
		case core.EventMediaEnded:
			if s.running && l.active() && !l.waiting && !l.exhausted {
				s.arrive(ctx, i, ev.Position)
			}
		case core.EventMediaFailed:
			if l.active() {
				s.degrade(ctx, i, ev.Err)
			}
		case core.EventStateChanged:
			s.stateChanged(i, ev.State)
		case core.EventSpeedChanged:
			s.speedChanged(ctx, i)
		default:
			return
		}
		s.publish()
	}
}

// sample compares one position report against the virtual lap clock.
func (s *Synchronizer) sample(ctx context.Context, i int, pos time.Duration) {
	l := s.lanes[i]
	if l.waiting || l.exhausted {
		return
	}
	seg, ok := l.laps.Segment(int(s.lap))
	if !ok {
		l.exhausted = true
		_ = l.stream.Pause(ctx)
		return
	}
	if pos >= seg.End {
		s.arrive(ctx, i, pos)
		return
	}

	if l.held || l.stream.State() != core.StatePlaying {
		return
	}
	if s.base == nil {
		return
	}
	if _, pending := s.awaiting[i]; pending {
		return
	}
	expected := s.expected(i, seg)
	drift := pos - expected
	if drift < 0 {
		drift = -drift
	}
	if drift > s.cfg.DriftTolerance {
		s.correct(ctx, i, expected, pos)
	}
}

// stateChanged tracks operator pauses on a participating lane. Pauses the synchronizer
// issues itself happen after the lane is marked waiting or exhausted, or after running
// is cleared, so they never reach the hold logic.
func (s *Synchronizer) stateChanged(i int, st core.PlaybackState) {
	l := s.lanes[i]
	if !s.running || !l.active() || l.waiting || l.exhausted {
		return
	}
	switch st {
	case core.StatePlaying:
		if l.held {
			l.held = false
			s.base = nil
			s.log.Debug("stream resumed by operator", "stream", l.id.String())
		}
	case core.StatePaused, core.StateReady:
		if !l.held {
			l.held = true
			s.base = nil
			s.log.Debug("stream held by operator", "stream", l.id.String(), "state", st.String())
		}
	}
}

// speedChanged adopts a rate set directly on one stream as the shared speed.
func (s *Synchronizer) speedChanged(ctx context.Context, i int) {
	l := s.lanes[i]
	if !s.running || !l.active() {
		return
	}
	speed := l.stream.Snapshot().Speed
	if !(speed > 0) || speed == s.speed {
		return
	}
	s.log.Info("shared speed follows stream", "stream", l.id.String(), "speed", speed)
	s.applySpeed(ctx, speed)
}

// arrive parks lane i at its segment end until the quorum advances the lap.
func (s *Synchronizer) arrive(ctx context.Context, i int, pos time.Duration) {
	l := s.lanes[i]
	seg, ok := l.laps.Segment(int(s.lap))
	if !ok {
		l.exhausted = true
		_ = l.stream.Pause(ctx)
		return
	}

	l.waiting = true
	l.held = false
	if err := l.stream.Pause(ctx); err != nil {
		s.log.Debug("pause at boundary rejected", "stream", l.id.String(), "error", err)
	}
	// Overshoot of more than a frame would leak the next lap's first frames on screen.
	if pos-seg.End > l.stream.Snapshot().FrameDuration() {
		s.seek(ctx, i, seg.End)
	}
	s.log.Debug("stream waiting at boundary", "stream", l.id.String(), "lap", s.lap, "position", pos)
	s.emit(ctx, core.Event{Kind: core.EventStreamWaiting, Stream: l.id, Lap: s.lap, Position: pos})
}

// expected is base + elapsed*speed, clamped to the segment end.
func (s *Synchronizer) expected(i int, seg core.LapSegment) time.Duration {
	elapsed := s.clk.Since(s.base.wall)
	exp := s.base.pos[i] + time.Duration(float64(elapsed)*s.speed)
	if exp > seg.End {
		exp = seg.End
	}
	return exp
}

func (s *Synchronizer) correct(ctx context.Context, i int, expected, actual time.Duration) {
	l := s.lanes[i]
	s.seek(ctx, i, expected)

	s.corrections.Add(ctx, 1, s.streamAttr(l))
	sample := core.DriftSample{
		Stream:   l.id,
		Lap:      s.lap,
		Expected: expected,
		Actual:   actual,
		Time:     s.clk.Now(),
	}
	if s.recorder != nil {
		s.recorder.RecordDrift(ctx, sample)
	}
	s.log.Debug("drift corrected", "stream", l.id.String(), "lap", s.lap, "expected", expected, "actual", actual)
	s.emit(ctx, core.Event{
		Kind:     core.EventDriftCorrected,
		Stream:   l.id,
		Lap:      s.lap,
		Position: expected,
		Drift:    sample.Drift(),
	})
}

// seek issues a synchronizer-owned seek on lane i. Its completion re-anchors the clock.
func (s *Synchronizer) seek(ctx context.Context, i int, target time.Duration) {
	l := s.lanes[i]
	if err := l.stream.SeekTo(ctx, target); err != nil {
		s.log.Warn("seek rejected", "stream", l.id.String(), "target", target, "error", err)
		return
	}
	s.awaiting[i] = struct{}{}
}

// seekCompleted takes a fresh baseline once every synchronizer seek has landed. Any
// other completed seek is an operator seek and invalidates the baseline.
func (s *Synchronizer) seekCompleted(i int) {
	if _, ok := s.awaiting[i]; !ok {
		s.base = nil
		return
	}
	delete(s.awaiting, i)
	s.rebaseline()
}

// rebaseline records the baseline now when running and no seek is outstanding;
// otherwise it is left for the next seek completion or tick.
func (s *Synchronizer) rebaseline() {
	if !s.running || len(s.awaiting) > 0 {
		s.base = nil
		return
	}
	b := &baseline{wall: s.clk.Now(), pos: make([]time.Duration, len(s.lanes))}
	for i, l := range s.lanes {
		b.pos[i] = l.stream.Snapshot().Position
	}
	s.base = b
}

func (s *Synchronizer) tick(ctx context.Context) error {
	if !s.running {
		return nil
	}
	if s.base == nil && len(s.awaiting) == 0 {
		s.rebaseline()
	}

	active, arrived := 0, 0
	for _, l := range s.lanes {
		if !l.active() {
			continue
		}
		active++
		if l.waiting || l.exhausted {
			arrived++
		}
	}
	if active == 0 || arrived < active {
		s.publish()
		return nil
	}
	s.advance(ctx)
	return nil
}

// advance moves the shared lap index and releases every waiting stream.
func (s *Synchronizer) advance(ctx context.Context) {
	next := s.lap + 1
	if !s.anyHasLap(next) {
		s.complete(ctx)
		return
	}

	s.lap = next
	s.base = nil
	s.advances.Add(ctx, 1)
	for i, l := range s.lanes {
		if !l.active() {
			continue
		}
		l.waiting = false
		seg, ok := l.laps.Segment(int(next))
		if !ok {
			l.exhausted = true
			continue
		}
		if pos := l.stream.Snapshot().Position; pos < seg.Start || pos-seg.Start > l.stream.Snapshot().FrameDuration() {
			s.seek(ctx, i, seg.Start)
		}
		if err := l.stream.Play(ctx); err != nil {
			s.log.Warn("resume after boundary rejected", "stream", l.id.String(), "error", err)
		}
	}
	s.rebaseline()
	s.publish()

	s.log.Info("lap advanced", "lap", s.lap)
	s.emit(ctx, core.Event{Kind: core.EventLapAdvanced, Lap: s.lap})
}

// complete stops synchronized playback after the last lap.
func (s *Synchronizer) complete(ctx context.Context) {
	s.halt(ctx)
	for _, l := range s.lanes {
		l.waiting = false
		if l.active() {
			l.exhausted = true
		}
	}
	s.publish()
	s.log.Info("synchronized playback complete", "lap", s.lap)
	s.emit(ctx, core.Event{Kind: core.EventSyncCompleted, Lap: s.lap})
}

// degrade drops lane i from the quorum.
func (s *Synchronizer) degrade(ctx context.Context, i int, reason error) {
	l := s.lanes[i]
	l.failed = true
	l.waiting = false
	delete(s.awaiting, i)
	if len(s.awaiting) == 0 && s.base == nil {
		s.rebaseline()
	}

	s.log.Warn("stream dropped out of synchronized playback", "stream", l.id.String(), "error", reason)
	s.emit(ctx, core.Event{
		Kind:   core.EventSyncDegraded,
		Stream: l.id,
		Lap:    s.lap,
		Err:    &core.SyncDegraded{Stream: l.id, Reason: reason},
	})

	for _, other := range s.lanes {
		if other.active() {
			return
		}
	}
	if s.running {
		s.halt(ctx)
		s.emit(ctx, core.Event{Kind: core.EventSyncStopped, Lap: s.lap})
	}
}
