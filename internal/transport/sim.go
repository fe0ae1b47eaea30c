package transport

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lapsync/engine/pkg/core"
)

// SimConfig describes a simulated media source.
type SimConfig struct {
	Duration  time.Duration
	FrameRate float64

	// ManualSeeks holds seek completions until CompleteSeek is called.
	ManualSeeks bool
	// DeferReady holds the ready notification until Ready is called.
	DeferReady bool
	// LoadError is returned synchronously from Load.
	LoadError error
	// Skew makes the simulated clock run fast (>0) or slow (<0); 0.01 is 1% fast.
	Skew float64
}

type pendingSeek struct {
	target time.Duration
	done   func(time.Duration)
}

// Sim is a deterministic in-process Transport. Time only moves when Advance is called
// (or Run drives it from a clock), which makes controller and synchronizer behaviour
// reproducible in tests and in the simulate command.
type Sim struct {
	mu  sync.Mutex
	cfg SimConfig
	cb  Callbacks

	source   string
	loaded   bool
	playing  bool
	muted    bool
	speed    float64
	position time.Duration

	pending     []pendingSeek
	seekCount   int
	maxInFlight int
	steps       int
}

// NewSim creates a simulated transport.
func NewSim(cfg SimConfig) *Sim {
	if cfg.FrameRate < 0 {
		cfg.FrameRate = 0
	}
	return &Sim{cfg: cfg, speed: 1}
}

// SetCallbacks implements Transport.
func (s *Sim) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// Load implements Transport.
func (s *Sim) Load(source string) error {
	s.mu.Lock()
	if s.cfg.LoadError != nil {
		err := s.cfg.LoadError
		s.mu.Unlock()
		return err
	}
	s.source = source
	s.loaded = true
	s.playing = false
	s.position = 0
	s.pending = nil
	deferReady := s.cfg.DeferReady
	s.mu.Unlock()

	if !deferReady {
		s.Ready()
	}
	return nil
}

// Ready raises the ready notification with the configured duration and frame rate.
func (s *Sim) Ready() {
	s.mu.Lock()
	cb := s.cb.OnReady
	d, fps := s.cfg.Duration, s.cfg.FrameRate
	s.mu.Unlock()
	if cb != nil {
		cb(d, fps)
	}
}

// Play implements Transport.
func (s *Sim) Play() {
	s.mu.Lock()
	s.playing = s.loaded && s.position < s.cfg.Duration
	s.mu.Unlock()
}

// Pause implements Transport.
func (s *Sim) Pause() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

// Stop implements Transport.
func (s *Sim) Stop() {
	s.mu.Lock()
	s.playing = false
	s.position = 0
	s.mu.Unlock()
}

// Seek implements Transport.
func (s *Sim) Seek(position time.Duration, done func(time.Duration)) {
	s.mu.Lock()
	s.seekCount++
	s.pending = append(s.pending, pendingSeek{target: s.clamp(position), done: done})
	if len(s.pending) > s.maxInFlight {
		s.maxInFlight = len(s.pending)
	}
	manual := s.cfg.ManualSeeks
	s.mu.Unlock()

	if !manual {
		s.CompleteSeek()
	}
}

// CompleteSeek finishes the oldest pending seek. It returns false if none is pending.
func (s *Sim) CompleteSeek() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	s.position = p.target
	s.mu.Unlock()

	if p.done != nil {
		p.done(p.target)
	}
	return true
}

// StepFrame implements Transport. Positions snap to the frame grid.
func (s *Sim) StepFrame(dir core.Direction, done func(time.Duration)) {
	s.mu.Lock()
	frame := core.FrameDuration(s.cfg.FrameRate)
	idx := (s.position + frame/2) / frame
	s.position = s.clamp((idx + time.Duration(dir)) * frame)
	s.playing = false
	s.steps++
	pos := s.position
	s.mu.Unlock()

	if done != nil {
		done(pos)
	}
}

// SetSpeed implements Transport.
func (s *Sim) SetSpeed(speed float64) {
	s.mu.Lock()
	s.speed = speed
	s.mu.Unlock()
}

// SetMuted implements Transport.
func (s *Sim) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Advance moves simulated time forward by wall and raises a position tick. When the
// position reaches the duration playback stops and the ended notification follows.
func (s *Sim) Advance(wall time.Duration) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return
	}
	ended := false
	if s.playing {
		step := time.Duration(float64(wall) * s.speed * (1 + s.cfg.Skew))
		s.position = s.clamp(s.position + step)
		if s.position >= s.cfg.Duration {
			s.playing = false
			ended = true
		}
	}
	pos := s.position
	tick, end := s.cb.OnPositionTick, s.cb.OnEnded
	s.mu.Unlock()

	if tick != nil {
		tick(pos)
	}
	if ended && end != nil {
		end()
	}
}

// Jump moves the position without a tick, e.g. to model a backend that stalled.
func (s *Sim) Jump(position time.Duration) {
	s.mu.Lock()
	s.position = s.clamp(position)
	s.mu.Unlock()
}

// Fail raises an asynchronous transport error.
func (s *Sim) Fail(err error) {
	s.mu.Lock()
	s.playing = false
	cb := s.cb.OnError
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Run advances the simulation every interval on clk until ctx is done.
func (s *Sim) Run(ctx context.Context, clk clock.Clock, interval time.Duration) {
	t := clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Advance(interval)
		}
	}
}

func (s *Sim) clamp(p time.Duration) time.Duration {
	if p < 0 {
		return 0
	}
	if s.cfg.Duration > 0 && p > s.cfg.Duration {
		return s.cfg.Duration
	}
	return p
}

// Position returns the simulated position.
func (s *Sim) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Playing reports whether the simulated backend is advancing.
func (s *Sim) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Speed returns the last speed applied by the controller.
func (s *Sim) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Muted returns the last mute flag applied by the controller.
func (s *Sim) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SeekCount is the number of seeks issued to the backend.
func (s *Sim) SeekCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seekCount
}

// PendingSeeks is the number of seeks not yet completed.
func (s *Sim) PendingSeeks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// MaxInFlightSeeks is the highest number of simultaneously pending seeks observed.
func (s *Sim) MaxInFlightSeeks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Steps is the number of native frame steps performed.
func (s *Sim) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

var _ Transport = (*Sim)(nil)
