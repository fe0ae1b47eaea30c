// Package compare keeps two to four playback streams moving through equivalent laps
// together on a shared virtual lap clock.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lapsync/engine/internal/dispatcher"
	"github.com/lapsync/engine/pkg/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stream is the controller surface the synchronizer drives.
type Stream interface {
	ID() core.StreamID
	Loop() *dispatcher.Dispatcher
	Subscribe(core.Listener)
	Snapshot() core.TransportSnapshot
	State() core.PlaybackState
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	SeekTo(ctx context.Context, position time.Duration) error
	SetSpeed(ctx context.Context, speed float64) error
}

// LapSource is the read side of a lap model.
type LapSource interface {
	Segment(i int) (core.LapSegment, bool)
	SegmentCount() int
}

// Participant pairs a stream with the lap model that annotates it.
type Participant struct {
	Stream Stream
	Laps   LapSource
}

// DriftRecorder receives one sample per corrective seek.
type DriftRecorder interface {
	RecordDrift(ctx context.Context, sample core.DriftSample)
}

// Config holds synchronizer tunables.
type Config struct {
	// DriftTolerance is the largest |actual - expected| left uncorrected.
	DriftTolerance time.Duration
	// TickInterval is the quorum evaluation period used by Run.
	TickInterval time.Duration
}

// DefaultConfig returns the stock synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		DriftTolerance: 80 * time.Millisecond,
		TickInterval:   33 * time.Millisecond,
	}
}

// Dependencies holds all dependencies for a synchronizer.
type Dependencies struct {
	Logger *slog.Logger
	Clock  clock.Clock
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithDriftRecorder sends every corrective seek to r.
func WithDriftRecorder(r DriftRecorder) Option {
	return func(s *Synchronizer) {
		s.recorder = r
	}
}

// lane is one participant, addressed by index.
type lane struct {
	stream    Stream
	laps      LapSource
	id        core.StreamID
	waiting   bool
	exhausted bool
	failed    bool
	// held is set while the operator has paused or stopped the stream mid-session.
	held bool
}

func (l *lane) active() bool { return !l.failed }

// baseline anchors the virtual lap clock.
type baseline struct {
	wall time.Time
	pos  []time.Duration
}

// LaneStatus is the published view of one lane.
type LaneStatus struct {
	Stream    core.StreamID
	Waiting   bool
	Exhausted bool
	Failed    bool
}

// Status is the published view of the synchronizer.
type Status struct {
	Running    bool
	Lap        uint32
	Speed      float64
	BaselineAt time.Time
	Lanes      []LaneStatus
}

// Synchronizer owns the shared lap index and baseline for its participants. It runs
// on the participants' control loop; all of them must share one.
type Synchronizer struct {
	cfg      Config
	loop     *dispatcher.Dispatcher
	log      *slog.Logger
	clk      clock.Clock
	recorder DriftRecorder

	lanes    []*lane
	running  bool
	lap      uint32
	speed    float64
	base     *baseline
	awaiting map[int]struct{}

	mu        sync.Mutex
	listeners []core.Listener
	status    atomic.Pointer[Status]

	corrections metric.Int64Counter
	advances    metric.Int64Counter
}

// New creates a synchronizer over 2 to core.MaxStreams participants.
func New(cfg Config, deps Dependencies, participants []Participant, opts ...Option) (*Synchronizer, error) {
	if len(participants) < 2 {
		return nil, core.ErrTooFewStreams
	}
	if len(participants) > core.MaxStreams {
		return nil, core.ErrTooManyStreams
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = DefaultConfig().DriftTolerance
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	s := &Synchronizer{
		cfg:      cfg,
		loop:     participants[0].Stream.Loop(),
		log:      deps.Logger,
		clk:      deps.Clock,
		speed:    1,
		awaiting: make(map[int]struct{}),
	}

	seen := make(map[core.StreamID]bool)
	for _, p := range participants {
		if p.Stream == nil || p.Laps == nil {
			return nil, errors.New("compare: participant needs a stream and a lap source")
		}
		id := p.Stream.ID()
		if seen[id] {
			return nil, fmt.Errorf("compare: %s listed twice", id)
		}
		seen[id] = true
		if p.Stream.Loop() != s.loop {
			return nil, fmt.Errorf("compare: %s runs on a different control loop", id)
		}
		s.lanes = append(s.lanes, &lane{stream: p.Stream, laps: p.Laps, id: id})
	}

	for _, opt := range opts {
		opt(s)
	}

	m := meter()
	var err error
	s.corrections, err = m.Int64Counter(
		"lapsync.sync.corrections",
		metric.WithDescription("Corrective seeks issued for drift"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating corrections counter: %w", err)
	}
	s.advances, err = m.Int64Counter(
		"lapsync.sync.lap_advances",
		metric.WithDescription("Shared lap index advances"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating lap advance counter: %w", err)
	}

	for i, l := range s.lanes {
		l.stream.Subscribe(s.streamListener(i))
	}
	s.publish()
	return s, nil
}

// Subscribe registers a listener for synchronizer events.
func (s *Synchronizer) Subscribe(l core.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Status returns the last published status. Safe from any goroutine.
func (s *Synchronizer) Status() Status {
	return *s.status.Load()
}

// Lap returns the shared lap index.
func (s *Synchronizer) Lap() uint32 {
	return s.Status().Lap
}

// Running reports whether synchronized playback is active.
func (s *Synchronizer) Running() bool {
	return s.Status().Running
}

// Waiting reports whether stream id is paused at its lap boundary.
func (s *Synchronizer) Waiting(id core.StreamID) bool {
	for _, l := range s.Status().Lanes {
		if l.Stream == id {
			return l.Waiting
		}
	}
	return false
}

// Start begins or resumes synchronized playback from the shared lap index.
func (s *Synchronizer) Start(ctx context.Context) error {
	return s.loop.Do(ctx, s.start)
}

// Pause pauses every stream and drops the baseline. Lap progress is kept.
func (s *Synchronizer) Pause(ctx context.Context) error {
	return s.loop.Do(ctx, func(ctx context.Context) error {
		if !s.running {
			return nil
		}
		s.halt(ctx)
		s.emit(ctx, core.Event{Kind: core.EventSyncPaused, Lap: s.lap})
		return nil
	})
}

// Stop ends synchronized playback and rewinds the shared lap index to zero.
func (s *Synchronizer) Stop(ctx context.Context) error {
	return s.loop.Do(ctx, func(ctx context.Context) error {
		s.halt(ctx)
		s.lap = 0
		for _, l := range s.lanes {
			l.waiting, l.exhausted = false, false
		}
		s.publish()
		s.emit(ctx, core.Event{Kind: core.EventSyncStopped})
		return nil
	})
}

// SetSpeed changes the shared playback rate on every stream.
func (s *Synchronizer) SetSpeed(ctx context.Context, speed float64) error {
	if !(speed > 0) || math.IsInf(speed, 0) {
		return fmt.Errorf("compare: speed %v: %w", speed, core.ErrInvalidSpeed)
	}
	return s.loop.Do(ctx, func(ctx context.Context) error {
		s.applySpeed(ctx, speed)
		return nil
	})
}

func (s *Synchronizer) applySpeed(ctx context.Context, speed float64) {
	s.speed = speed
	for _, l := range s.lanes {
		if !l.active() {
			continue
		}
		if err := l.stream.SetSpeed(ctx, speed); err != nil {
			s.log.Warn("speed change rejected", "stream", l.id.String(), "error", err)
		}
	}
	s.rebaseline()
	s.publish()
}

// SeekLap moves every stream to offset into lap. Streams without that lap stay paused.
func (s *Synchronizer) SeekLap(ctx context.Context, lap uint32, offset time.Duration) error {
	return s.loop.Do(ctx, func(ctx context.Context) error {
		if !s.anyHasLap(lap) {
			return fmt.Errorf("compare: lap %d: %w", lap, core.ErrNoSegments)
		}
		if offset < 0 {
			offset = 0
		}
		s.lap = lap
		s.base = nil
		for i, l := range s.lanes {
			if !l.active() {
				continue
			}
			l.waiting = false
			seg, ok := l.laps.Segment(int(lap))
			if !ok {
				l.exhausted = true
				_ = l.stream.Pause(ctx)
				continue
			}
			l.exhausted = false
			target := seg.Start + offset
			if target > seg.End {
				target = seg.End
			}
			s.seek(ctx, i, target)
			if s.running {
				_ = l.stream.Play(ctx)
			}
		}
		s.publish()
		s.emit(ctx, core.Event{Kind: core.EventLapAdvanced, Lap: lap})
		return nil
	})
}

// NudgeStream shifts one stream by delta relative to the others.
func (s *Synchronizer) NudgeStream(ctx context.Context, id core.StreamID, delta time.Duration) error {
	return s.loop.Do(ctx, func(ctx context.Context) error {
		i, l := s.laneByID(id)
		if l == nil {
			return fmt.Errorf("compare: %w: %s", core.ErrUnknownStream, id)
		}
		if !l.active() {
			return fmt.Errorf("compare: %s: %w", id, core.ErrInvalidState)
		}
		target := l.stream.Snapshot().Position + delta
		if target < 0 {
			target = 0
		}
		if seg, ok := l.laps.Segment(int(s.lap)); ok && target < seg.End && l.waiting {
			l.waiting = false
			if s.running {
				_ = l.stream.Play(ctx)
			}
		}
		s.base = nil
		s.seek(ctx, i, target)
		s.publish()
		return nil
	})
}

// Tick evaluates the boundary quorum once. Simultaneous arrivals since the previous
// tick therefore advance together.
func (s *Synchronizer) Tick(ctx context.Context) error {
	return s.loop.Do(ctx, s.tick)
}

// Run calls Tick every TickInterval until ctx is done or the loop stops.
func (s *Synchronizer) Run(ctx context.Context) error {
	t := s.clk.Ticker(s.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.Tick(ctx); err != nil {
				if errors.Is(err, core.ErrStopped) {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Synchronizer) start(ctx context.Context) error {
	if s.running {
		return nil
	}

	for _, l := range s.lanes {
		l.failed = l.stream.State() == core.StateFailed
	}
	active := 0
	for _, l := range s.lanes {
		if !l.active() {
			continue
		}
		active++
		if l.laps.SegmentCount() == 0 {
			return fmt.Errorf("compare: %s: %w", l.id, core.ErrNoSegments)
		}
	}
	if active == 0 {
		return fmt.Errorf("compare: every stream failed: %w", core.ErrInvalidState)
	}
	if !s.anyHasLap(s.lap) {
		s.lap = 0
		for _, l := range s.lanes {
			l.waiting, l.exhausted = false, false
		}
	}

	s.running = true
	s.base = nil
	for _, l := range s.lanes {
		l.held = false
	}
	for i, l := range s.lanes {
		if !l.active() {
			continue
		}
		seg, ok := l.laps.Segment(int(s.lap))
		if !ok {
			l.exhausted = true
			continue
		}
		l.exhausted = false
		if l.waiting {
			continue
		}
		if err := l.stream.SetSpeed(ctx, s.speed); err != nil {
			s.log.Warn("speed change rejected", "stream", l.id.String(), "error", err)
		}
		if pos := l.stream.Snapshot().Position; !seg.Contains(pos) {
			s.seek(ctx, i, seg.Start)
		}
		if err := l.stream.Play(ctx); err != nil {
			s.degrade(ctx, i, err)
			continue
		}
	}
	s.rebaseline()
	s.publish()

	s.log.Info("synchronized playback started", "lap", s.lap, "speed", s.speed)
	s.emit(ctx, core.Event{Kind: core.EventSyncStarted, Lap: s.lap})
	return nil
}

// halt pauses every stream and drops the baseline and outstanding corrections.
func (s *Synchronizer) halt(ctx context.Context) {
	s.running = false
	s.base = nil
	clear(s.awaiting)
	for _, l := range s.lanes {
		l.held = false
		if l.active() {
			_ = l.stream.Pause(ctx)
		}
	}
	s.publish()
}

func (s *Synchronizer) anyHasLap(lap uint32) bool {
	for _, l := range s.lanes {
		if !l.active() {
			continue
		}
		if _, ok := l.laps.Segment(int(lap)); ok {
			return true
		}
	}
	return false
}

func (s *Synchronizer) laneByID(id core.StreamID) (int, *lane) {
	for i, l := range s.lanes {
		if l.id == id {
			return i, l
		}
	}
	return -1, nil
}

func (s *Synchronizer) publish() {
	st := &Status{
		Running: s.running,
		Lap:     s.lap,
		Speed:   s.speed,
		Lanes:   make([]LaneStatus, len(s.lanes)),
	}
	if s.base != nil {
		st.BaselineAt = s.base.wall
	}
	for i, l := range s.lanes {
		st.Lanes[i] = LaneStatus{Stream: l.id, Waiting: l.waiting, Exhausted: l.exhausted, Failed: l.failed}
	}
	s.status.Store(st)
}

func (s *Synchronizer) emit(ctx context.Context, ev core.Event) {
	ev.Time = s.clk.Now()

	s.mu.Lock()
	listeners := append([]core.Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(ctx, ev)
	}
}

func (s *Synchronizer) streamAttr(l *lane) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stream", l.id.String()))
}
