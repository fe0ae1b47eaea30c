// Package session wires one to four playback streams, their lap models, and (for two
// or more streams) a comparison synchronizer onto a single control loop. It is the
// surface the CLI and any embedding UI talk to.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/lapsync/engine/internal/channel"
	"github.com/lapsync/engine/internal/compare"
	"github.com/lapsync/engine/internal/dispatcher"
	"github.com/lapsync/engine/internal/laps"
	"github.com/lapsync/engine/internal/playback"
	"github.com/lapsync/engine/internal/report"
	"github.com/lapsync/engine/internal/storage"
	"github.com/lapsync/engine/internal/transport"
	"github.com/lapsync/engine/pkg/core"
)

// ErrNoStorage is returned by ExportReport when the session has no storage backend.
var ErrNoStorage = errors.New("no report storage configured")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Config holds the tunables of every component in a session.
type Config struct {
	// ID names the session; a random UUID is used when empty.
	ID       string
	Playback playback.Config
	Laps     laps.Config
	Sync     compare.Config
	// EventBuffer is the capacity of the outward event channel.
	EventBuffer int
}

// DefaultConfig returns the stock session configuration.
func DefaultConfig() Config {
	return Config{
		Playback:    playback.DefaultConfig(),
		Laps:        laps.DefaultConfig(),
		Sync:        compare.DefaultConfig(),
		EventBuffer: 256,
	}
}

// Dependencies holds all dependencies for a session. Only Logger is required.
type Dependencies struct {
	Logger *slog.Logger
	// LoopLogger receives control loop diagnostics; Logger is used when nil.
	LoopLogger dispatcher.Logger
	Clock      clock.Clock
	Storage    storage.Backend
	Drift      compare.DriftRecorder
}

// StreamSpec describes one stream slot.
type StreamSpec struct {
	ID        core.StreamID
	Label     string
	Source    string
	Transport transport.Transport
}

type slot struct {
	spec  StreamSpec
	ctrl  *playback.Controller
	model *laps.Model
}

// Session is a review session over its streams.
type Session struct {
	id   string
	cfg  Config
	deps Dependencies
	log  *slog.Logger
	clk  clock.Clock

	loop  *dispatcher.Dispatcher
	slots []*slot
	sync  *compare.Synchronizer

	events  channel.Channel[core.Event]
	dropped atomic.Uint64

	mu      sync.Mutex
	runStop context.CancelFunc
	runDone chan struct{}
	closed  bool
}

// New builds a session. Two or more streams get a synchronizer; a single stream is
// reviewed on its own.
func New(cfg Config, deps Dependencies, specs ...StreamSpec) (*Session, error) {
	if deps.Logger == nil {
		return nil, errors.New("session: logger is required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("session: %w", core.ErrTooFewStreams)
	}
	if len(specs) > core.MaxStreams {
		return nil, fmt.Errorf("session: %w", core.ErrTooManyStreams)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With("session", id),
		clk:    deps.Clock,
		events: channel.New[core.Event](cfg.EventBuffer),
	}

	var loopLog dispatcher.Logger = s.log
	if deps.LoopLogger != nil {
		loopLog = deps.LoopLogger
	}
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	loop, err := dispatcher.New("session-"+short, loopLog)
	if err != nil {
		return nil, fmt.Errorf("session: creating control loop: %w", err)
	}
	s.loop = loop

	for _, spec := range specs {
		if spec.Transport == nil {
			return nil, fmt.Errorf("session: %s has no transport", spec.ID)
		}
		ctrl, err := playback.New(spec.ID, cfg.Playback, playback.Dependencies{
			Loop:      loop,
			Transport: spec.Transport,
			Logger:    s.log,
			Clock:     s.clk,
		})
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		ctrl.Subscribe(s.forward)
		if spec.Label == "" {
			spec.Label = spec.ID.String()
		}
		s.slots = append(s.slots, &slot{spec: spec, ctrl: ctrl, model: laps.New(cfg.Laps)})
	}

	if len(s.slots) > 1 {
		participants := make([]compare.Participant, len(s.slots))
		for i, sl := range s.slots {
			participants[i] = compare.Participant{Stream: sl.ctrl, Laps: sl.model}
		}
		var opts []compare.Option
		if deps.Drift != nil {
			opts = append(opts, compare.WithDriftRecorder(deps.Drift))
		}
		s.sync, err = compare.New(cfg.Sync, compare.Dependencies{Logger: s.log, Clock: s.clk}, participants, opts...)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.sync.Subscribe(s.forward)
	}

	loop.Start()
	s.log.Info("session created", "streams", len(s.slots), "synchronized", s.sync != nil)
	return s, nil
}

// forward copies events to the outward channel without ever blocking the loop.
func (s *Session) forward(_ context.Context, ev core.Event) {
	if !s.events.TrySend(ev) {
		s.dropped.Add(1)
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Loop returns the session's control loop.
func (s *Session) Loop() *dispatcher.Dispatcher { return s.loop }

// Events streams every controller and synchronizer event.
func (s *Session) Events() channel.Receiver[core.Event] { return s.events }

// DroppedEvents counts events lost because the channel was full.
func (s *Session) DroppedEvents() uint64 { return s.dropped.Load() }

// StreamIDs lists the slots in creation order.
func (s *Session) StreamIDs() []core.StreamID {
	ids := make([]core.StreamID, len(s.slots))
	for i, sl := range s.slots {
		ids[i] = sl.spec.ID
	}
	return ids
}

func (s *Session) lookup(id core.StreamID) (*slot, error) {
	for _, sl := range s.slots {
		if sl.spec.ID == id {
			return sl, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", core.ErrUnknownStream, id)
}

// Stream returns the playback controller of a slot.
func (s *Session) Stream(id core.StreamID) (*playback.Controller, error) {
	sl, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return sl.ctrl, nil
}

// Laps returns the lap model of a slot.
func (s *Session) Laps(id core.StreamID) (*laps.Model, error) {
	sl, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return sl.model, nil
}

// Label returns the display label of a slot.
func (s *Session) Label(id core.StreamID) string {
	sl, err := s.lookup(id)
	if err != nil {
		return id.String()
	}
	return sl.spec.Label
}

// Synchronizer returns the comparison synchronizer, or nil for a single stream.
func (s *Session) Synchronizer() *compare.Synchronizer { return s.sync }

// Load opens every slot's source.
func (s *Session) Load(ctx context.Context) error {
	for _, sl := range s.slots {
		if err := sl.ctrl.Load(ctx, sl.spec.Source); err != nil {
			return err
		}
	}
	return nil
}

// position reads the controller's position on the loop, after any queued callbacks.
func (s *Session) position(ctx context.Context, sl *slot) (time.Duration, error) {
	var pos time.Duration
	err := s.loop.Do(ctx, func(context.Context) error {
		pos = sl.ctrl.Position()
		return nil
	})
	return pos, err
}

// markAt applies a lap model edit at the current playback position of a slot.
func (s *Session) markAt(ctx context.Context, id core.StreamID, edit func(*laps.Model, time.Duration) error) (time.Duration, error) {
	sl, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	pos, err := s.position(ctx, sl)
	if err != nil {
		return 0, err
	}
	return pos, edit(sl.model, pos)
}

// MarkSplitStart sets the split start at the stream's current position.
func (s *Session) MarkSplitStart(ctx context.Context, id core.StreamID) (time.Duration, error) {
	return s.markAt(ctx, id, (*laps.Model).MarkStart)
}

// MarkSplitEnd sets the split end at the stream's current position.
func (s *Session) MarkSplitEnd(ctx context.Context, id core.StreamID) (time.Duration, error) {
	return s.markAt(ctx, id, (*laps.Model).MarkEnd)
}

// AddInteriorMark adds a lap boundary at the stream's current position.
func (s *Session) AddInteriorMark(ctx context.Context, id core.StreamID) (time.Duration, error) {
	return s.markAt(ctx, id, (*laps.Model).AddInteriorMark)
}

// ArmAssisted starts an assisted (live tap) session for lapCount laps.
func (s *Session) ArmAssisted(id core.StreamID, lapCount uint32) error {
	sl, err := s.lookup(id)
	if err != nil {
		return err
	}
	return sl.model.ArmAssisted(lapCount)
}

// Tap records a lap end at the stream's current position. finalized is true once the
// last lap has been tapped.
func (s *Session) Tap(ctx context.Context, id core.StreamID) (pos time.Duration, finalized bool, err error) {
	sl, err := s.lookup(id)
	if err != nil {
		return 0, false, err
	}
	pos, err = s.position(ctx, sl)
	if err != nil {
		return 0, false, err
	}
	finalized, err = sl.model.RecordTap(pos)
	if finalized {
		s.log.Info("assisted split finalized", "stream", id.String(), "laps", sl.model.SegmentCount())
	}
	return pos, finalized, err
}

// CancelAssisted abandons an armed assisted session.
func (s *Session) CancelAssisted(id core.StreamID) (bool, error) {
	sl, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	return sl.model.CancelAssisted(), nil
}

// BuildSplitReport formats the stream's lap segments.
func (s *Session) BuildSplitReport(id core.StreamID) ([]core.ReportRow, error) {
	sl, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return report.BuildFrom(sl.model, report.DefaultLabel), nil
}

// ExportReport builds the stream's report and saves it to the storage backend.
func (s *Session) ExportReport(ctx context.Context, id core.StreamID) (*core.SplitReport, error) {
	if s.deps.Storage == nil {
		return nil, ErrNoStorage
	}
	rows, err := s.BuildSplitReport(id)
	if err != nil {
		return nil, err
	}
	r := &core.SplitReport{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Stream:    id,
		Rows:      rows,
		CreatedAt: s.clk.Now(),
	}
	if err := s.deps.Storage.SaveReport(ctx, r); err != nil {
		return nil, fmt.Errorf("exporting report for %s: %w", id, err)
	}
	s.log.Info("report exported", "stream", id.String(), "report", r.ID, "laps", len(rows))
	return r, nil
}

func (s *Session) requireSync() error {
	if s.sync == nil {
		return fmt.Errorf("synchronized playback: %w", core.ErrTooFewStreams)
	}
	return nil
}

// StartSynced starts synchronized playback and its tick driver.
func (s *Session) StartSynced(ctx context.Context) error {
	if err := s.requireSync(); err != nil {
		return err
	}
	if err := s.sync.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.runStop == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.runStop, s.runDone = cancel, done
		go func() {
			defer close(done)
			if err := s.sync.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("tick driver stopped", "error", err)
			}
		}()
	}
	return nil
}

// PauseSynced pauses synchronized playback, keeping lap progress.
func (s *Session) PauseSynced(ctx context.Context) error {
	if err := s.requireSync(); err != nil {
		return err
	}
	return s.sync.Pause(ctx)
}

// StopSynced stops synchronized playback and its tick driver.
func (s *Session) StopSynced(ctx context.Context) error {
	if err := s.requireSync(); err != nil {
		return err
	}
	s.stopDriver()
	return s.sync.Stop(ctx)
}

func (s *Session) stopDriver() {
	s.mu.Lock()
	stop, done := s.runStop, s.runDone
	s.runStop, s.runDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// LogAttrs reports the session's dynamic logging attributes.
func (s *Session) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("session", s.id)}
	if s.sync != nil {
		st := s.sync.Status()
		attrs = append(attrs, slog.Bool("synced", st.Running), slog.Uint64("lap", uint64(st.Lap)))
	}
	return attrs
}

// Close stops the tick driver and the control loop, then closes the event channel.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stopDriver()
	s.loop.Stop()
	s.events.Close()
	s.log.Info("session closed", "droppedEvents", s.dropped.Load())
}
