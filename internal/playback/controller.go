// Package playback implements the per-stream Playback Controller: a state machine over
// one transport with coalesced seeks and tick suppression while a seek is in flight.
package playback

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
	"github.com/lapsync/engine/internal/transport"
	"github.com/lapsync/engine/pkg/core"
)

const (
	cmdReady  = "ready"
	cmdTick   = "tick"
	cmdEnded  = "ended"
	cmdError  = "error"
	cmdOpDone = "op_done"
)

// Config holds controller tunables.
type Config struct {
	// NearEndThreshold: Play within this distance of the end restarts from zero,
	// because some backends refuse to resume from an at-end position.
	NearEndThreshold time.Duration
	// DefaultFrameRate is used until the transport reports a detected rate.
	DefaultFrameRate float64
}

// DefaultConfig returns the stock controller configuration.
func DefaultConfig() Config {
	return Config{
		NearEndThreshold: 500 * time.Millisecond,
		DefaultFrameRate: core.DefaultFrameRate,
	}
}

// Dependencies holds all dependencies for a controller.
type Dependencies struct {
	Loop      *dispatcher.Dispatcher
	Transport transport.Transport
	Logger    *slog.Logger
	Clock     clock.Clock
}

type opKind uint8

const (
	opSeek opKind = iota
	opStep
)

// operation is the single in-flight seek or frame step. While one is set the controller
// is in StateSeeking and position ticks are suppressed until the completion carrying
// its id arrives; results with any other id are stale and dropped.
type operation struct {
	id     uint64
	kind   opKind
	target time.Duration
	dir    core.Direction
	resume core.PlaybackState
}

type opResult struct {
	id       uint64
	position time.Duration
}

type readyInfo struct {
	duration  time.Duration
	frameRate float64
}

// Controller owns one transport and its playback state. All state below the loop
// field is touched only on the loop goroutine.
type Controller struct {
	id   core.StreamID
	cfg  Config
	loop *dispatcher.Dispatcher
	tr   transport.Transport
	log  *slog.Logger
	clk  clock.Clock

	state      core.PlaybackState
	source     string
	position   time.Duration
	duration   time.Duration
	frameRate  float64
	speed      float64
	applied    float64
	muted      bool
	running    bool
	inflight   *operation
	pending    time.Duration
	hasPending bool
	nextOp     uint64
	reported   bool

	mu        sync.Mutex
	listeners []core.Listener

	snap      atomic.Pointer[core.TransportSnapshot]
	stateView atomic.Uint32
}

// New creates a controller for stream id and registers its transport handlers on the
// loop. Several controllers may share one loop as long as their ids differ.
func New(id core.StreamID, cfg Config, deps Dependencies) (*Controller, error) {
	if deps.Loop == nil || deps.Transport == nil {
		return nil, errors.New("playback: loop and transport are required")
	}
	if !id.Valid() {
		return nil, fmt.Errorf("playback: %w: %d", core.ErrUnknownStream, id)
	}
	if cfg.DefaultFrameRate <= 0 {
		cfg.DefaultFrameRate = core.DefaultFrameRate
	}
	if cfg.NearEndThreshold < 0 {
		cfg.NearEndThreshold = 0
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	c := &Controller{
		id:        id,
		cfg:       cfg,
		loop:      deps.Loop,
		tr:        deps.Transport,
		log:       deps.Logger.With("stream", id.String()),
		clk:       deps.Clock,
		frameRate: cfg.DefaultFrameRate,
		speed:     1,
		applied:   1,
	}

	handlers := map[string]dispatcher.HandlerFunc{
		cmdReady:  c.handleReady,
		cmdTick:   c.handleTick,
		cmdEnded:  c.handleEnded,
		cmdError:  c.handleError,
		cmdOpDone: c.handleOpDone,
	}
	for name := range handlers {
		if c.loop.HasHandler(c.command(name)) {
			return nil, fmt.Errorf("playback: %s already registered on loop %s", id, c.loop.Name())
		}
	}
	for name, h := range handlers {
		c.loop.Register(c.command(name), h)
	}

	c.tr.SetCallbacks(transport.Callbacks{
		OnReady: func(d time.Duration, fps float64) {
			c.post(cmdReady, readyInfo{duration: d, frameRate: fps})
		},
		OnPositionTick: func(p time.Duration) { c.post(cmdTick, p) },
		OnEnded:        func() { c.post(cmdEnded, nil) },
		OnError:        func(err error) { c.post(cmdError, err) },
	})

	c.publish()
	return c, nil
}

func (c *Controller) command(name string) string {
	return c.id.String() + "/" + name
}

// post marshals a transport callback onto the loop.
func (c *Controller) post(name string, payload any) {
	if err := c.loop.Post(dispatcher.Event{Command: c.command(name), Payload: payload}); err != nil {
		c.log.Debug("dropping transport callback", "command", name, "error", err)
	}
}

// ID returns the stream slot this controller drives.
func (c *Controller) ID() core.StreamID {
	return c.id
}

// Loop returns the control loop the controller runs on.
func (c *Controller) Loop() *dispatcher.Dispatcher {
	return c.loop
}

// Subscribe registers a listener for controller events.
func (c *Controller) Subscribe(l core.Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// State returns the last published playback state. Safe from any goroutine.
func (c *Controller) State() core.PlaybackState {
	return core.PlaybackState(c.stateView.Load())
}

// Snapshot returns the last published transport snapshot. Safe from any goroutine.
func (c *Controller) Snapshot() core.TransportSnapshot {
	return *c.snap.Load()
}

// Position returns the last published position.
func (c *Controller) Position() time.Duration { return c.Snapshot().Position }

// Duration returns the media duration, zero until ready.
func (c *Controller) Duration() time.Duration { return c.Snapshot().Duration }

// FrameRate returns the detected or default frame rate.
func (c *Controller) FrameRate() float64 { return c.Snapshot().FrameRate }

// IsPlaying reports whether the transport is running.
func (c *Controller) IsPlaying() bool { return c.Snapshot().IsPlaying }

// Speed returns the requested playback rate.
func (c *Controller) Speed() float64 { return c.Snapshot().Speed }

// Load opens source. The controller becomes Ready once the transport reports it.
func (c *Controller) Load(ctx context.Context, source string) error {
	return c.loop.Do(ctx, func(ctx context.Context) error { return c.load(ctx, source) })
}

// Play starts or resumes playback.
func (c *Controller) Play(ctx context.Context) error {
	return c.loop.Do(ctx, c.play)
}

// Pause pauses playback.
func (c *Controller) Pause(ctx context.Context) error {
	return c.loop.Do(ctx, c.pause)
}

// Stop halts playback and rewinds to zero.
func (c *Controller) Stop(ctx context.Context) error {
	return c.loop.Do(ctx, c.stop)
}

// SeekTo requests a seek. Requests issued while another seek is in flight replace a
// single pending target; the last one wins.
func (c *Controller) SeekTo(ctx context.Context, position time.Duration) error {
	return c.loop.Do(ctx, func(ctx context.Context) error { return c.seekTo(ctx, position) })
}

// StepFrame pauses and moves exactly one frame in dir.
func (c *Controller) StepFrame(ctx context.Context, dir core.Direction) error {
	return c.loop.Do(ctx, func(ctx context.Context) error { return c.stepFrame(ctx, dir) })
}

// StepForward moves one frame forward.
func (c *Controller) StepForward(ctx context.Context) error {
	return c.StepFrame(ctx, core.Forward)
}

// StepBackward moves one frame backward.
func (c *Controller) StepBackward(ctx context.Context) error {
	return c.StepFrame(ctx, core.Backward)
}

// SetSpeed sets the playback rate. It applies now when playing, otherwise on the next Play.
func (c *Controller) SetSpeed(ctx context.Context, speed float64) error {
	return c.loop.Do(ctx, func(ctx context.Context) error { return c.setSpeed(ctx, speed) })
}

// SetMuted mutes or unmutes audio.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	return c.loop.Do(ctx, func(ctx context.Context) error {
		c.muted = muted
		c.tr.SetMuted(muted)
		return nil
	})
}

func (c *Controller) load(ctx context.Context, source string) error {
	c.inflight, c.hasPending = nil, false
	c.running = false
	c.position, c.duration = 0, 0
	c.frameRate = c.cfg.DefaultFrameRate
	c.source = source
	c.reported = false

	if err := c.tr.Load(source); err != nil {
		terr := &core.TransportError{Stream: c.id, Op: "load", Err: err}
		c.fail(ctx, terr)
		return terr
	}
	c.log.Debug("loading source", "source", source)
	c.setState(ctx, core.StateLoading)
	return nil
}

func (c *Controller) play(ctx context.Context) error {
	switch c.state {
	case core.StatePlaying:
		return nil
	case core.StateSeeking:
		c.inflight.resume = core.StatePlaying
		return nil
	case core.StateReady, core.StatePaused, core.StateEnded:
		if c.nearEnd() {
			c.log.Debug("play near end, restarting from zero", "position", c.position, "duration", c.duration)
			c.begin(ctx, &operation{kind: opSeek, target: 0, resume: core.StatePlaying})
			return nil
		}
		c.startTransport()
		c.setState(ctx, core.StatePlaying)
		return nil
	default:
		return fmt.Errorf("%s: play while %s: %w", c.id, c.state, core.ErrInvalidState)
	}
}

func (c *Controller) pause(ctx context.Context) error {
	switch c.state {
	case core.StatePlaying:
		c.stopTransport()
		c.setState(ctx, core.StatePaused)
	case core.StateSeeking:
		c.stopTransport()
		if c.inflight.resume == core.StatePlaying {
			c.inflight.resume = core.StatePaused
		}
	case core.StateReady, core.StatePaused, core.StateEnded:
	default:
		return fmt.Errorf("%s: pause while %s: %w", c.id, c.state, core.ErrInvalidState)
	}
	return nil
}

func (c *Controller) stop(ctx context.Context) error {
	switch c.state {
	case core.StateIdle, core.StateLoading, core.StateFailed:
		return fmt.Errorf("%s: stop while %s: %w", c.id, c.state, core.ErrInvalidState)
	}
	if c.inflight != nil {
		c.log.Debug("stop abandons in-flight operation", "op", c.inflight.id)
	}
	c.tr.Stop()
	c.running = false
	c.inflight, c.hasPending = nil, false
	c.position = 0
	c.setState(ctx, core.StateReady)
	c.emit(ctx, core.Event{Kind: core.EventPositionChanged, Position: 0})
	return nil
}

func (c *Controller) seekTo(ctx context.Context, target time.Duration) error {
	target = c.clamp(target)
	switch c.state {
	case core.StateSeeking:
		c.pending, c.hasPending = target, true
		return nil
	case core.StateReady, core.StatePlaying, core.StatePaused, core.StateEnded:
		resume := c.state
		if resume == core.StateEnded {
			resume = core.StatePaused
		}
		c.begin(ctx, &operation{kind: opSeek, target: target, resume: resume})
		return nil
	default:
		return fmt.Errorf("%s: seek while %s: %w", c.id, c.state, core.ErrInvalidState)
	}
}

func (c *Controller) stepFrame(ctx context.Context, dir core.Direction) error {
	switch c.state {
	case core.StatePlaying:
		c.stopTransport()
	case core.StateReady, core.StatePaused, core.StateEnded:
	case core.StateSeeking:
		return fmt.Errorf("%s: step: %w", c.id, core.ErrSeekInFlight)
	default:
		return fmt.Errorf("%s: step while %s: %w", c.id, c.state, core.ErrInvalidState)
	}
	c.begin(ctx, &operation{kind: opStep, dir: dir, resume: core.StatePaused})
	return nil
}

func (c *Controller) setSpeed(ctx context.Context, speed float64) error {
	if !(speed > 0) || math.IsInf(speed, 0) {
		return fmt.Errorf("%s: speed %v: %w", c.id, speed, core.ErrInvalidSpeed)
	}
	if speed == c.speed {
		return nil
	}
	c.speed = speed
	if c.running {
		c.tr.SetSpeed(speed)
		c.applied = speed
	}
	c.publish()
	c.emit(ctx, core.Event{Kind: core.EventSpeedChanged})
	return nil
}

// begin issues op to the transport and enters Seeking.
func (c *Controller) begin(ctx context.Context, op *operation) {
	c.nextOp++
	op.id = c.nextOp
	c.inflight = op
	c.setState(ctx, core.StateSeeking)

	id := op.id
	done := func(p time.Duration) {
		c.post(cmdOpDone, opResult{id: id, position: p})
	}
	if op.kind == opStep {
		c.tr.StepFrame(op.dir, done)
	} else {
		c.tr.Seek(op.target, done)
	}
}

func (c *Controller) handleOpDone(ctx context.Context, e dispatcher.Event) error {
	res := e.Payload.(opResult)
	op := c.inflight
	if op == nil || op.id != res.id {
		c.log.Debug("discarding stale operation result", "op", res.id, "position", res.position)
		return nil
	}

	c.inflight = nil
	c.position = res.position

	if c.hasPending {
		target := c.pending
		c.hasPending = false
		c.begin(ctx, &operation{kind: opSeek, target: target, resume: op.resume})
		return nil
	}

	if op.resume == core.StatePlaying && !c.running {
		c.startTransport()
	}
	c.setState(ctx, op.resume)
	if op.kind == opSeek {
		c.emit(ctx, core.Event{Kind: core.EventSeekCompleted, Position: c.position})
	}
	c.emit(ctx, core.Event{Kind: core.EventPositionChanged, Position: c.position})
	return nil
}

func (c *Controller) handleReady(ctx context.Context, e dispatcher.Event) error {
	info := e.Payload.(readyInfo)
	if c.state != core.StateLoading {
		c.log.Debug("ignoring ready outside loading", "state", c.state.String())
		return nil
	}
	c.duration = info.duration
	if info.frameRate > 0 {
		c.frameRate = info.frameRate
	}
	c.position = 0
	c.setState(ctx, core.StateReady)
	c.log.Info("media opened", "source", c.source, "duration", c.duration, "frameRate", c.frameRate)
	c.emit(ctx, core.Event{Kind: core.EventMediaOpened, Duration: c.duration, FrameRate: c.frameRate})
	return nil
}

func (c *Controller) handleTick(ctx context.Context, e dispatcher.Event) error {
	switch c.state {
	case core.StateReady, core.StatePlaying, core.StatePaused, core.StateEnded:
	default:
		// Seeking: suppressed until the in-flight operation completes.
		return nil
	}
	c.position = e.Payload.(time.Duration)
	c.publish()
	c.emit(ctx, core.Event{Kind: core.EventPositionChanged, Position: c.position})
	return nil
}

func (c *Controller) handleEnded(ctx context.Context, e dispatcher.Event) error {
	if c.state != core.StatePlaying {
		return nil
	}
	c.running = false
	if c.duration > 0 {
		c.position = c.duration
	}
	c.setState(ctx, core.StateEnded)
	c.emit(ctx, core.Event{Kind: core.EventMediaEnded, Position: c.position})
	return nil
}

func (c *Controller) handleError(ctx context.Context, e dispatcher.Event) error {
	err, _ := e.Payload.(error)
	switch c.state {
	case core.StateIdle, core.StateFailed:
		c.log.Debug("transport error without a loaded source ignored", "state", c.state.String(), "error", err)
		return nil
	}
	c.fail(ctx, &core.TransportError{Stream: c.id, Op: "decode", Err: err})
	return nil
}

// fail moves to Failed and reports err once per load. There is no retry.
func (c *Controller) fail(ctx context.Context, err error) {
	if c.reported {
		return
	}
	c.reported = true
	c.inflight, c.hasPending = nil, false
	c.running = false
	c.setState(ctx, core.StateFailed)
	c.log.Error("transport failed", "error", err)
	c.emit(ctx, core.Event{Kind: core.EventMediaFailed, Err: err})
}

func (c *Controller) startTransport() {
	if c.applied != c.speed {
		c.tr.SetSpeed(c.speed)
		c.applied = c.speed
	}
	c.tr.Play()
	c.running = true
}

func (c *Controller) stopTransport() {
	if c.running {
		c.tr.Pause()
		c.running = false
	}
}

func (c *Controller) nearEnd() bool {
	return c.duration > 0 && c.duration-c.position <= c.cfg.NearEndThreshold
}

func (c *Controller) clamp(p time.Duration) time.Duration {
	if p < 0 {
		return 0
	}
	if c.duration > 0 && p > c.duration {
		return c.duration
	}
	return p
}

func (c *Controller) setState(ctx context.Context, s core.PlaybackState) {
	prev := c.state
	c.state = s
	c.publish()
	if prev != s {
		c.log.Debug("state change", "from", prev.String(), "to", s.String())
		c.emit(ctx, core.Event{Kind: core.EventStateChanged})
	}
}

func (c *Controller) publish() {
	c.snap.Store(&core.TransportSnapshot{
		Position:  c.position,
		Duration:  c.duration,
		FrameRate: c.frameRate,
		IsPlaying: c.running,
		Speed:     c.speed,
	})
	c.stateView.Store(uint32(c.state))
}

func (c *Controller) emit(ctx context.Context, ev core.Event) {
	ev.Stream = c.id
	ev.State = c.state
	ev.Time = c.clk.Now()

	c.mu.Lock()
	listeners := append([]core.Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(ctx, ev)
	}
}
