// Package dispatcher implements the single-consumer control loop that owns playback
// state. Transport callbacks arrive on arbitrary goroutines and are posted as named
// events; commands run as closures on the same goroutine, in issuance order.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lapsync/engine/internal/queue"
	"github.com/lapsync/engine/pkg/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event represents a message posted to the loop, usually from a transport callback.
type Event struct {
	Command   string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event on the loop goroutine.
type HandlerFunc func(ctx context.Context, e Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	logged bool
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

type loopKey struct{}

// envelope is one mailbox entry: either a named event or a closure with a reply slot.
type envelope struct {
	event Event
	fn    func(ctx context.Context) error
	reply chan error
}

// Dispatcher is a control loop. Everything it runs executes on one goroutine.
type Dispatcher struct {
	name     string
	logger   Logger
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	inbox    *queue.Queue[envelope]

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	rejected  metric.Int64Counter
	loopAttr  attribute.KeyValue
}

// New creates a new Dispatcher with the given loop name and logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(name string, logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		name:     name,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		inbox:    queue.New[envelope](),
		done:     make(chan struct{}),
		loopAttr: attribute.String("loop", name),
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"lapsync.loop.queue.size",
		metric.WithDescription("Current number of messages waiting in the control loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(d.queueSize, int64(d.inbox.Len()), metric.WithAttributes(d.loopAttr))
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"lapsync.loop.events.processed",
		metric.WithDescription("Total messages processed by the control loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.rejected, err = m.Int64Counter(
		"lapsync.loop.events.rejected",
		metric.WithDescription("Total messages rejected after shutdown or for unknown commands"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}

	return d, nil
}

// Name returns the loop name.
func (d *Dispatcher) Name() string {
	return d.name
}

// Register adds a handler for the given command with optional configuration.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h
	if cfg.logged {
		handler = d.withLogging(command, handler)
	}

	d.mu.Lock()
	d.handlers[command] = handler
	d.mu.Unlock()
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[command]
	return ok
}

// Start launches the loop goroutine. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Stop rejects new messages, lets the loop drain what is already queued, and waits
// for it to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.inbox.Close()
	})
	d.Start()
	<-d.done
}

// Done is closed once the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// OnLoop reports whether ctx was handed out by this loop, i.e. the caller is already
// running on the loop goroutine.
func (d *Dispatcher) OnLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Dispatcher)
	return owner == d
}

// Post enqueues an event without waiting. It never blocks and is safe to call from
// any goroutine, including the loop itself.
func (d *Dispatcher) Post(e Event) error {
	if !d.HasHandler(e.Command) {
		d.rejected.Add(context.Background(), 1, metric.WithAttributes(d.loopAttr))
		return fmt.Errorf("unknown command: %s", e.Command)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if !d.inbox.Push(envelope{event: e}) {
		d.rejected.Add(context.Background(), 1, metric.WithAttributes(d.loopAttr))
		return core.ErrStopped
	}
	return nil
}

// Do runs fn on the loop and returns its error. When ctx already belongs to this loop
// fn runs inline, which lets handlers call back into loop-owned components. If ctx is
// cancelled first, Do returns ctx.Err() and fn may still run later.
func (d *Dispatcher) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.OnLoop(ctx) {
		return d.invoke(ctx, fn)
	}

	reply := make(chan error, 1)
	if !d.inbox.Push(envelope{fn: fn, reply: reply}) {
		return core.ErrStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		select {
		case err := <-reply:
			return err
		default:
			return core.ErrStopped
		}
	}
}

// Dispatch routes an event to its handler on the loop and waits for the result.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) error {
	return d.Do(ctx, func(ctx context.Context) error {
		return d.handle(ctx, e)
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ctx := context.WithValue(context.Background(), loopKey{}, d)

	for {
		for {
			env, ok := d.inbox.Pop()
			if !ok {
				break
			}
			d.process(ctx, env)
		}
		if d.inbox.Closed() && d.inbox.Empty() {
			d.logger.Debug("control loop stopped", "loop", d.name)
			return
		}
		<-d.inbox.Ready()
	}
}

func (d *Dispatcher) process(ctx context.Context, env envelope) {
	var err error
	if env.fn != nil {
		err = d.invoke(ctx, env.fn)
	} else {
		err = d.handle(ctx, env.event)
		if err != nil {
			d.logger.Error("event failed", "loop", d.name, "command", env.event.Command, "error", err)
		}
	}
	if env.reply != nil {
		env.reply <- err
	}
	d.processed.Add(context.Background(), 1, metric.WithAttributes(d.loopAttr))
}

func (d *Dispatcher) handle(ctx context.Context, e Event) error {
	d.mu.RLock()
	h, ok := d.handlers[e.Command]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown command: %s", e.Command)
	}
	return d.invoke(ctx, func(ctx context.Context) error {
		return h(ctx, e)
	})
}

// invoke runs fn and turns a panic into an error so one misbehaving handler cannot
// take the loop down.
func (d *Dispatcher) invoke(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
			d.logger.Error("handler panicked", "loop", d.name, "panic", r)
		}
	}()
	return fn(ctx)
}

var errHandlerPanic = errors.New("handler panicked")

func (d *Dispatcher) withLogging(command string, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, e Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "loop", d.name, "command", command)

		err := h(ctx, e)

		if err != nil {
			d.logger.Error("event failed", "loop", d.name, "command", command, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "loop", d.name, "command", command, "duration", time.Since(start))
		}

		return err
	}
}
