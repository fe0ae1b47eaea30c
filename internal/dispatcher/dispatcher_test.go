package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lapsync/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func (l *testLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New("test", logger)
	require.NoError(t, err)
	d.Start()
	t.Cleanup(d.Stop)

	return d, logger
}

func TestDispatcher_PostRunsHandlerInOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var seen []int
	d.Register("tick", func(ctx context.Context, e Event) error {
		seen = append(seen, e.Payload.(int))
		return nil
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, d.Post(Event{Command: "tick", Payload: i}))
	}

	// A Do queued after the posts only runs once they have all been handled.
	var snapshot []int
	require.NoError(t, d.Do(context.Background(), func(ctx context.Context) error {
		snapshot = append(snapshot, seen...)
		return nil
	}))

	require.Len(t, snapshot, 50)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := d.Post(Event{Command: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")

	err = d.Dispatch(context.Background(), Event{Command: "missing"})
	require.Error(t, err)
}

func TestDispatcher_DispatchReturnsHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)
	boom := errors.New("boom")

	d.Register("fail", func(ctx context.Context, e Event) error {
		return boom
	}, Logged())

	err := d.Dispatch(context.Background(), Event{Command: "fail"})
	assert.ErrorIs(t, err, boom)
	assert.True(t, logger.contains("event failed"))
}

func TestDispatcher_DoIsReentrant(t *testing.T) {
	d, _ := newTestDispatcher(t)

	inner := false
	err := d.Do(context.Background(), func(ctx context.Context) error {
		assert.True(t, d.OnLoop(ctx))
		return d.Do(ctx, func(ctx context.Context) error {
			inner = true
			return nil
		})
	})

	require.NoError(t, err)
	assert.True(t, inner)
	assert.False(t, d.OnLoop(context.Background()))
}

func TestDispatcher_OtherLoopContextIsNotInline(t *testing.T) {
	a, _ := newTestDispatcher(t)
	b, _ := newTestDispatcher(t)

	err := a.Do(context.Background(), func(ctx context.Context) error {
		assert.False(t, b.OnLoop(ctx))
		return b.Do(ctx, func(ctx context.Context) error {
			assert.True(t, b.OnLoop(ctx))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestDispatcher_PanicBecomesError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	err := d.Do(context.Background(), func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errHandlerPanic)
	assert.True(t, logger.contains("handler panicked"))

	// loop keeps running
	require.NoError(t, d.Do(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestDispatcher_StopDrainsAndRejects(t *testing.T) {
	logger := &testLogger{}
	d, err := New("drain", logger)
	require.NoError(t, err)

	count := 0
	d.Register("inc", func(ctx context.Context, e Event) error {
		count++
		return nil
	})

	// Queued before the loop starts; Stop must still process them.
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Post(Event{Command: "inc"}))
	}
	d.Stop()

	assert.Equal(t, 10, count)
	assert.ErrorIs(t, d.Post(Event{Command: "inc"}), core.ErrStopped)
	assert.ErrorIs(t, d.Do(context.Background(), func(ctx context.Context) error { return nil }), core.ErrStopped)

	select {
	case <-d.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}

func TestDispatcher_DoHonoursContext(t *testing.T) {
	d, _ := newTestDispatcher(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestDispatcher_ConcurrentPostersSerialised(t *testing.T) {
	d, _ := newTestDispatcher(t)

	total := 0
	d.Register("add", func(ctx context.Context, e Event) error {
		total += e.Payload.(int)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = d.Post(Event{Command: "add", Payload: 1})
			}
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, d.Do(context.Background(), func(ctx context.Context) error {
		got = total
		return nil
	}))
	assert.Equal(t, 1000, got)
}
