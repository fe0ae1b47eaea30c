// Package transport defines the uniform, frame-accurate contract over one native media
// backend. Decode and render stay inside the backend; this package only describes the
// control surface and the notifications it raises.
package transport

import (
	"time"

	"github.com/lapsync/engine/pkg/core"
)

// Callbacks receives backend notifications. Backends may invoke them from any goroutine
// and must never hold internal locks while doing so.
type Callbacks struct {
	OnReady        func(duration time.Duration, frameRate float64)
	OnPositionTick func(position time.Duration)
	OnEnded        func()
	OnError        func(err error)
}

// Transport is implemented once per native backend. One instance drives one stream.
type Transport interface {
	// SetCallbacks installs the notification sinks. It is called once, before Load.
	SetCallbacks(cb Callbacks)

	// Load opens source. A synchronous error means the source could not even be
	// opened; decode failures discovered later arrive through OnError.
	Load(source string) error

	Play()
	Pause()
	Stop()

	// Seek moves to position and calls done with the position actually reached.
	Seek(position time.Duration, done func(time.Duration))

	// StepFrame advances or retreats exactly one frame using the backend's native
	// stepping primitive and calls done with the resulting position.
	StepFrame(dir core.Direction, done func(time.Duration))

	SetSpeed(speed float64)
	SetMuted(muted bool)
}
