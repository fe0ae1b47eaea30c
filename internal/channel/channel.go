// Package channel provides generic channel interfaces for decoupled communication.
package channel

// Receiver provides read access to a channel.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides write access to a channel.
type Sender[T any] interface {
	Send(T)
	// TrySend delivers v only if it can do so without blocking.
	TrySend(T) bool
}

// Channel combines read and write access. Neither Send nor TrySend may be called
// after Close.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Close()
}
