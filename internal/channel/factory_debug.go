//go:build debug

package channel

// New creates a new channel
// In debug builds, this returns an unbuffered channel (ignores size), so a consumer
// that is not already receiving loses TrySend values
func New[T any](size int) Channel[T] {
	return NewUnbuffered[T]()
}
