package transport

import "errors"

var (
	// ErrNotConnected indicates a request was sent with no live channel.
	ErrNotConnected = errors.New("completion transport not connected")

	// ErrDisposed indicates the client was disposed.
	ErrDisposed = errors.New("completion transport disposed")

	// ErrConnectionClosed indicates the channel closed before the backend
	// acknowledged it.
	ErrConnectionClosed = errors.New("completion connection closed before acknowledgment")
)
