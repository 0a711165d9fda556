// Package transport defines the primitive the messaging runtime needs from a
// transport: bind to a named broadcast channel, publish bytes, and poll for
// bytes with a bounded wait. The runtime never assumes delivery feedback;
// everything above this seam is built for best-effort fan-out.
package transport

import (
	"context"
	"time"
)

// Conn is a bound handle on a broadcast channel. Publish sends to every
// handle bound to the same channel, including this one.
type Conn interface {
	// Publish sends the payload to all connections bound to the channel.
	Publish(payload []byte) error

	// TryReceive waits up to timeout for the next payload. It returns
	// ok=false with a nil error when the wait expires, and an error only
	// when the connection is no longer usable.
	TryReceive(timeout time.Duration) (payload []byte, ok bool, err error)

	// Close releases the handle. Closing twice is safe.
	Close() error
}

// Transport creates connections to named broadcast channels and supports
// connectionless sends for probing channels the caller is not bound to.
type Transport interface {
	// Bind creates a connection on the named channel. The context covers
	// handle creation only, not the connection's lifetime.
	Bind(ctx context.Context, channel string) (Conn, error)

	// Publish sends a payload on a channel without holding a connection.
	Publish(channel string, payload []byte) error

	// Close releases the transport and every connection created from it.
	Close() error
}
