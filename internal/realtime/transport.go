package realtime

import "context"

// Conn is one open event-channel connection. Send may be called from any
// goroutine; Receive is called by a single reader.
type Conn interface {
	// Send queues a frame for writing without blocking on the network.
	Send(Frame) error
	// Receive blocks until the next inbound frame or a terminal error.
	Receive() (Frame, error)
	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Dialer opens connections. Implementations return a *HandshakeError when
// the server refuses the upgrade and wrap ErrTransport otherwise.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	return f(ctx, endpoint, token)
}
