package realtime

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport marks network-level failures. They are retried with backoff.
	ErrTransport = errors.New("realtime: transport failure")

	// ErrConnectionUnavailable is surfaced once every reconnect attempt failed.
	ErrConnectionUnavailable = errors.New("realtime: connection unavailable")

	// ErrConnClosed is returned by a Conn after Close.
	ErrConnClosed = errors.New("realtime: connection closed")
)

// Close codes the server uses to reject a session on an open channel.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
)

// Error frame codes that reject the session.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
)

// HandshakeError is returned when the server refuses the upgrade.
type HandshakeError struct {
	StatusCode int
	Body       string
}

func (e *HandshakeError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("realtime: handshake rejected with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("realtime: handshake rejected with status %d", e.StatusCode)
}

// CloseError reports a close frame received from the server.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("realtime: closed by server (%d) %s", e.Code, e.Text)
}

// Unwrap lets callers treat a server close like any other transport failure.
func (e *CloseError) Unwrap() error { return ErrTransport }

// IsAuthRejection reports whether err means the server rejected the session
// token rather than the network failing.
func IsAuthRejection(err error) bool {
	if err == nil {
		return false
	}
	var hs *HandshakeError
	if errors.As(err, &hs) {
		return hs.StatusCode == http.StatusUnauthorized || hs.StatusCode == http.StatusForbidden
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code == CloseUnauthorized || ce.Code == CloseForbidden
	}
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Code == CodeUnauthorized || fe.Code == CodeForbidden
	}
	return false
}
