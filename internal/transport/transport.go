// Package transport carries whole protocol frames between a relay and its
// controller. Message-oriented transports send one frame per message; byte
// streams prefix each frame with its length.
package transport

import "errors"

var (
	ErrClosed    = errors.New("transport: closed")
	ErrNotBinary = errors.New("transport: non-binary message")
)

// Conn is a framed, bidirectional connection.
//
// ReadFrame is called from one reader goroutine and WriteFrame from one
// writer goroutine; the two may run concurrently. Close unblocks both.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error

	// RemoteAddr describes the peer for logs.
	RemoteAddr() string
}
