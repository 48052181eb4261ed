package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/1ureka/dhtrelay/internal/protocol"
)

// Stream frames a byte stream (TCP, unix socket) with uint32 length prefixes.
type Stream struct {
	rwc      io.ReadWriteCloser
	r        *bufio.Reader
	maxFrame int
	addr     string
}

// NewStream wraps rwc. Frames longer than maxFrame are rejected; zero means
// protocol.DefaultMaxFrameSize.
func NewStream(rwc io.ReadWriteCloser, maxFrame int) *Stream {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	addr := "stream"
	if c, ok := rwc.(net.Conn); ok {
		addr = c.RemoteAddr().String()
	}
	return &Stream{
		rwc:      rwc,
		r:        bufio.NewReader(rwc),
		maxFrame: maxFrame,
		addr:     addr,
	}
}

// DialTCP connects to a relay's raw TCP listener.
func DialTCP(ctx context.Context, addr string, maxFrame int) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewStream(conn, maxFrame), nil
}

func (s *Stream) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(s.r, s.maxFrame)
}

func (s *Stream) WriteFrame(frame []byte) error {
	if len(frame) > s.maxFrame {
		return protocol.ErrFrameTooLarge
	}
	return protocol.WriteFrame(s.rwc, frame)
}

func (s *Stream) Close() error       { return s.rwc.Close() }
func (s *Stream) RemoteAddr() string { return s.addr }
