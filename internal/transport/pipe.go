package transport

import (
	"io"
	"sync"
)

const pipeBuffer = 64

// pipeConn is one end of an in-memory frame pipe.
type pipeConn struct {
	name string
	in   <-chan []byte
	out  chan<- []byte

	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{name: "pipe:a", in: ba, out: ab, done: done, closeOnce: once}
	b := &pipeConn{name: "pipe:b", in: ab, out: ba, done: done, closeOnce: once}
	return a, b
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	// Frames already queued are delivered before EOF.
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteFrame(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return p.name }
