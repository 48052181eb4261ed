package dht

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/util"
)

// Tuning constants.
const (
	maxReadSize     = 16 * 1024       // bytes per data event
	sendQueueLength = 64              // pending writes before Write blocks
	drainTimeout    = 2 * time.Second // how long Destroy waits for queued writes
)

// StreamSocket adapts an authenticated byte stream (a libp2p stream or an
// in-memory pipe) to the Socket contract.
//
// All writes go through one writer goroutine. Reading starts when the first
// data handler is attached. Whichever side ends the stream first, shutdown
// runs once and emits close exactly once.
type StreamSocket struct {
	local  crypto.PublicKey
	remote crypto.PublicKey
	hash   crypto.HandshakeHash
	rw     io.ReadWriteCloser

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	readOnce  sync.Once
	endOnce   sync.Once

	outbox chan []byte
	ending chan struct{}

	data   event.Signal[[]byte]
	errs   event.Signal[error]
	closed event.Signal[struct{}]
}

// NewStreamSocket wraps rw and starts its writer goroutine.
func NewStreamSocket(rw io.ReadWriteCloser, local, remote crypto.PublicKey, hash crypto.HandshakeHash) *StreamSocket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamSocket{
		local:  local,
		remote: remote,
		hash:   hash,
		rw:     rw,
		ctx:    ctx,
		cancel: cancel,
		outbox: make(chan []byte, sendQueueLength),
		ending: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *StreamSocket) PublicKey() crypto.PublicKey         { return s.local }
func (s *StreamSocket) RemotePublicKey() crypto.PublicKey   { return s.remote }
func (s *StreamSocket) HandshakeHash() crypto.HandshakeHash { return s.hash }

// Done is closed once the socket has shut down.
func (s *StreamSocket) Done() <-chan struct{} { return s.ctx.Done() }

func (s *StreamSocket) OnData(fn func([]byte)) *event.Subscription {
	sub := s.data.On(fn)
	s.readOnce.Do(func() { go s.readLoop() })
	return sub
}

func (s *StreamSocket) OnError(fn func(error)) *event.Subscription {
	return s.errs.On(fn)
}

func (s *StreamSocket) OnClose(fn func()) *event.Subscription {
	return s.closed.On(func(struct{}) { fn() })
}

// Write queues a copy of p. It returns ErrSocketClosed once the socket is
// shutting down.
func (s *StreamSocket) Write(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case <-s.ending:
		return ErrSocketClosed
	case <-s.ctx.Done():
		return ErrSocketClosed
	default:
	}

	select {
	case s.outbox <- buf:
		return nil
	case <-s.ending:
		return ErrSocketClosed
	case <-s.ctx.Done():
		return ErrSocketClosed
	}
}

// Destroy flushes writes already queued, then closes the stream without an
// error. A peer that stops reading cannot hold the socket open longer than
// drainTimeout. Safe to call more than once.
func (s *StreamSocket) Destroy() {
	s.endOnce.Do(func() {
		close(s.ending)
		time.AfterFunc(drainTimeout, func() { s.shutdown(nil) })
	})
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func (s *StreamSocket) readLoop() {
	buf := make([]byte, maxReadSize)
	for {
		n, err := s.rw.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.data.Emit(payload)
		}

		if err != nil {
			select {
			case <-s.ctx.Done():
				// Already shutting down.
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				s.shutdown(nil)
			} else {
				s.shutdown(err)
			}
			return
		}
	}
}

func (s *StreamSocket) writeLoop() {
	for {
		select {
		case p := <-s.outbox:
			if !s.write(p) {
				return
			}
		case <-s.ending:
			for {
				select {
				case p := <-s.outbox:
					if !s.write(p) {
						return
					}
				default:
					s.shutdown(nil)
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *StreamSocket) write(p []byte) bool {
	if _, err := s.rw.Write(p); err != nil {
		select {
		case <-s.ctx.Done():
		default:
			s.shutdown(err)
		}
		return false
	}
	return true
}

// shutdown consolidates all teardown behind sync.Once so that regardless of
// which goroutine ends the stream first, close is emitted exactly once.
func (s *StreamSocket) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.rw.Close()
		if err != nil {
			util.Logf("socket %s: %v", s.remote.Short(), err)
			s.errs.Emit(err)
		}
		s.closed.Emit(struct{}{})
	})
}
