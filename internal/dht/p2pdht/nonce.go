package p2pdht

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

const (
	nonceSize        = 32
	handshakeTimeout = 10 * time.Second
)

// deadlineStream is the part of network.Stream the nonce exchange needs.
type deadlineStream interface {
	io.ReadWriter
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// writeNonce opens a socket stream with a fresh random nonce. Both sides mix
// it into the handshake hash, so every connection between the same two keys
// gets its own value.
func writeNonce(s deadlineStream) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("handshake nonce: %w", err)
	}
	s.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	defer s.SetWriteDeadline(time.Time{})
	if _, err := s.Write(nonce); err != nil {
		return nil, fmt.Errorf("send handshake nonce: %w", err)
	}
	return nonce, nil
}

// readNonce reads the nonce the initiator sent before any payload.
func readNonce(s deadlineStream) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	s.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer s.SetReadDeadline(time.Time{})
	if _, err := io.ReadFull(s, nonce); err != nil {
		return nil, fmt.Errorf("read handshake nonce: %w", err)
	}
	return nonce, nil
}
