package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxFrameSize bounds a single frame on stream transports.
const DefaultMaxFrameSize = 8 * 1024 * 1024

var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Encode serializes m as uint(type) followed by its fields. The buffer is
// sized by a preencode pass and allocated once.
func Encode(m Message) []byte {
	s := &State{}
	s.PreencodeUint(uint64(m.Type()))
	m.preencode(s)
	s.Alloc()
	s.EncodeUint(uint64(m.Type()))
	m.encode(s)
	return s.Buffer
}

// Size returns the encoded length of m without encoding it.
func Size(m Message) int {
	s := &State{}
	s.PreencodeUint(uint64(m.Type()))
	m.preencode(s)
	return s.End
}

// Decode parses one complete frame. The frame must be consumed exactly.
func Decode(frame []byte) (Message, error) {
	s := NewDecodeState(frame)
	code, err := s.DecodeUint()
	if err != nil {
		return nil, err
	}
	if code > math.MaxUint8 {
		return nil, fmt.Errorf("%w: type code %d", ErrVarintOverflow, code)
	}
	if code >= uint64(typeCount) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, code)
	}
	t := Type(code)
	r := &reader{s: s}
	m := decoders[t](r)
	if r.err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, r.err)
	}
	if s.Remaining() != 0 {
		return nil, fmt.Errorf("decode %s: %w (%d bytes)", t, ErrTrailingBytes, s.Remaining())
	}
	return m, nil
}

// WriteFrame writes frame to w behind a uint32 little-endian length prefix.
func WriteFrame(w io.Writer, frame []byte) error {
	if uint64(len(frame)) > math.MaxUint32 {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(frame))
	binary.LittleEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r. Frames longer than limit
// are rejected before any payload is read.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	if uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limit)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
