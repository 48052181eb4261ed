package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

// Allocation limits applied while decoding untrusted frames.
const (
	// MaxAllocation caps a single string or buffer field.
	MaxAllocation = 8 * 1024 * 1024

	// MaxCollectionCount caps the element count of an array field.
	MaxCollectionCount = 100_000
)

// Framing errors. Any of these means the peer sent bytes that do not match
// the wire contract; the control channel that produced them should be closed.
var (
	ErrShortBuffer        = errors.New("protocol: buffer too short")
	ErrVarintOverflow     = errors.New("protocol: varint overflow")
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrCollectionTooLarge = errors.New("protocol: collection count exceeds limit")
	ErrTrailingBytes      = errors.New("protocol: trailing bytes after message")
	ErrUnknownType        = errors.New("protocol: unknown message type")
)

// State is the cursor shared by the preencode, encode and decode passes.
//
// Preencode only grows End. After the caller allocates Buffer with exactly End
// bytes, encode writes at Start and advances it; when encoding is done Start
// equals End. Decode reads from Start and never past End.
type State struct {
	Start  int
	End    int
	Buffer []byte
}

// NewDecodeState wraps buf for decoding.
func NewDecodeState(buf []byte) *State {
	return &State{Start: 0, End: len(buf), Buffer: buf}
}

// Alloc allocates the buffer sized by the preencode pass.
func (s *State) Alloc() {
	s.Buffer = make([]byte, s.End)
}

// Remaining returns the number of unread bytes.
func (s *State) Remaining() int {
	return s.End - s.Start
}

// need checks that n bytes are readable and returns the current offset.
func (s *State) need(n int) (int, error) {
	if n < 0 || s.End-s.Start < n {
		return 0, ErrShortBuffer
	}
	off := s.Start
	s.Start += n
	return off, nil
}

// ---------------------------------------------------------------------------
// uint (compact variable-length unsigned integer)
// ---------------------------------------------------------------------------

// uintLen returns the number of bytes PutUint uses for n.
func uintLen(n uint64) int {
	switch {
	case n <= 0xfc:
		return 1
	case n <= math.MaxUint16:
		return 3
	case n <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

func (s *State) PreencodeUint(n uint64) {
	s.End += uintLen(n)
}

func (s *State) EncodeUint(n uint64) {
	b := s.Buffer[s.Start:]
	switch {
	case n <= 0xfc:
		b[0] = byte(n)
		s.Start++
	case n <= math.MaxUint16:
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		s.Start += 3
	case n <= math.MaxUint32:
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		s.Start += 5
	default:
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		s.Start += 9
	}
}

func (s *State) DecodeUint() (uint64, error) {
	off, err := s.need(1)
	if err != nil {
		return 0, err
	}
	switch prefix := s.Buffer[off]; prefix {
	case 0xfd:
		off, err := s.need(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(s.Buffer[off:])), nil
	case 0xfe:
		off, err := s.need(4)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(s.Buffer[off:])), nil
	case 0xff:
		off, err := s.need(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(s.Buffer[off:]), nil
	default:
		return uint64(prefix), nil
	}
}

// ---------------------------------------------------------------------------
// uint16
// ---------------------------------------------------------------------------

func (s *State) PreencodeUint16() {
	s.End += 2
}

func (s *State) EncodeUint16(n uint16) {
	binary.LittleEndian.PutUint16(s.Buffer[s.Start:], n)
	s.Start += 2
}

func (s *State) DecodeUint16() (uint16, error) {
	off, err := s.need(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(s.Buffer[off:]), nil
}

// ---------------------------------------------------------------------------
// fixed-size byte fields
// ---------------------------------------------------------------------------

func (s *State) PreencodeFixed(n int) {
	s.End += n
}

func (s *State) EncodeFixed(b []byte) {
	s.Start += copy(s.Buffer[s.Start:], b)
}

// DecodeFixed fills dst completely from the buffer.
func (s *State) DecodeFixed(dst []byte) error {
	off, err := s.need(len(dst))
	if err != nil {
		return err
	}
	copy(dst, s.Buffer[off:])
	return nil
}

// ---------------------------------------------------------------------------
// buffer (uint length + bytes)
// ---------------------------------------------------------------------------

func (s *State) PreencodeBuffer(b []byte) {
	s.PreencodeUint(uint64(len(b)))
	s.End += len(b)
}

func (s *State) EncodeBuffer(b []byte) {
	s.EncodeUint(uint64(len(b)))
	s.Start += copy(s.Buffer[s.Start:], b)
}

// DecodeBuffer returns a copy of the next length-prefixed buffer. An empty
// buffer decodes as nil.
func (s *State) DecodeBuffer() ([]byte, error) {
	n, err := s.decodeLength()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	off, err := s.need(n)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, s.Buffer[off:])
	return b, nil
}

func (s *State) decodeLength() (int, error) {
	n, err := s.DecodeUint()
	if err != nil {
		return 0, err
	}
	if n > uint64(s.Remaining()) {
		return 0, ErrShortBuffer
	}
	if n > MaxAllocation {
		return 0, ErrAllocationTooLarge
	}
	return int(n), nil
}

// ---------------------------------------------------------------------------
// string (uint length + utf-8)
// ---------------------------------------------------------------------------

func (s *State) PreencodeString(v string) {
	s.PreencodeUint(uint64(len(v)))
	s.End += len(v)
}

func (s *State) EncodeString(v string) {
	s.EncodeUint(uint64(len(v)))
	s.Start += copy(s.Buffer[s.Start:], v)
}

func (s *State) DecodeString() (string, error) {
	n, err := s.decodeLength()
	if err != nil {
		return "", err
	}
	off, err := s.need(n)
	if err != nil {
		return "", err
	}
	return string(s.Buffer[off : off+n]), nil
}

// ---------------------------------------------------------------------------
// raw (remaining bytes, no prefix)
// ---------------------------------------------------------------------------

func (s *State) PreencodeRaw(b []byte) {
	s.End += len(b)
}

func (s *State) EncodeRaw(b []byte) {
	s.Start += copy(s.Buffer[s.Start:], b)
}

// DecodeRaw consumes everything up to End. No remaining bytes decodes as nil.
func (s *State) DecodeRaw() ([]byte, error) {
	n := s.Remaining()
	if n > MaxAllocation {
		return nil, ErrAllocationTooLarge
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	copy(b, s.Buffer[s.Start:s.End])
	s.Start = s.End
	return b, nil
}

// DecodeCount reads an array element count and validates it against the
// collection limit and the bytes left in the frame.
func (s *State) DecodeCount() (int, error) {
	n, err := s.DecodeUint()
	if err != nil {
		return 0, err
	}
	if n > MaxCollectionCount {
		return 0, ErrCollectionTooLarge
	}
	// every element takes at least one byte
	if n > uint64(s.Remaining()) {
		return 0, ErrShortBuffer
	}
	return int(n), nil
}
