package protocol

import (
	"net/netip"

	"github.com/1ureka/dhtrelay/internal/crypto"
)

// Codec is the three-pass contract shared by every compound value on the
// wire. Preencode and Encode must visit fields in the same order as Decode.
type Codec[T any] interface {
	Preencode(s *State, v T)
	Encode(s *State, v T)
	Decode(s *State) (T, error)
}

// ---------------------------------------------------------------------------
// buffer
// ---------------------------------------------------------------------------

type bufferCodec struct{}

// Buffer encodes a length-prefixed byte slice.
var Buffer Codec[[]byte] = bufferCodec{}

func (bufferCodec) Preencode(s *State, v []byte) { s.PreencodeBuffer(v) }
func (bufferCodec) Encode(s *State, v []byte)    { s.EncodeBuffer(v) }
func (bufferCodec) Decode(s *State) ([]byte, error) {
	return s.DecodeBuffer()
}

// ---------------------------------------------------------------------------
// array
// ---------------------------------------------------------------------------

type arrayCodec[T any] struct {
	elem Codec[T]
}

// Array encodes a count-prefixed sequence of elem. An empty sequence decodes
// as nil.
func Array[T any](elem Codec[T]) Codec[[]T] {
	return arrayCodec[T]{elem: elem}
}

func (c arrayCodec[T]) Preencode(s *State, v []T) {
	s.PreencodeUint(uint64(len(v)))
	for _, e := range v {
		c.elem.Preencode(s, e)
	}
}

func (c arrayCodec[T]) Encode(s *State, v []T) {
	s.EncodeUint(uint64(len(v)))
	for _, e := range v {
		c.elem.Encode(s, e)
	}
}

func (c arrayCodec[T]) Decode(s *State) ([]T, error) {
	n, err := s.DecodeCount()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		e, err := c.elem.Decode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// ipv4Address
// ---------------------------------------------------------------------------

// IPv4Address is an IPv4 host and port. A zero or non-IPv4 IP is written as
// 0.0.0.0.
type IPv4Address struct {
	IP   netip.Addr
	Port uint16
}

// AddressFrom converts a netip.AddrPort, unmapping IPv4-in-IPv6 addresses.
func AddressFrom(ap netip.AddrPort) IPv4Address {
	return IPv4Address{IP: ap.Addr().Unmap(), Port: ap.Port()}
}

func (a IPv4Address) String() string {
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

func (a IPv4Address) bytes() [4]byte {
	ip := a.IP.Unmap()
	if !ip.Is4() {
		return [4]byte{}
	}
	return ip.As4()
}

type ipv4Codec struct{}

// IPv4 encodes 4 address bytes followed by a little-endian uint16 port.
var IPv4 Codec[IPv4Address] = ipv4Codec{}

func (ipv4Codec) Preencode(s *State, _ IPv4Address) {
	s.PreencodeFixed(4)
	s.PreencodeUint16()
}

func (ipv4Codec) Encode(s *State, v IPv4Address) {
	ip := v.bytes()
	s.EncodeFixed(ip[:])
	s.EncodeUint16(v.Port)
}

func (ipv4Codec) Decode(s *State) (IPv4Address, error) {
	var ip [4]byte
	if err := s.DecodeFixed(ip[:]); err != nil {
		return IPv4Address{}, err
	}
	port, err := s.DecodeUint16()
	if err != nil {
		return IPv4Address{}, err
	}
	return IPv4Address{IP: netip.AddrFrom4(ip), Port: port}, nil
}

// ---------------------------------------------------------------------------
// keyPair
// ---------------------------------------------------------------------------

type keyPairCodec struct{}

// KeyPair encodes the 32-byte public key followed by the 64-byte secret key.
var KeyPair Codec[crypto.KeyPair] = keyPairCodec{}

func (keyPairCodec) Preencode(s *State, _ crypto.KeyPair) {
	s.PreencodeFixed(crypto.PublicKeySize + crypto.SecretKeySize)
}

func (keyPairCodec) Encode(s *State, v crypto.KeyPair) {
	s.EncodeFixed(v.PublicKey[:])
	s.EncodeFixed(v.SecretKey[:])
}

func (keyPairCodec) Decode(s *State) (crypto.KeyPair, error) {
	var kp crypto.KeyPair
	if err := s.DecodeFixed(kp.PublicKey[:]); err != nil {
		return crypto.KeyPair{}, err
	}
	if err := s.DecodeFixed(kp.SecretKey[:]); err != nil {
		return crypto.KeyPair{}, err
	}
	return kp, nil
}
