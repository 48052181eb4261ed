package protocol

import (
	"fmt"

	"github.com/1ureka/dhtrelay/internal/crypto"
)

// Type is the numeric tag written in front of every frame.
type Type uint8

const (
	TypeHandshake Type = iota
	TypeError
	TypePing
	TypePong
	TypeConnect
	TypeConnection
	TypeDestroy
	TypeListen
	TypeListening
	TypeClose
	TypeClosed
	TypeData
	TypeResult
	TypeFinished
	TypeLookup
	TypeAnnounce
	TypeUnannounce
	TypeSign
	TypeSignature

	typeCount
)

var typeNames = [typeCount]string{
	"handshake", "error", "ping", "pong", "connect", "connection", "destroy",
	"listen", "listening", "close", "closed", "data", "result", "finished",
	"lookup", "announce", "unannounce", "sign", "signature",
}

func (t Type) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// SocketID multiplexes logical connections over one control channel.
type SocketID [4]byte

func (id SocketID) String() string { return fmt.Sprintf("%08x", id[:]) }

// QueryID correlates a lookup, announce, unannounce or sign request with its
// responses.
type QueryID [4]byte

func (id QueryID) String() string { return fmt.Sprintf("%08x", id[:]) }

// Topic is the 32-byte key of a lookup or announcement.
type Topic [32]byte

// Message is implemented by the 19 frame variants of this package only.
type Message interface {
	Type() Type
	preencode(s *State)
	encode(s *State)
}

// Handshake hands the controller's key pair to the relay.
type Handshake struct {
	KeyPair crypto.KeyPair
}

// ErrorMessage carries a protocol-level failure as text. It implements error
// so owners can treat a decoded frame as a failure value.
type ErrorMessage struct {
	Message string
}

func (e ErrorMessage) Error() string { return e.Message }

type Ping struct{}

type Pong struct{}

// Connect asks the relay to dial RemotePublicKey as KeyPair, tracking the
// resulting connection under Socket.
type Connect struct {
	Socket          SocketID
	KeyPair         crypto.KeyPair
	RemotePublicKey crypto.PublicKey
}

// Connection announces a newly tracked connection.
type Connection struct {
	Socket          SocketID
	PublicKey       crypto.PublicKey
	RemotePublicKey crypto.PublicKey
	HandshakeHash   crypto.HandshakeHash
}

// Destroy tears down, or reports the teardown of, the connection whose remote
// key is PublicKey.
type Destroy struct {
	Socket    SocketID
	PublicKey crypto.PublicKey
}

type Listen struct {
	KeyPair crypto.KeyPair
}

type Listening struct {
	PublicKey crypto.PublicKey
	Address   IPv4Address
}

// Close asks the server bound to PublicKey to shut down.
type Close struct {
	PublicKey crypto.PublicKey
}

type Closed struct {
	PublicKey crypto.PublicKey
}

// Data is a batch of payloads for the connection whose remote key is
// PublicKey.
type Data struct {
	Socket    SocketID
	PublicKey crypto.PublicKey
	Data      [][]byte
}

// Result is one reply to a query. Data runs to the end of the frame.
type Result struct {
	ID   QueryID
	Data []byte
}

type Finished struct {
	ID QueryID
}

type Lookup struct {
	ID    QueryID
	Topic Topic
}

type Announce struct {
	ID      QueryID
	Topic   Topic
	KeyPair crypto.KeyPair
}

type Unannounce struct {
	ID      QueryID
	Topic   Topic
	KeyPair crypto.KeyPair
}

type Sign struct {
	ID        QueryID
	PublicKey crypto.PublicKey
	Data      []byte
}

type Signature struct {
	ID        QueryID
	Signature []byte
}

func (Handshake) Type() Type    { return TypeHandshake }
func (ErrorMessage) Type() Type { return TypeError }
func (Ping) Type() Type         { return TypePing }
func (Pong) Type() Type         { return TypePong }
func (Connect) Type() Type      { return TypeConnect }
func (Connection) Type() Type   { return TypeConnection }
func (Destroy) Type() Type      { return TypeDestroy }
func (Listen) Type() Type       { return TypeListen }
func (Listening) Type() Type    { return TypeListening }
func (Close) Type() Type        { return TypeClose }
func (Closed) Type() Type       { return TypeClosed }
func (Data) Type() Type         { return TypeData }
func (Result) Type() Type       { return TypeResult }
func (Finished) Type() Type     { return TypeFinished }
func (Lookup) Type() Type       { return TypeLookup }
func (Announce) Type() Type     { return TypeAnnounce }
func (Unannounce) Type() Type   { return TypeUnannounce }
func (Sign) Type() Type         { return TypeSign }
func (Signature) Type() Type    { return TypeSignature }

const (
	idSize        = 4
	publicKeySize = crypto.PublicKeySize
	keyPairSize   = crypto.PublicKeySize + crypto.SecretKeySize
	topicSize     = 32
)

// ---------------------------------------------------------------------------
// preencode
// ---------------------------------------------------------------------------

func (Handshake) preencode(s *State)      { s.PreencodeFixed(keyPairSize) }
func (m ErrorMessage) preencode(s *State) { s.PreencodeString(m.Message) }
func (Ping) preencode(*State)             {}
func (Pong) preencode(*State)             {}

func (Connect) preencode(s *State) {
	s.PreencodeFixed(idSize + keyPairSize + publicKeySize)
}

func (Connection) preencode(s *State) {
	s.PreencodeFixed(idSize + 2*publicKeySize + crypto.HandshakeHashSize)
}

func (Destroy) preencode(s *State) { s.PreencodeFixed(idSize + publicKeySize) }
func (Listen) preencode(s *State)  { s.PreencodeFixed(keyPairSize) }

func (m Listening) preencode(s *State) {
	s.PreencodeFixed(publicKeySize)
	IPv4.Preencode(s, m.Address)
}

func (Close) preencode(s *State)  { s.PreencodeFixed(publicKeySize) }
func (Closed) preencode(s *State) { s.PreencodeFixed(publicKeySize) }

func (m Data) preencode(s *State) {
	s.PreencodeFixed(idSize + publicKeySize)
	bufferArray.Preencode(s, m.Data)
}

func (m Result) preencode(s *State) {
	s.PreencodeFixed(idSize)
	s.PreencodeRaw(m.Data)
}

func (Finished) preencode(s *State)   { s.PreencodeFixed(idSize) }
func (Lookup) preencode(s *State)     { s.PreencodeFixed(idSize + topicSize) }
func (Announce) preencode(s *State)   { s.PreencodeFixed(idSize + topicSize + keyPairSize) }
func (Unannounce) preencode(s *State) { s.PreencodeFixed(idSize + topicSize + keyPairSize) }

func (m Sign) preencode(s *State) {
	s.PreencodeFixed(idSize + publicKeySize)
	s.PreencodeBuffer(m.Data)
}

func (m Signature) preencode(s *State) {
	s.PreencodeFixed(idSize)
	s.PreencodeBuffer(m.Signature)
}

// ---------------------------------------------------------------------------
// encode
// ---------------------------------------------------------------------------

func (m Handshake) encode(s *State)    { KeyPair.Encode(s, m.KeyPair) }
func (m ErrorMessage) encode(s *State) { s.EncodeString(m.Message) }
func (Ping) encode(*State)             {}
func (Pong) encode(*State)             {}

func (m Connect) encode(s *State) {
	s.EncodeFixed(m.Socket[:])
	KeyPair.Encode(s, m.KeyPair)
	s.EncodeFixed(m.RemotePublicKey[:])
}

func (m Connection) encode(s *State) {
	s.EncodeFixed(m.Socket[:])
	s.EncodeFixed(m.PublicKey[:])
	s.EncodeFixed(m.RemotePublicKey[:])
	s.EncodeFixed(m.HandshakeHash[:])
}

func (m Destroy) encode(s *State) {
	s.EncodeFixed(m.Socket[:])
	s.EncodeFixed(m.PublicKey[:])
}

func (m Listen) encode(s *State) { KeyPair.Encode(s, m.KeyPair) }

func (m Listening) encode(s *State) {
	s.EncodeFixed(m.PublicKey[:])
	IPv4.Encode(s, m.Address)
}

func (m Close) encode(s *State)  { s.EncodeFixed(m.PublicKey[:]) }
func (m Closed) encode(s *State) { s.EncodeFixed(m.PublicKey[:]) }

func (m Data) encode(s *State) {
	s.EncodeFixed(m.Socket[:])
	s.EncodeFixed(m.PublicKey[:])
	bufferArray.Encode(s, m.Data)
}

func (m Result) encode(s *State) {
	s.EncodeFixed(m.ID[:])
	s.EncodeRaw(m.Data)
}

func (m Finished) encode(s *State) { s.EncodeFixed(m.ID[:]) }

func (m Lookup) encode(s *State) {
	s.EncodeFixed(m.ID[:])
	s.EncodeFixed(m.Topic[:])
}

func (m Announce) encode(s *State) {
	s.EncodeFixed(m.ID[:])
	s.EncodeFixed(m.Topic[:])
	KeyPair.Encode(s, m.KeyPair)
}

func (m Unannounce) encode(s *State) {
	s.EncodeFixed(m.ID[:])
	s.EncodeFixed(m.Topic[:])
	KeyPair.Encode(s, m.KeyPair)
}

func (m Sign) encode(s *State) {
	s.EncodeFixed(m.ID[:])
	s.EncodeFixed(m.PublicKey[:])
	s.EncodeBuffer(m.Data)
}

func (m Signature) encode(s *State) {
	s.EncodeFixed(m.ID[:])
	s.EncodeBuffer(m.Signature)
}

// ---------------------------------------------------------------------------
// decode
// ---------------------------------------------------------------------------

var bufferArray = Array(Buffer)

// reader keeps the first decode error so field sequences read top to bottom.
type reader struct {
	s   *State
	err error
}

func (r *reader) fixed(dst []byte) {
	if r.err == nil {
		r.err = r.s.DecodeFixed(dst)
	}
}

func (r *reader) keyPair(kp *crypto.KeyPair) {
	r.fixed(kp.PublicKey[:])
	r.fixed(kp.SecretKey[:])
}

func (r *reader) buffer() []byte {
	if r.err != nil {
		return nil
	}
	b, err := r.s.DecodeBuffer()
	r.err = err
	return b
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	v, err := r.s.DecodeString()
	r.err = err
	return v
}

func (r *reader) raw() []byte {
	if r.err != nil {
		return nil
	}
	b, err := r.s.DecodeRaw()
	r.err = err
	return b
}

func (r *reader) address() IPv4Address {
	if r.err != nil {
		return IPv4Address{}
	}
	a, err := IPv4.Decode(r.s)
	r.err = err
	return a
}

func (r *reader) buffers() [][]byte {
	if r.err != nil {
		return nil
	}
	v, err := bufferArray.Decode(r.s)
	r.err = err
	return v
}

type decodeFunc func(r *reader) Message

// decoders is the inbound dispatch table, indexed by type code.
var decoders = [typeCount]decodeFunc{
	TypeHandshake: func(r *reader) Message {
		var m Handshake
		r.keyPair(&m.KeyPair)
		return m
	},
	TypeError: func(r *reader) Message {
		return ErrorMessage{Message: r.string()}
	},
	TypePing: func(*reader) Message { return Ping{} },
	TypePong: func(*reader) Message { return Pong{} },
	TypeConnect: func(r *reader) Message {
		var m Connect
		r.fixed(m.Socket[:])
		r.keyPair(&m.KeyPair)
		r.fixed(m.RemotePublicKey[:])
		return m
	},
	TypeConnection: func(r *reader) Message {
		var m Connection
		r.fixed(m.Socket[:])
		r.fixed(m.PublicKey[:])
		r.fixed(m.RemotePublicKey[:])
		r.fixed(m.HandshakeHash[:])
		return m
	},
	TypeDestroy: func(r *reader) Message {
		var m Destroy
		r.fixed(m.Socket[:])
		r.fixed(m.PublicKey[:])
		return m
	},
	TypeListen: func(r *reader) Message {
		var m Listen
		r.keyPair(&m.KeyPair)
		return m
	},
	TypeListening: func(r *reader) Message {
		var m Listening
		r.fixed(m.PublicKey[:])
		m.Address = r.address()
		return m
	},
	TypeClose: func(r *reader) Message {
		var m Close
		r.fixed(m.PublicKey[:])
		return m
	},
	TypeClosed: func(r *reader) Message {
		var m Closed
		r.fixed(m.PublicKey[:])
		return m
	},
	TypeData: func(r *reader) Message {
		var m Data
		r.fixed(m.Socket[:])
		r.fixed(m.PublicKey[:])
		m.Data = r.buffers()
		return m
	},
	TypeResult: func(r *reader) Message {
		var m Result
		r.fixed(m.ID[:])
		m.Data = r.raw()
		return m
	},
	TypeFinished: func(r *reader) Message {
		var m Finished
		r.fixed(m.ID[:])
		return m
	},
	TypeLookup: func(r *reader) Message {
		var m Lookup
		r.fixed(m.ID[:])
		r.fixed(m.Topic[:])
		return m
	},
	TypeAnnounce: func(r *reader) Message {
		var m Announce
		r.fixed(m.ID[:])
		r.fixed(m.Topic[:])
		r.keyPair(&m.KeyPair)
		return m
	},
	TypeUnannounce: func(r *reader) Message {
		var m Unannounce
		r.fixed(m.ID[:])
		r.fixed(m.Topic[:])
		r.keyPair(&m.KeyPair)
		return m
	},
	TypeSign: func(r *reader) Message {
		var m Sign
		r.fixed(m.ID[:])
		r.fixed(m.PublicKey[:])
		m.Data = r.buffer()
		return m
	},
	TypeSignature: func(r *reader) Message {
		var m Signature
		r.fixed(m.ID[:])
		m.Signature = r.buffer()
		return m
	},
}
