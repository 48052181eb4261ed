package protocol

import "github.com/1ureka/dhtrelay/internal/crypto"

// Node describes a DHT routing node: its id and the address it answered from.
type Node struct {
	ID      []byte
	Address IPv4Address
}

// Peer is an announcing public key and the relays it can be reached through.
type Peer struct {
	PublicKey      crypto.PublicKey
	RelayAddresses []IPv4Address
}

// Announcers is one lookup or announce reply, carried in result.data.
type Announcers struct {
	Token [32]byte
	From  Node
	To    Node
	Peers []Peer
}

var (
	addressArray = Array(IPv4)
	peerArray    = Array[Peer](peerCodec{})
)

type nodeCodec struct{}

// NodeCodec encodes a Node as buffer(id) followed by ipv4Address.
var NodeCodec Codec[Node] = nodeCodec{}

func (nodeCodec) Preencode(s *State, v Node) {
	s.PreencodeBuffer(v.ID)
	IPv4.Preencode(s, v.Address)
}

func (nodeCodec) Encode(s *State, v Node) {
	s.EncodeBuffer(v.ID)
	IPv4.Encode(s, v.Address)
}

func (nodeCodec) Decode(s *State) (Node, error) {
	id, err := s.DecodeBuffer()
	if err != nil {
		return Node{}, err
	}
	addr, err := IPv4.Decode(s)
	if err != nil {
		return Node{}, err
	}
	return Node{ID: id, Address: addr}, nil
}

type peerCodec struct{}

// PeerCodec encodes a Peer as publicKey(32) followed by array(ipv4Address).
var PeerCodec Codec[Peer] = peerCodec{}

func (peerCodec) Preencode(s *State, v Peer) {
	s.PreencodeFixed(crypto.PublicKeySize)
	addressArray.Preencode(s, v.RelayAddresses)
}

func (peerCodec) Encode(s *State, v Peer) {
	s.EncodeFixed(v.PublicKey[:])
	addressArray.Encode(s, v.RelayAddresses)
}

func (peerCodec) Decode(s *State) (Peer, error) {
	var p Peer
	if err := s.DecodeFixed(p.PublicKey[:]); err != nil {
		return Peer{}, err
	}
	addrs, err := addressArray.Decode(s)
	if err != nil {
		return Peer{}, err
	}
	p.RelayAddresses = addrs
	return p, nil
}

type announcersCodec struct{}

// AnnouncersCodec encodes token(32), from node, to node, array(peer).
var AnnouncersCodec Codec[Announcers] = announcersCodec{}

func (announcersCodec) Preencode(s *State, v Announcers) {
	s.PreencodeFixed(len(v.Token))
	NodeCodec.Preencode(s, v.From)
	NodeCodec.Preencode(s, v.To)
	peerArray.Preencode(s, v.Peers)
}

func (announcersCodec) Encode(s *State, v Announcers) {
	s.EncodeFixed(v.Token[:])
	NodeCodec.Encode(s, v.From)
	NodeCodec.Encode(s, v.To)
	peerArray.Encode(s, v.Peers)
}

func (announcersCodec) Decode(s *State) (Announcers, error) {
	var a Announcers
	var err error
	if err = s.DecodeFixed(a.Token[:]); err != nil {
		return Announcers{}, err
	}
	if a.From, err = NodeCodec.Decode(s); err != nil {
		return Announcers{}, err
	}
	if a.To, err = NodeCodec.Decode(s); err != nil {
		return Announcers{}, err
	}
	if a.Peers, err = peerArray.Decode(s); err != nil {
		return Announcers{}, err
	}
	return a, nil
}

// EncodeAnnouncers serializes a into a standalone buffer suitable for
// result.data.
func EncodeAnnouncers(a Announcers) []byte {
	s := &State{}
	AnnouncersCodec.Preencode(s, a)
	s.Alloc()
	AnnouncersCodec.Encode(s, a)
	return s.Buffer
}

// DecodeAnnouncers parses a result.data payload. The payload must be
// consumed exactly.
func DecodeAnnouncers(buf []byte) (Announcers, error) {
	s := NewDecodeState(buf)
	a, err := AnnouncersCodec.Decode(s)
	if err != nil {
		return Announcers{}, err
	}
	if s.Remaining() != 0 {
		return Announcers{}, ErrTrailingBytes
	}
	return a, nil
}
