package crypto

import (
	"golang.org/x/crypto/blake2b"
)

// NewHandshakeHash derives the session binding value for a connection from
// the initiator's and responder's public keys and an optional transcript
// (nonce, connection id, ...). Both sides compute the same value as long as
// they agree on who initiated.
func NewHandshakeHash(initiator, responder PublicKey, transcript []byte) HandshakeHash {
	h, _ := blake2b.New512(nil)
	h.Write(initiator[:])
	h.Write(responder[:])
	h.Write(transcript)

	var out HandshakeHash
	copy(out[:], h.Sum(nil))
	return out
}

// Hash32 returns the blake2b-256 digest of data.
func Hash32(data []byte) [32]byte {
	return blake2b.Sum256(data)
}
