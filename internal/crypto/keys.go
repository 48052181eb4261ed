// Package crypto holds the identity types shared by the wire protocol and the
// DHT engines: ed25519 key pairs, signatures and handshake hashes.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Key sizes on the wire.
const (
	PublicKeySize     = 32
	SecretKeySize     = 64
	HandshakeHashSize = 64
)

var ErrInvalidKey = errors.New("crypto: invalid key")

// PublicKey is the addressable identity of an endpoint.
type PublicKey [PublicKeySize]byte

// SecretKey uses the ed25519 private key layout: 32-byte seed followed by the
// public key.
type SecretKey [SecretKeySize]byte

// HandshakeHash binds both sides of a connection to the same session.
type HandshakeHash [HandshakeHashSize]byte

// KeyPair is the identity of one endpoint.
type KeyPair struct {
	PublicKey PublicKey
	SecretKey SecretKey
}

// GenerateKeyPair creates a new ed25519 key pair. A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	var kp KeyPair
	copy(kp.PublicKey[:], pub)
	copy(kp.SecretKey[:], priv)
	return kp, nil
}

// KeyPairFromSeed derives a key pair deterministically from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKey, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var kp KeyPair
	copy(kp.SecretKey[:], priv)
	copy(kp.PublicKey[:], priv[32:])
	return kp, nil
}

// Sign signs msg with the key pair's secret key.
func (kp KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(kp.SecretKey[:]), msg)
}

// Verify reports whether sig is a valid signature of msg by pub.
func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// Valid reports whether the secret key seed derives the public key.
func (kp KeyPair) Valid() bool {
	priv := ed25519.NewKeyFromSeed(kp.SecretKey[:ed25519.SeedSize])
	return PublicKey(priv[ed25519.SeedSize:]) == kp.PublicKey
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 hex characters, for log lines.
func (k PublicKey) Short() string {
	return hex.EncodeToString(k[:4])
}

// ParsePublicKey parses a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != PublicKeySize {
		return k, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(b))
	}
	copy(k[:], b)
	return k, nil
}
