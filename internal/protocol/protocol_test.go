package protocol

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dhtrelay/internal/crypto"
)

func filledKeyPair(b byte) crypto.KeyPair {
	var kp crypto.KeyPair
	for i := range kp.PublicKey {
		kp.PublicKey[i] = b
	}
	for i := range kp.SecretKey {
		kp.SecretKey[i] = b ^ 0x5a
	}
	return kp
}

func fill(dst []byte, b byte) {
	for i := range dst {
		dst[i] = b
	}
}

func publicKey(b byte) crypto.PublicKey {
	var k crypto.PublicKey
	fill(k[:], b)
	return k
}

// sampleMessages covers every variant with both zero-width and maximal
// field values.
func sampleMessages() []struct {
	name string
	msg  Message
} {
	kp := filledKeyPair(0xff)
	var (
		sock  SocketID
		id    QueryID
		topic Topic
		hash  crypto.HandshakeHash
	)
	fill(sock[:], 0xff)
	fill(id[:], 0x01)
	fill(topic[:], 0xab)
	fill(hash[:], 0x33)
	remote := publicKey(0x22)

	return []struct {
		name string
		msg  Message
	}{
		{"handshake zero", Handshake{}},
		{"handshake filled", Handshake{KeyPair: kp}},
		{"error empty", ErrorMessage{}},
		{"error text", ErrorMessage{Message: "handshake failed: ünïcode"}},
		{"ping", Ping{}},
		{"pong", Pong{}},
		{"connect", Connect{Socket: sock, KeyPair: kp, RemotePublicKey: remote}},
		{"connection", Connection{Socket: sock, PublicKey: kp.PublicKey, RemotePublicKey: remote, HandshakeHash: hash}},
		{"destroy", Destroy{Socket: sock, PublicKey: remote}},
		{"listen", Listen{KeyPair: kp}},
		{"listening", Listening{PublicKey: kp.PublicKey, Address: IPv4Address{IP: netip.MustParseAddr("255.255.255.255"), Port: 65535}}},
		{"listening zero port", Listening{PublicKey: kp.PublicKey, Address: IPv4Address{IP: netip.MustParseAddr("0.0.0.0")}}},
		{"close", Close{PublicKey: kp.PublicKey}},
		{"closed", Closed{PublicKey: kp.PublicKey}},
		{"data empty batch", Data{Socket: sock, PublicKey: remote}},
		{"data with empty buffer", Data{Socket: sock, PublicKey: remote, Data: [][]byte{nil, []byte("hi")}}},
		{"data large", Data{Socket: sock, PublicKey: remote, Data: [][]byte{bytes.Repeat([]byte{7}, 70000), []byte("x")}}},
		{"result empty", Result{ID: id}},
		{"result raw", Result{ID: id, Data: []byte{0, 1, 2, 0xfd, 0xff}}},
		{"finished", Finished{ID: id}},
		{"lookup", Lookup{ID: id, Topic: topic}},
		{"announce", Announce{ID: id, Topic: topic, KeyPair: kp}},
		{"unannounce", Unannounce{ID: id, Topic: topic, KeyPair: kp}},
		{"sign empty", Sign{ID: id, PublicKey: kp.PublicKey}},
		{"sign", Sign{ID: id, PublicKey: kp.PublicKey, Data: bytes.Repeat([]byte{1}, 300)}},
		{"signature empty", Signature{ID: id}},
		{"signature", Signature{ID: id, Signature: bytes.Repeat([]byte{9}, 64)}},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	seen := map[Type]bool{}
	for _, tc := range sampleMessages() {
		t.Run(tc.name, func(t *testing.T) {
			frame := Encode(tc.msg)
			decoded, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, decoded)
			assert.Equal(t, tc.msg.Type(), decoded.Type())
		})
		seen[tc.msg.Type()] = true
	}
	assert.Len(t, seen, int(typeCount), "every variant must be sampled")
}

func TestPreencodeExactness(t *testing.T) {
	for _, tc := range sampleMessages() {
		t.Run(tc.name, func(t *testing.T) {
			s := &State{}
			s.PreencodeUint(uint64(tc.msg.Type()))
			tc.msg.preencode(s)
			predicted := s.End

			s.Alloc()
			s.EncodeUint(uint64(tc.msg.Type()))
			tc.msg.encode(s)

			assert.Equal(t, predicted, s.Start, "bytes written")
			assert.Equal(t, predicted, len(s.Buffer))
			assert.Equal(t, predicted, Size(tc.msg))
		})
	}
}

func TestUintWidths(t *testing.T) {
	testCases := []struct {
		value uint64
		width int
	}{
		{0, 1},
		{0xfc, 1},
		{0xfd, 3},
		{0xffff, 3},
		{0x10000, 5},
		{0xffffffff, 5},
		{0x100000000, 9},
		{^uint64(0), 9},
	}

	for _, tc := range testCases {
		s := &State{}
		s.PreencodeUint(tc.value)
		require.Equal(t, tc.width, s.End, "width of %#x", tc.value)

		s.Alloc()
		s.EncodeUint(tc.value)
		require.Equal(t, tc.width, s.Start)

		got, err := NewDecodeState(s.Buffer).DecodeUint()
		require.NoError(t, err)
		assert.Equal(t, tc.value, got)
	}
}

func TestListeningWireLayout(t *testing.T) {
	kp := filledKeyPair(0x11)
	msg := Listening{
		PublicKey: kp.PublicKey,
		Address:   IPv4Address{IP: netip.MustParseAddr("127.0.0.1"), Port: 4444},
	}

	want := []byte{byte(TypeListening)}
	want = append(want, kp.PublicKey[:]...)
	want = append(want, 127, 0, 0, 1, 0x5c, 0x11)

	assert.Equal(t, want, Encode(msg))
}

func TestDecodeTruncatedFrame(t *testing.T) {
	var hash crypto.HandshakeHash
	fill(hash[:], 3)
	frame := Encode(Connection{
		Socket:          SocketID{1, 2, 3, 4},
		PublicKey:       publicKey(1),
		RemotePublicKey: publicKey(2),
		HandshakeHash:   hash,
	})

	for n := 0; n < len(frame); n++ {
		_, err := Decode(frame[:n])
		require.ErrorIs(t, err, ErrShortBuffer, "prefix of %d bytes", n)
	}
}

func TestDecodeFramingErrors(t *testing.T) {
	key := publicKey(4)

	oversizedBatch := []byte{byte(TypeData), 0, 0, 0, 0}
	oversizedBatch = append(oversizedBatch, key[:]...)
	oversizedBatch = append(oversizedBatch, 0xfe, 0xa1, 0x86, 0x01, 0x00) // 100001
	oversizedBatch = append(oversizedBatch, make([]byte, MaxCollectionCount+1)...)

	lyingLength := []byte{byte(TypeError), 0xfe, 0xff, 0xff, 0xff, 0x00, 'a'}

	testCases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty frame", nil, ErrShortBuffer},
		{"unknown type", []byte{byte(typeCount)}, ErrUnknownType},
		{"type code overflow", []byte{0xfd, 0x00, 0x01}, ErrVarintOverflow},
		{"trailing bytes", append(Encode(Ping{}), 0), ErrTrailingBytes},
		{"length past end", lyingLength, ErrShortBuffer},
		{"truncated varint", []byte{byte(TypeError), 0xfe, 0x01}, ErrShortBuffer},
		{"collection too large", oversizedBatch, ErrCollectionTooLarge},
		{"allocation too large", Encode(Sign{Data: make([]byte, MaxAllocation+1)}), ErrAllocationTooLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode(tc.frame)
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestErrorVariantIsError(t *testing.T) {
	decoded, err := Decode(Encode(ErrorMessage{Message: "peer unreachable"}))
	require.NoError(t, err)

	var failure error = decoded.(ErrorMessage)
	assert.EqualError(t, failure, "peer unreachable")

	var em ErrorMessage
	require.True(t, errors.As(failure, &em))
	assert.Equal(t, "peer unreachable", em.Message)
}

func TestAnnouncersRoundTrip(t *testing.T) {
	var token [32]byte
	fill(token[:], 0xee)

	testCases := []struct {
		name string
		a    Announcers
	}{
		{"zero", Announcers{
			From: Node{Address: IPv4Address{IP: netip.IPv4Unspecified()}},
			To:   Node{Address: IPv4Address{IP: netip.IPv4Unspecified()}},
		}},
		{"populated", Announcers{
			Token: token,
			From:  Node{ID: []byte{1, 2, 3}, Address: IPv4Address{IP: netip.MustParseAddr("10.0.0.1"), Port: 49737}},
			To:    Node{ID: bytes.Repeat([]byte{4}, 32), Address: IPv4Address{IP: netip.MustParseAddr("192.168.1.20"), Port: 1}},
			Peers: []Peer{
				{PublicKey: publicKey(5)},
				{PublicKey: publicKey(6), RelayAddresses: []IPv4Address{
					{IP: netip.MustParseAddr("1.2.3.4"), Port: 80},
					{IP: netip.MustParseAddr("5.6.7.8"), Port: 443},
				}},
			},
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := EncodeAnnouncers(tc.a)
			got, err := DecodeAnnouncers(buf)
			require.NoError(t, err)
			assert.Equal(t, tc.a, got)

			_, err = DecodeAnnouncers(append(buf, 0))
			assert.ErrorIs(t, err, ErrTrailingBytes)
		})
	}
}

func TestAddressFromUnmapsIPv4(t *testing.T) {
	ap := netip.MustParseAddrPort("[::ffff:127.0.0.1]:8080")
	addr := AddressFrom(ap)
	assert.True(t, addr.IP.Is4())
	assert.Equal(t, "127.0.0.1:8080", addr.String())
}

func TestStreamFraming(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{Encode(Ping{}), Encode(ErrorMessage{Message: "x"}), {}}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}
}

func TestStreamFramingRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 129)))

	_, err := ReadFrame(&buf, 128)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestStreamFramingTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	truncated := bytes.NewReader(buf.Bytes()[:6])

	_, err := ReadFrame(truncated, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
