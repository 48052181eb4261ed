package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/protocol"
)

func TestNormalizeWSURL(t *testing.T) {
	cases := []struct {
		raw, path, want string
	}{
		{"ws://127.0.0.1:8080", "/ws", "ws://127.0.0.1:8080/ws"},
		{"http://relay.local/anything", "/signal", "ws://relay.local/signal"},
		{"https://relay.example.com", "/ws", "wss://relay.example.com/ws"},
		{"relay.example.com:443", "/ws", "wss://relay.example.com:443/ws"},
	}
	for _, tc := range cases {
		got, err := normalizeWSURL(tc.raw, tc.path)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}

	_, err := normalizeWSURL("ws://", "/ws")
	assert.Error(t, err)
}

func TestParseTopic(t *testing.T) {
	hexTopic := strings.Repeat("ab", 32)
	topic := parseTopic(hexTopic)
	assert.Equal(t, byte(0xab), topic[0])
	assert.Equal(t, byte(0xab), topic[31])

	assert.Equal(t, protocol.Topic(crypto.Hash32([]byte("chat"))), parseTopic("chat"))
}
