package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dhtrelay/internal/protocol"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadTOML(t *testing.T) {
	path := write(t, "relay.toml", `
http_addr = ":9000"
tcp_addr = ":9001"
engine = "libp2p"
debug = true
stats_interval = "30s"

[p2p]
listen_addrs = ["/ip4/0.0.0.0/tcp/4001"]
bootstrap_peers = ["/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWExample"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, ":9001", cfg.TCPAddr)
	assert.Equal(t, EngineLibp2p, cfg.Engine)
	assert.True(t, cfg.Debug)
	assert.Equal(t, Duration(30*time.Second), cfg.StatsInterval)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001"}, cfg.P2P.ListenAddrs)
	assert.Len(t, cfg.P2P.BootstrapPeers, 1)

	// Unset keys keep their defaults.
	assert.Equal(t, protocol.DefaultMaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, Default().STUNServers, cfg.STUNServers)
}

func TestLoadYAML(t *testing.T) {
	path := write(t, "relay.yaml", `
http_addr: ""
tcp_addr: "127.0.0.1:7000"
engine: MEMORY
max_frame_size: 65536
stats_interval: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Empty(t, cfg.HTTPAddr)
	assert.Equal(t, "127.0.0.1:7000", cfg.TCPAddr)
	assert.Equal(t, EngineMemory, cfg.Engine)
	assert.Equal(t, 65536, cfg.MaxFrameSize)
	assert.Equal(t, Duration(time.Minute), cfg.StatsInterval)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(write(t, "relay.json", `{}`))
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(write(t, "bad.toml", `engine = "gossip"`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(write(t, "bad.yaml", "stats_interval: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no listeners":    func(c *Config) { c.HTTPAddr = "" },
		"tiny frames":     func(c *Config) { c.MaxFrameSize = 16 },
		"huge frames":     func(c *Config) { c.MaxFrameSize = maxFrameLimit + 1 },
		"negative stats":  func(c *Config) { c.StatsInterval = -1 },
		"p2p without p2p": func(c *Config) { c.P2P.BootstrapPeers = []string{"x"} },
		"unknown engine":  func(c *Config) { c.Engine = "quic" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
