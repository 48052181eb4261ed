// Package config holds the relay configuration and its file loaders.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/dhtrelay/internal/protocol"
)

// Engine selects the dht implementation behind the relay.
type Engine string

const (
	EngineMemory Engine = "memory"
	EngineLibp2p Engine = "libp2p"
)

const maxFrameLimit = 64 * 1024 * 1024

var (
	ErrUnknownFormat = errors.New("config: unknown file format")
	ErrInvalid       = errors.New("config: invalid value")
)

// Config stores every relay setting. Zero fields in a file keep the default.
type Config struct {
	HTTPAddr      string    `toml:"http_addr" yaml:"http_addr"`
	TCPAddr       string    `toml:"tcp_addr" yaml:"tcp_addr"`
	Engine        Engine    `toml:"engine" yaml:"engine"`
	Debug         bool      `toml:"debug" yaml:"debug"`
	MaxFrameSize  int       `toml:"max_frame_size" yaml:"max_frame_size"`
	StatsInterval Duration  `toml:"stats_interval" yaml:"stats_interval"`
	STUNServers   []string  `toml:"stun_servers" yaml:"stun_servers"`
	P2P           P2PConfig `toml:"p2p" yaml:"p2p"`
}

// P2PConfig configures the libp2p engine.
type P2PConfig struct {
	ListenAddrs    []string `toml:"listen_addrs" yaml:"listen_addrs"`
	BootstrapPeers []string `toml:"bootstrap_peers" yaml:"bootstrap_peers"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTPAddr:      "127.0.0.1:8080",
		Engine:        EngineMemory,
		MaxFrameSize:  protocol.DefaultMaxFrameSize,
		StatsInterval: Duration(5 * time.Second),
		STUNServers:   []string{"stun:stun.l.google.com:19302"},
	}
}

// Load reads a TOML or YAML file over the defaults, chosen by extension, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}

	cfg.HTTPAddr = strings.TrimSpace(cfg.HTTPAddr)
	cfg.TCPAddr = strings.TrimSpace(cfg.TCPAddr)
	cfg.Engine = Engine(strings.ToLower(strings.TrimSpace(string(cfg.Engine))))

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineMemory, EngineLibp2p:
	default:
		return fmt.Errorf("%w: engine %q (expected memory or libp2p)", ErrInvalid, c.Engine)
	}
	if c.HTTPAddr == "" && c.TCPAddr == "" {
		return fmt.Errorf("%w: one of http_addr or tcp_addr is required", ErrInvalid)
	}
	if c.MaxFrameSize < 1024 || c.MaxFrameSize > maxFrameLimit {
		return fmt.Errorf("%w: max_frame_size %d (expected 1024 ~ %d)", ErrInvalid, c.MaxFrameSize, maxFrameLimit)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("%w: stats_interval %s", ErrInvalid, time.Duration(c.StatsInterval))
	}
	if c.Engine != EngineLibp2p && (len(c.P2P.ListenAddrs) > 0 || len(c.P2P.BootstrapPeers) > 0) {
		return fmt.Errorf("%w: p2p settings require engine libp2p", ErrInvalid)
	}
	return nil
}
