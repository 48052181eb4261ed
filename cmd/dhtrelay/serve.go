package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/dhtrelay/internal/config"
	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/dht/memdht"
	"github.com/1ureka/dhtrelay/internal/dht/p2pdht"
	"github.com/1ureka/dhtrelay/internal/relay"
	"github.com/1ureka/dhtrelay/internal/util"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		httpAddr   string
		tcpAddr    string
		engine     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			flags := cmd.Flags()
			if flags.Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if flags.Changed("tcp") {
				cfg.TCPAddr = tcpAddr
			}
			if flags.Changed("engine") {
				cfg.Engine = config.Engine(engine)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Debug {
				util.EnableDebug()
			}

			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a TOML or YAML config file")
	flags.StringVar(&httpAddr, "http", "", "HTTP listen address for /ws, /signal and /metrics (empty disables)")
	flags.StringVar(&tcpAddr, "tcp", "", "TCP listen address for stream-framed controllers (empty disables)")
	flags.StringVar(&engine, "engine", "", "DHT engine: memory or libp2p")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	node, err := newNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			util.LogWarning("failed to close %s engine: %v", cfg.Engine, err)
		}
	}()

	pterm.Info.Println(fmt.Sprintf("dhtrelay — v%s (%s engine)", version, cfg.Engine))
	pterm.Println()

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, time.Duration(cfg.StatsInterval))
	}

	srv := relay.NewServer(node, relay.Options{
		HTTPAddr:     cfg.HTTPAddr,
		TCPAddr:      cfg.TCPAddr,
		MaxFrameSize: cfg.MaxFrameSize,
		STUNServers:  cfg.STUNServers,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("relay stopped: %w", err)
	}

	util.LogInfo("relay shut down")
	return nil
}

func newNode(ctx context.Context, cfg config.Config) (dht.Node, error) {
	switch cfg.Engine {
	case config.EngineLibp2p:
		node, err := p2pdht.New(ctx, p2pdht.Config{
			ListenAddrs:    cfg.P2P.ListenAddrs,
			BootstrapPeers: cfg.P2P.BootstrapPeers,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start libp2p engine: %w", err)
		}
		return node, nil
	default:
		return memdht.New(), nil
	}
}
