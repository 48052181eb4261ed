package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/dhtrelay/internal/client"
	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/signaling"
	"github.com/1ureka/dhtrelay/internal/transport"
	"github.com/1ureka/dhtrelay/internal/webrtc"
)

func lookupCmd() *cobra.Command {
	var (
		relayURL string
		topicArg string
		useRTC   bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the peers announced under a topic through a relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := parseTopic(topicArg)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			conn, err := dialRelay(ctx, relayURL, useRTC)
			if err != nil {
				return err
			}

			c := client.New(conn)
			c.Start(ctx)
			defer c.Close()

			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Looking up %s", hex.EncodeToString(topic[:4])))
			replies, err := c.Lookup(ctx, topic)
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			spinner.Success(fmt.Sprintf("%d replies", len(replies)))

			data := pterm.TableData{{"Peer", "Relay addresses", "From"}}
			for _, r := range replies {
				for _, p := range r.Peers {
					addrs := make([]string, len(p.RelayAddresses))
					for i, a := range p.RelayAddresses {
						addrs[i] = a.String()
					}
					data = append(data, []string{p.PublicKey.String(), strings.Join(addrs, ", "), r.From.Address.String()})
				}
			}
			if len(data) == 1 {
				pterm.Info.Println("no peers announced under this topic")
				return nil
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&relayURL, "url", "", "Relay address (e.g. ws://127.0.0.1:8080)")
	flags.StringVar(&topicArg, "topic", "", "Topic as 64 hex characters, or any text to hash")
	flags.BoolVar(&useRTC, "webrtc", false, "Connect through /signal and a WebRTC DataChannel")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("topic")

	return cmd
}

func dialRelay(ctx context.Context, raw string, useRTC bool) (transport.Conn, error) {
	if useRTC {
		u, err := normalizeWSURL(raw, "/signal")
		if err != nil {
			return nil, err
		}
		return signaling.Offer(ctx, u, signaling.Options{STUNServers: webrtc.DefaultSTUNServers})
	}
	u, err := normalizeWSURL(raw, "/ws")
	if err != nil {
		return nil, err
	}
	return transport.DialWebSocket(ctx, u, 0)
}

// parseTopic accepts a hex-encoded 32-byte topic; anything else is hashed.
func parseTopic(s string) protocol.Topic {
	if b, err := hex.DecodeString(s); err == nil && len(b) == len(protocol.Topic{}) {
		return protocol.Topic(b)
	}
	return protocol.Topic(crypto.Hash32([]byte(s)))
}
