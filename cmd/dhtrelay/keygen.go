package main

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/dhtrelay/internal/crypto"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key pair for a controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.GenerateKeyPair(rand.Reader)
			if err != nil {
				return err
			}
			return pterm.DefaultTable.WithData(pterm.TableData{
				{"Public key", kp.PublicKey.String()},
				{"Seed", hex.EncodeToString(kp.SecretKey[:32])},
			}).Render()
		},
	}
}
