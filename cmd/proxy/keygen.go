package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/diaglink/proxy/pkg/utils/keygen"
)

var (
	keyDir  string
	keyBits int
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the RSA keypair used to open UI request envelopes",
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keyDir, "dir", "conf", "Directory to write the key files to")
	keygenCmd.Flags().IntVar(&keyBits, "bits", 2048, "RSA key size")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	privateKeyPath := filepath.Join(keyDir, "rsa-private-key.pem")
	publicKeyPath := filepath.Join(keyDir, "rsa-public-key.pem")

	created, err := keygen.GenerateRSAKeyPair(privateKeyPath, publicKeyPath, keyBits)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if !created {
		fmt.Fprintf(cmd.OutOrStdout(), "key pair already exists at %s (skipped)\n", privateKeyPath)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key: %s\n", privateKeyPath, publicKeyPath)
	return nil
}
