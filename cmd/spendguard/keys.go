package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cynsta/spendguard/pkg/pricing"
)

var keysFlags struct {
	dir   string
	keyID string
	force bool
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage price table signing keys",
	Long: `Generate Ed25519 keypairs for signing price tables.

Remote price tables are only accepted when their signature verifies
against the public key in pricing.public_key_path. The private key stays
with whoever publishes the table.

Examples:
  # Generate a keypair with an auto-generated ID
  spendguard keys generate

  # Generate into a custom directory with a fixed ID
  spendguard keys generate --dir /etc/spendguard/keys --key-id prod-2026-10`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new keypair",
	Long: `Generate a new Ed25519 keypair for price table signing.

The keys are saved as PEM files:
  - Public key:  0644 (readable by all)
  - Private key: 0600 (readable only by owner)

Existing files are never overwritten unless --force is set.`,
	Args: cobra.NoArgs,
	RunE: generateKeys,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	keysGenerateCmd.Flags().StringVar(&keysFlags.dir, "dir", "./keys", "output directory")
	keysGenerateCmd.Flags().StringVar(&keysFlags.keyID, "key-id", "", "key ID (auto-generated if empty)")
	keysGenerateCmd.Flags().BoolVar(&keysFlags.force, "force", false, "overwrite existing key files")
}

func generateKeys(cmd *cobra.Command, args []string) error {
	keyID := keysFlags.keyID
	if keyID == "" {
		keyID = fmt.Sprintf("key-%d", time.Now().Unix())
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	if err := os.MkdirAll(keysFlags.dir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	publicKeyPath := filepath.Join(keysFlags.dir, keyID+"_public.pem")
	privateKeyPath := filepath.Join(keysFlags.dir, keyID+"_private.pem")

	// #nosec G306 - public key files are meant to be world-readable
	if err := writeKeyFile(publicKeyPath, pricing.EncodePublicKey(publicKey), 0644); err != nil {
		return fmt.Errorf("failed to save public key: %w", err)
	}
	if err := writeKeyFile(privateKeyPath, pricing.EncodePrivateKey(privateKey), 0600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	w := stdout(cmd)
	fmt.Fprintf(w, "Key ID: %s\n", keyID)
	fmt.Fprintf(w, "Public Key:  %s\n", publicKeyPath)
	fmt.Fprintf(w, "Private Key: %s\n", privateKeyPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "⚠️  Warning: Store private key securely and never commit to version control")
	fmt.Fprintln(w, "✓  Keys generated successfully")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration snippet:")
	fmt.Fprintln(w, "pricing:")
	fmt.Fprintf(w, "  public_key_path: %q\n", publicKeyPath)

	return nil
}

func writeKeyFile(path string, data []byte, perm os.FileMode) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if keysFlags.force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	// #nosec G304 - user-specified output path is expected for a CLI tool
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
