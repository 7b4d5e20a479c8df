package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"cynsta/spendguard/pkg/pricing"
)

func resetKeysFlags(t *testing.T, dir, keyID string) {
	t.Helper()
	orig := keysFlags
	t.Cleanup(func() { keysFlags = orig })
	keysFlags.dir = dir
	keysFlags.keyID = keyID
	keysFlags.force = false
}

func TestGenerateKeys(t *testing.T) {
	tmpDir := t.TempDir()
	resetKeysFlags(t, tmpDir, "test-key")

	if err := generateKeys(nil, nil); err != nil {
		t.Fatalf("generateKeys() error = %v", err)
	}

	publicKeyPath := filepath.Join(tmpDir, "test-key_public.pem")
	privateKeyPath := filepath.Join(tmpDir, "test-key_private.pem")

	info, err := os.Stat(privateKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("Private key file has incorrect permissions: %o, want 0600", mode)
	}

	pub, err := pricing.LoadPublicKey(publicKeyPath)
	if err != nil {
		t.Fatalf("public key does not parse: %v", err)
	}
	priv, err := pricing.LoadPrivateKey(privateKeyPath)
	if err != nil {
		t.Fatalf("private key does not parse: %v", err)
	}

	msg := []byte("price table")
	if !ed25519.Verify(pub, msg, ed25519.Sign(priv, msg)) {
		t.Error("generated keys are not a matching pair")
	}
}

func TestGenerateKeysAutoID(t *testing.T) {
	tmpDir := t.TempDir()
	resetKeysFlags(t, tmpDir, "")

	if err := generateKeys(nil, nil); err != nil {
		t.Fatalf("generateKeys() error = %v", err)
	}

	files, err := filepath.Glob(filepath.Join(tmpDir, "key-*_public.pem"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Errorf("expected one auto-named public key, found %v", files)
	}
}

func TestGenerateKeysRefusesOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	resetKeysFlags(t, tmpDir, "dup")

	if err := generateKeys(nil, nil); err != nil {
		t.Fatalf("first generateKeys() error = %v", err)
	}
	before, err := os.ReadFile(filepath.Join(tmpDir, "dup_private.pem"))
	if err != nil {
		t.Fatal(err)
	}

	if err := generateKeys(nil, nil); err == nil {
		t.Fatal("second generateKeys() should fail without --force")
	}
	after, err := os.ReadFile(filepath.Join(tmpDir, "dup_private.pem"))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("existing private key was overwritten")
	}

	keysFlags.force = true
	if err := generateKeys(nil, nil); err != nil {
		t.Fatalf("generateKeys() with force error = %v", err)
	}
}
