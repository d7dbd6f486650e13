// Package keys manages the age keypair that seals mirrored containers.
package keys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"obr/internal/config"
	"obr/internal/crypto"
)

func Generate(_ context.Context) error {
	fmt.Println("Generating age public and private key pair...")

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	fmt.Println("\n=== Age Key Pair Generated ===")
	fmt.Printf("Public key:  %s\n", identity.Recipient().String())
	fmt.Printf("Private key: %s\n", identity.String())
	fmt.Println("\nPut the public key in the device config; keep the private key off-device.")
	fmt.Println("!! A lost private key makes mirrored containers unrecoverable !!")

	return nil
}

// Test round-trips a file through the configured public key and the
// given private key so a mismatched pair is caught before the first
// mirror push.
func Test(_ context.Context, configPath, privateKeyPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.AgePublicKey == "" {
		return fmt.Errorf("no age_public_key in config")
	}

	recipient, err := age.ParseX25519Recipient(cfg.AgePublicKey)
	if err != nil {
		return fmt.Errorf("failed to parse public key from config: %w", err)
	}

	privateKeyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(privateKeyData)))
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "obr_key_test_*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	testContent := "obr key pair test " + time.Now().Format(time.RFC3339)
	testFile := filepath.Join(tempDir, "sample.txt")
	if err := os.WriteFile(testFile, []byte(testContent), 0o600); err != nil {
		return fmt.Errorf("failed to create test file: %w", err)
	}

	sealed := filepath.Join(tempDir, "sample.txt.age")
	if err := crypto.Encrypt(testFile, sealed, recipient); err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	opened := filepath.Join(tempDir, "sample_opened.txt")
	if err := crypto.Decrypt(sealed, opened, identity); err != nil {
		return fmt.Errorf("decryption failed: %w\nthe private key does not match the public key in config", err)
	}

	roundTripped, err := os.ReadFile(opened)
	if err != nil {
		return fmt.Errorf("failed to read decrypted file: %w", err)
	}
	if string(roundTripped) != testContent {
		return fmt.Errorf("content mismatch after round trip")
	}

	fmt.Println("Key pair verified: encrypt and decrypt round trip succeeded")
	return nil
}
