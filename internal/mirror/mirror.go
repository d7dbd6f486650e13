// Package mirror pushes sealed slot containers to off-device storage
// and fetches them back.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"obr/internal/config"
	"obr/internal/crypto"
	"obr/internal/nvm"
	"obr/internal/remote"
	"obr/internal/slot"
)

func open(ctx context.Context, cfg *config.Config) (*remote.Mirror, error) {
	if !cfg.Mirror.Enabled {
		return nil, fmt.Errorf("mirror is not enabled in config")
	}
	m, err := remote.NewMirror(ctx, cfg.Mirror.Bucket, cfg.Mirror.Region,
		cfg.Mirror.Prefix, cfg.Mirror.Endpoint, cfg.MirrorRetryAttempts())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mirror: %w", err)
	}
	if err := m.VerifyCredentials(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Push seals the internal container for kind with the configured age
// public key and uploads it under the device's identifier.
func Push(ctx context.Context, cfg *config.Config, store *nvm.Store, kind slot.Kind) error {
	s, ok := slot.At(kind, slot.Internal, cfg.SystemDir, cfg.RemovableDir)
	if !ok || !s.Exists() {
		return fmt.Errorf("no internal %s container to push", kind)
	}

	recipient, err := age.ParseX25519Recipient(cfg.AgePublicKey)
	if err != nil {
		return fmt.Errorf("failed to parse age public key: %w", err)
	}

	m, err := open(ctx, cfg)
	if err != nil {
		return err
	}

	sealed := filepath.Join(os.TempDir(), fmt.Sprintf("obr_%s.zip.age", kind))
	defer os.Remove(sealed)

	hash, err := crypto.SealArchive(s.Path, sealed, recipient)
	if err != nil {
		return err
	}

	deviceID := store.GetString(nvm.KeyDeviceID)
	if deviceID == "" {
		return fmt.Errorf("device identifier flag is unset; provision the device first")
	}

	return m.Push(ctx, sealed, remote.SlotKey(deviceID, kind.String()), hash, kind.String())
}

// Pull fetches a sealed container, verifies it against the recorded
// hash, decrypts it with the given private key, and commits it to the
// internal slot. The factory slot's write-once rule still applies.
func Pull(ctx context.Context, cfg *config.Config, store *nvm.Store, kind slot.Kind, privateKeyPath string) error {
	dest, ok := slot.At(kind, slot.Internal, cfg.SystemDir, cfg.RemovableDir)
	if !ok {
		return fmt.Errorf("internal slot path did not resolve")
	}
	if kind == slot.Factory && dest.Exists() {
		return slot.ErrFactoryExists
	}

	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(keyData)))
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	m, err := open(ctx, cfg)
	if err != nil {
		return err
	}

	deviceID := store.GetString(nvm.KeyDeviceID)
	if deviceID == "" {
		return fmt.Errorf("device identifier flag is unset")
	}
	key := remote.SlotKey(deviceID, kind.String())

	info, err := m.Head(ctx, key)
	if err != nil {
		return err
	}

	sealed := filepath.Join(os.TempDir(), fmt.Sprintf("obr_%s_pull.zip.age", kind))
	defer os.Remove(sealed)
	if err := m.Pull(ctx, key, sealed); err != nil {
		return err
	}

	staged := slot.StagingPath(dest)
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return err
	}
	if err := crypto.OpenArchive(sealed, staged, info.Blake3, identity); err != nil {
		os.Remove(staged)
		return err
	}

	return slot.Commit(staged, dest)
}
