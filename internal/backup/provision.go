package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"log/slog"

	"github.com/google/uuid"

	"obr/internal/config"
	"obr/internal/manifest"
	"obr/internal/nvm"
	"obr/internal/slot"
)

// Provision turns a seed manifest into the device's tracked manifest,
// assigns the device identifier, and captures the factory container.
// Run once at manufacturing; the factory slot refuses a second pass.
func Provision(ctx context.Context, cfg *config.Config, store *nvm.Store, seedPath string) error {
	factory, ok := slot.At(slot.Factory, slot.Internal, cfg.SystemDir, cfg.RemovableDir)
	if ok && factory.Exists() {
		return slot.ErrFactoryExists
	}

	seed, err := manifest.Load(seedPath)
	if err != nil {
		return fmt.Errorf("failed to load seed manifest: %w", err)
	}

	snap, err := manifest.Snapshot(cfg.Root, seed)
	if err != nil {
		return fmt.Errorf("failed to snapshot filesystem: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.ManifestPath()), 0o755); err != nil {
		return err
	}
	if err := manifest.Write(cfg.ManifestPath(), snap); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	deviceID := store.GetString(nvm.KeyDeviceID)
	if deviceID == "" {
		deviceID = uuid.NewString()
		store.Set(nvm.KeyDeviceID, nvm.String(deviceID))
	}
	store.Set(nvm.KeyFirstBootDone, nvm.Bool(false))
	store.Set(nvm.KeyLastBootStatus, nvm.String(nvm.BootStatusClean))
	if err := store.Flush(); err != nil {
		return fmt.Errorf("failed to persist provisioning flags: %w", err)
	}

	if _, err := Run(ctx, cfg, store, slot.Factory); err != nil {
		return fmt.Errorf("failed to capture factory container: %w", err)
	}

	slog.Info("Device provisioned",
		"device_id", deviceID,
		"entries", len(snap.Entries),
		"manifest", cfg.ManifestPath())
	return nil
}
