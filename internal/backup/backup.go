// Package backup assembles slot containers from the live filesystem.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"obr/internal/archive"
	"obr/internal/config"
	"obr/internal/manifest"
	"obr/internal/nvm"
	"obr/internal/slot"
)

// Run snapshots the manifest-tracked files into the given slot. The
// filesystem must validate clean first: a last-known-good or factory
// container of a broken filesystem would defeat the whole scheme.
func Run(ctx context.Context, cfg *config.Config, store *nvm.Store, kind slot.Kind) (slot.Slot, error) {
	if ctx.Err() != nil {
		return slot.Slot{}, fmt.Errorf("backup cancelled before start: %w", ctx.Err())
	}

	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return slot.Slot{}, fmt.Errorf("failed to load manifest: %w", err)
	}

	violations, err := m.Validate(cfg.Root)
	if err != nil {
		return slot.Slot{}, fmt.Errorf("pre-backup validation failed: %w", err)
	}
	if bad := manifest.RequiredViolations(violations); len(bad) > 0 {
		return slot.Slot{}, fmt.Errorf("refusing to back up a failing filesystem: %d violations, first: %s %s",
			len(bad), bad[0].Path, bad[0].Kind)
	}

	snap, err := manifest.Snapshot(cfg.Root, m)
	if err != nil {
		return slot.Slot{}, fmt.Errorf("failed to snapshot manifest: %w", err)
	}

	dest, ok := slot.At(kind, slot.Internal, cfg.SystemDir, cfg.RemovableDir)
	if !ok {
		return slot.Slot{}, fmt.Errorf("internal slot path did not resolve")
	}
	if kind == slot.Factory && dest.Exists() {
		return slot.Slot{}, slot.ErrFactoryExists
	}

	paths := make([]string, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		paths = append(paths, e.Path)
	}

	meta := archive.Meta{
		Schema:   snap.Schema,
		SlotKind: kind.String(),
		DeviceID: store.GetString(nvm.KeyDeviceID),
	}

	staged := slot.StagingPath(dest)
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return slot.Slot{}, err
	}
	skipped, err := archive.Create(cfg.Root, paths, staged, meta)
	if err != nil {
		os.Remove(staged)
		return slot.Slot{}, fmt.Errorf("failed to create container: %w", err)
	}
	if len(skipped) > 0 {
		slog.Info("Backup skipped non-file artifacts", "count", len(skipped))
	}

	if err := slot.Commit(staged, dest); err != nil {
		os.Remove(staged)
		return slot.Slot{}, err
	}

	if err := mirrorRemovable(dest, cfg.SystemDir, cfg.RemovableDir); err != nil {
		// The internal slot is already committed; a missing or flaky
		// removable card only costs the mirror.
		slog.Warn("Removable mirror failed", "error", err)
	}

	slog.Info("Backup complete", "slot", kind.String(), "path", dest.Path)
	return dest, nil
}

func mirrorRemovable(src slot.Slot, systemDir, removableDir string) error {
	mirror, ok := slot.At(src.Kind, slot.Removable, systemDir, removableDir)
	if !ok {
		return nil
	}
	if mirror.Kind == slot.Factory && mirror.Exists() {
		return nil
	}

	staged := slot.StagingPath(mirror)
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return err
	}
	if err := copyFile(src.Path, staged); err != nil {
		os.Remove(staged)
		return err
	}
	return slot.Commit(staged, mirror)
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}

	return dstFile.Sync()
}
