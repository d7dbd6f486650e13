// Package restore selects a backup source, extracts it, and
// re-validates the filesystem afterwards.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"obr/internal/archive"
	"obr/internal/config"
	"obr/internal/fsview"
	"obr/internal/manifest"
	"obr/internal/nvm"
	"obr/internal/slot"
	"obr/internal/webrec"
)

// ErrUnrecoverable means every source was exhausted. There is no
// automatic retry: a genuinely dead device must not be masked by a
// retry loop, it needs manual intervention.
var ErrUnrecoverable = errors.New("all restore sources exhausted")

// ErrCancelled reports a restore stopped at the operator's request
// before a candidate was committed.
var ErrCancelled = errors.New("restore cancelled")

// Outcome reports which source repaired the device and what the
// extraction accomplished.
type Outcome struct {
	Source  string
	Result  *archive.Result
	Notices []manifest.Violation
}

// Run walks the fixed source priority (removable last-known-good,
// internal last-known-good, internal factory, then web recovery when
// enabled) and returns the first candidate that both extracts and
// validates. A candidate whose post-extraction validation still shows
// required-entry violations is rejected and the next one is tried.
func Run(ctx context.Context, cfg *config.Config, store *nvm.Store, cancelled func() bool) (*Outcome, error) {
	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	for _, s := range slot.RestoreOrder(cfg.SystemDir, cfg.RemovableDir) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cancelled != nil && cancelled() {
			return nil, ErrCancelled
		}
		outcome, err := tryCandidate(cfg, m, s.Path, s.Location.String()+" "+s.Kind.String())
		if err != nil {
			slog.Warn("Restore candidate rejected", "source", s.Path, "error", err)
			continue
		}
		return finish(store, outcome)
	}

	if cfg.WebRecovery.Enabled {
		outcome, err := tryWeb(ctx, cfg, m, cancelled)
		if err != nil {
			slog.Warn("Web recovery rejected", "error", err)
		} else {
			return finish(store, outcome)
		}
	}

	return nil, ErrUnrecoverable
}

// Web restores from the web source alone, for the explicit
// webrecovery action. urlOverride replaces the configured URL when
// non-empty.
func Web(ctx context.Context, cfg *config.Config, store *nvm.Store, urlOverride string, cancelled func() bool) (*Outcome, error) {
	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	webCfg := *cfg
	if urlOverride != "" {
		webCfg.WebRecovery.URL = urlOverride
	}
	outcome, err := tryWeb(ctx, &webCfg, m, cancelled)
	if err != nil {
		return nil, err
	}
	return finish(store, outcome)
}

// FromSlot restores a single named source, used by factory reset.
func FromSlot(ctx context.Context, cfg *config.Config, store *nvm.Store, s slot.Slot) (*Outcome, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	outcome, err := tryCandidate(cfg, m, s.Path, s.Location.String()+" "+s.Kind.String())
	if err != nil {
		return nil, err
	}
	return finish(store, outcome)
}

func finish(store *nvm.Store, outcome *Outcome) (*Outcome, error) {
	store.Set(nvm.KeyLastBootStatus, nvm.String(nvm.BootStatusRecovered))
	if err := store.Flush(); err != nil {
		// The filesystem is repaired either way; the flag just records it.
		slog.Warn("Failed to persist recovered status", "error", err)
	}
	slog.Info("Restore succeeded", "source", outcome.Source,
		"restored", len(outcome.Result.Restored), "failed", len(outcome.Result.Failed))
	return outcome, nil
}

func tryCandidate(cfg *config.Config, m *manifest.Manifest, containerPath, sourceName string) (*Outcome, error) {
	meta, err := archive.ReadMeta(containerPath)
	if err != nil {
		return nil, fmt.Errorf("unreadable container: %w", err)
	}
	if meta.Schema <= 0 || meta.Schema > manifest.SchemaVersion {
		return nil, fmt.Errorf("incompatible manifest schema %d (this build understands <= %d)",
			meta.Schema, manifest.SchemaVersion)
	}

	res, err := archive.Extract(containerPath, cfg.Root, skipNonFileTargets(cfg.Root))
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	if res.Status == archive.Failed {
		return nil, fmt.Errorf("extraction restored nothing")
	}

	violations, err := m.Validate(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("post-restore validation errored: %w", err)
	}
	if bad := manifest.RequiredViolations(violations); len(bad) > 0 {
		return nil, fmt.Errorf("post-restore validation still failing: %d violations, first: %s %s",
			len(bad), bad[0].Path, bad[0].Kind)
	}

	return &Outcome{Source: sourceName, Result: res, Notices: violations}, nil
}

func tryWeb(ctx context.Context, cfg *config.Config, m *manifest.Manifest, cancelled func() bool) (*Outcome, error) {
	url := cfg.WebRecovery.URL
	if url == "" {
		url = webrec.DefaultURL
	}

	dest := filepath.Join(os.TempDir(), "obr_web_recovery.zip")
	defer os.Remove(dest)

	if err := webrec.Fetch(ctx, url, dest, cfg.WebTimeout(), cancelled); err != nil {
		return nil, err
	}
	return tryCandidate(cfg, m, dest, "web")
}

// skipNonFileTargets keeps extraction away from destination artifacts
// that are neither files nor directories, the same filtering the
// manifest validator applies.
func skipNonFileTargets(root string) func(name string) bool {
	return func(name string) bool {
		entry, err := fsview.Classify(filepath.Join(root, name))
		if err != nil {
			return false // absent or stat-broken targets are fair game
		}
		if !entry.IsArchivable() {
			slog.Info("Skipping non-file destination artifact", "path", name, "kind", entry.Kind.String())
			return true
		}
		return false
	}
}
