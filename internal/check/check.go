package check

import (
	"context"
	"fmt"

	"obr/internal/config"
	"obr/internal/manifest"
	"obr/internal/nvm"
	"obr/internal/remote"
	"obr/internal/slot"
)

// Run is the preflight health pass: config, manifest vs filesystem,
// slot inventory, flag store readability, and mirror access when
// configured. It reports rather than repairs.
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Println("config: OK")

	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	fmt.Printf("manifest: OK (%d entries, schema %d)\n", len(m.Entries), m.Schema)

	violations, err := m.Validate(cfg.Root)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if bad := manifest.RequiredViolations(violations); len(bad) > 0 {
		for _, v := range bad {
			fmt.Printf("filesystem: %s %s %s\n", v.Path, v.Kind, v.Detail)
		}
		return fmt.Errorf("filesystem: %d violations", len(bad))
	}
	for _, v := range violations {
		fmt.Printf("filesystem: notice: %s is a %s\n", v.Path, v.Detail)
	}
	fmt.Println("filesystem: OK")

	slots := slot.List(cfg.SystemDir, cfg.RemovableDir)
	if len(slots) == 0 {
		fmt.Println("slots: none provisioned")
	}
	for _, s := range slots {
		meta, err := s.Meta()
		if err != nil {
			fmt.Printf("slot %s (%s): unreadable: %v\n", s.Kind, s.Location, err)
			continue
		}
		fmt.Printf("slot %s (%s): OK (schema %d, %d files)\n", s.Kind, s.Location, meta.Schema, meta.FileCount)
	}

	store, err := nvm.Open(cfg.FlagStorePath())
	if err != nil {
		return fmt.Errorf("flag store: %w", err)
	}
	fmt.Printf("flag store: OK (%d flags, commit %d)\n", len(store.Keys()), store.CommitSeq())
	store.Close()

	if cfg.Mirror.Enabled {
		mirror, err := remote.NewMirror(ctx, cfg.Mirror.Bucket, cfg.Mirror.Region,
			cfg.Mirror.Prefix, cfg.Mirror.Endpoint, cfg.MirrorRetryAttempts())
		if err != nil {
			return fmt.Errorf("mirror init: %w", err)
		}
		if err := mirror.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("mirror credentials: %w", err)
		}
		fmt.Printf("mirror bucket %s: OK\n", cfg.Mirror.Bucket)
	}

	fmt.Println("all checks passed")
	return nil
}
