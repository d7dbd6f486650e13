package restore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"obr/internal/config"
	"obr/internal/fsview"
	"obr/internal/manifest"
)

// placeholder content makes the stub recognizable so a later real
// restore or manual repair knows it holds no user data.
var placeholder = []byte("# placeholder written by emergency repair; restore a backup to replace\n")

// Emergency is the last resort when every restore source is exhausted:
// it synthesizes empty directories and placeholder files for missing
// required entries so the bootloader can still reach recovery instead
// of failing to start at all. It never touches entries that exist.
func Emergency(cfg *config.Config) (created int, err error) {
	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return 0, fmt.Errorf("failed to load manifest: %w", err)
	}

	for _, e := range m.Entries {
		if !e.Required {
			continue
		}
		full := filepath.Join(cfg.Root, e.Path)
		if _, statErr := fsview.Classify(full); statErr == nil {
			continue
		} else if !os.IsNotExist(statErr) {
			return created, fmt.Errorf("stat %s: %w", e.Path, statErr)
		}

		if e.Dir {
			if err := os.MkdirAll(full, 0o755); err != nil {
				return created, fmt.Errorf("mkdir %s: %w", e.Path, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return created, fmt.Errorf("mkdir for %s: %w", e.Path, err)
			}
			if err := os.WriteFile(full, placeholder, 0o644); err != nil {
				return created, fmt.Errorf("write %s: %w", e.Path, err)
			}
		}
		slog.Warn("Emergency placeholder created", "path", e.Path)
		created++
	}

	return created, nil
}
