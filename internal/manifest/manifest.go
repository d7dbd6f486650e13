// Package manifest loads the canonical required-file list and
// validates it against the live filesystem.
package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"obr/internal/crypto"
	"obr/internal/fsview"
)

// ErrFormat wraps any malformed-manifest condition so callers can
// distinguish a broken manifest from a broken filesystem.
var ErrFormat = errors.New("manifest format invalid")

// Load parses a manifest file and enforces schema and path-uniqueness
// invariants.
func Load(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes manifest YAML from memory.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if m.Schema <= 0 || m.Schema > SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema %d", ErrFormat, m.Schema)
	}
	if len(m.Entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrFormat)
	}

	seen := make(map[string]struct{}, len(m.Entries))
	for i, e := range m.Entries {
		if e.Path == "" {
			return nil, fmt.Errorf("%w: entries[%d] has empty path", ErrFormat, i)
		}
		if filepath.IsAbs(e.Path) {
			return nil, fmt.Errorf("%w: entries[%d] path %q must be relative", ErrFormat, i, e.Path)
		}
		if _, dup := seen[e.Path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrFormat, e.Path)
		}
		seen[e.Path] = struct{}{}
		if e.Size < 0 {
			return nil, fmt.Errorf("%w: entries[%d] negative size", ErrFormat, i)
		}
	}

	return &m, nil
}

// Write serializes a manifest, used at provisioning time.
func Write(filename string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// Validate walks the required entries against the filesystem rooted at
// root and classifies each mismatch. Files present on disk but absent
// from the manifest are not violations. Artifacts that are neither
// files nor directories are reported as NonFileEntry notices and are
// never hashed.
func (m *Manifest) Validate(root string) ([]Violation, error) {
	var violations []Violation

	for _, e := range m.Entries {
		if !e.Required {
			continue
		}

		full := filepath.Join(root, e.Path)
		entry, err := fsview.Classify(full)
		if err != nil {
			if os.IsNotExist(err) {
				violations = append(violations, Violation{Path: e.Path, Kind: Missing})
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Path, err)
		}

		if !entry.IsArchivable() {
			violations = append(violations, Violation{
				Path:   e.Path,
				Kind:   NonFileEntry,
				Detail: entry.Kind.String(),
			})
			continue
		}

		if e.Dir {
			if entry.Kind != fsview.KindDirectory {
				violations = append(violations, Violation{
					Path:   e.Path,
					Kind:   SizeMismatch,
					Detail: "expected directory, found file",
				})
			}
			continue
		}

		if entry.Kind != fsview.KindFile {
			violations = append(violations, Violation{
				Path:   e.Path,
				Kind:   SizeMismatch,
				Detail: "expected file, found directory",
			})
			continue
		}

		if e.Size > 0 && entry.Size != e.Size {
			violations = append(violations, Violation{
				Path:   e.Path,
				Kind:   SizeMismatch,
				Detail: fmt.Sprintf("expected %d bytes, found %d", e.Size, entry.Size),
			})
			continue
		}

		if e.Blake3Hash != "" {
			actual, err := crypto.BLAKE3File(full)
			if err != nil {
				return nil, fmt.Errorf("hash %s: %w", e.Path, err)
			}
			if actual != e.Blake3Hash {
				violations = append(violations, Violation{
					Path:   e.Path,
					Kind:   ChecksumMismatch,
					Detail: fmt.Sprintf("expected %s, found %s", e.Blake3Hash, actual),
				})
			}
		}
	}

	if n := len(RequiredViolations(violations)); n > 0 {
		slog.Warn("Manifest validation found violations", "count", n)
	}
	return violations, nil
}

// Snapshot builds a manifest describing the current filesystem state
// for the given entry list, filling in live sizes and hashes. Used at
// provisioning and backup time so the archive metadata records what
// the snapshot actually contains.
func Snapshot(root string, template *Manifest) (*Manifest, error) {
	out := &Manifest{Schema: SchemaVersion}

	for _, e := range template.Entries {
		full := filepath.Join(root, e.Path)
		entry, err := fsview.Classify(full)
		if err != nil {
			if os.IsNotExist(err) && !e.Required {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Path, err)
		}

		switch entry.Kind {
		case fsview.KindDirectory:
			out.Entries = append(out.Entries, Entry{Path: e.Path, Required: e.Required, Dir: true})
		case fsview.KindFile:
			hash, err := crypto.BLAKE3File(full)
			if err != nil {
				return nil, fmt.Errorf("hash %s: %w", e.Path, err)
			}
			out.Entries = append(out.Entries, Entry{
				Path:       e.Path,
				Size:       entry.Size,
				Blake3Hash: hash,
				Required:   e.Required,
			})
		default:
			slog.Info("Skipping non-file entry", "path", e.Path, "kind", entry.Kind.String())
		}
	}

	if len(out.Entries) == 0 {
		return nil, fmt.Errorf("%w: snapshot produced no entries", ErrFormat)
	}
	return out, nil
}
