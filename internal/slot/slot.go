// Package slot models the well-known backup containers. Three logical
// slots exist under a fixed system directory (factory, last-known-good,
// and a generic system snapshot), each optionally mirrored on
// removable storage.
package slot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"obr/internal/archive"
)

type Kind int

const (
	Factory Kind = iota
	LastKnownGood
	System
)

func (k Kind) String() string {
	switch k {
	case Factory:
		return "factory"
	case LastKnownGood:
		return "lastknowngood"
	case System:
		return "system"
	default:
		return "unknown"
	}
}

// ParseKind maps a slot name back to its kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "factory":
		return Factory, nil
	case "lastknowngood", "lkg":
		return LastKnownGood, nil
	case "system":
		return System, nil
	default:
		return 0, fmt.Errorf("unknown slot kind: %s", s)
	}
}

type Location int

const (
	Internal Location = iota
	Removable
)

func (l Location) String() string {
	if l == Removable {
		return "removable"
	}
	return "internal"
}

// ErrFactoryExists guards the write-once invariant: the factory slot
// is created at provisioning and never overwritten.
var ErrFactoryExists = errors.New("factory slot already provisioned")

type Slot struct {
	Kind     Kind
	Location Location
	Path     string
}

// Meta reads the container metadata without extracting.
func (s Slot) Meta() (*archive.Meta, error) {
	return archive.ReadMeta(s.Path)
}

// CreatedAt returns the container's creation time, falling back to the
// file mtime when the metadata entry is unreadable.
func (s Slot) CreatedAt() time.Time {
	if meta, err := s.Meta(); err == nil && meta.CreatedAt > 0 {
		return time.Unix(meta.CreatedAt, 0)
	}
	if info, err := os.Stat(s.Path); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

func (s Slot) Exists() bool {
	info, err := os.Stat(s.Path)
	return err == nil && info.Mode().IsRegular()
}

func dir(base string) string {
	return filepath.Join(base, "slots")
}

// At builds the well-known slot for a kind and location. systemDir is
// always required; removableDir may be empty when the device has no
// removable storage, in which case removable slots do not resolve.
func At(kind Kind, loc Location, systemDir, removableDir string) (Slot, bool) {
	base := systemDir
	if loc == Removable {
		if removableDir == "" {
			return Slot{}, false
		}
		base = removableDir
	}
	return Slot{
		Kind:     kind,
		Location: loc,
		Path:     filepath.Join(dir(base), kind.String()+".zip"),
	}, true
}

// RestoreOrder enumerates candidate slots in the fixed restore
// priority: removable last-known-good, internal last-known-good,
// internal factory. Web recovery is appended by the engine, not here.
// Only slots whose container file exists are returned.
func RestoreOrder(systemDir, removableDir string) []Slot {
	candidates := []struct {
		kind Kind
		loc  Location
	}{
		{LastKnownGood, Removable},
		{LastKnownGood, Internal},
		{Factory, Internal},
	}

	var out []Slot
	for _, c := range candidates {
		s, ok := At(c.kind, c.loc, systemDir, removableDir)
		if ok && s.Exists() {
			out = append(out, s)
		}
	}
	return out
}

// List returns every existing slot on both storage locations.
func List(systemDir, removableDir string) []Slot {
	var out []Slot
	for _, kind := range []Kind{Factory, LastKnownGood, System} {
		for _, loc := range []Location{Internal, Removable} {
			if s, ok := At(kind, loc, systemDir, removableDir); ok && s.Exists() {
				out = append(out, s)
			}
		}
	}
	return out
}

// Commit moves a staged container into a slot. The factory slot is
// write-once; the other slots are replaced atomically so an
// interrupted replacement leaves the previous container intact.
func Commit(staged string, s Slot) error {
	if s.Kind == Factory && s.Exists() {
		return ErrFactoryExists
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	if err := os.Rename(staged, s.Path); err != nil {
		return err
	}
	slog.Info("Slot committed", "kind", s.Kind.String(), "location", s.Location.String(), "path", s.Path)
	return nil
}

// StagingPath is where a container is assembled before Commit.
func StagingPath(s Slot) string {
	return s.Path + ".staging"
}
