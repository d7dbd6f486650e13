// Package archive reads and writes the zero-compression container
// format used for backup slots. Files are stored verbatim: restore
// latency and CPU cost matter far more on-device than storage size.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"obr/internal/fsview"
)

// MetaName is the well-known metadata entry inside every container.
const MetaName = ".obr/meta.yaml"

var (
	ErrCorruptEntry     = errors.New("corrupt archive entry")
	ErrUnsupportedEntry = errors.New("unsupported archive entry")
	ErrIOFailure        = errors.New("archive io failure")
)

// Meta describes what a container holds.
type Meta struct {
	Schema    int    `yaml:"schema"`
	CreatedAt int64  `yaml:"created_at"`
	SlotKind  string `yaml:"slot_kind"`
	DeviceID  string `yaml:"device_id,omitempty"`
	FileCount int    `yaml:"file_count"`
}

type Status int

const (
	Success Status = iota
	Partial
	Failed
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Partial:
		return "partial"
	default:
		return "failed"
	}
}

// EntryError records one per-entry failure. Extraction accumulates
// these and keeps going; a single bad entry never aborts a restore.
type EntryError struct {
	Name string
	Kind error
	Err  error
}

func (e EntryError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Name, e.Kind, e.Err)
}

// Result reports what an extraction accomplished.
type Result struct {
	Status   Status
	Meta     *Meta
	Restored []string
	Skipped  []string
	Failed   []EntryError
}

// Create packages the given paths (relative to root) into a stored,
// uncompressed container at dest, with meta as the leading entry.
// Artifacts that are neither files nor directories are skipped and
// reported, never read.
func Create(root string, paths []string, dest string, meta Meta) (skipped []string, err error) {
	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	count := 0
	var entriesDone []string
	for _, rel := range paths {
		entry, cerr := fsview.Classify(filepath.Join(root, rel))
		if cerr != nil {
			return nil, fmt.Errorf("%w: stat %s: %v", ErrIOFailure, rel, cerr)
		}
		if !entry.IsArchivable() {
			slog.Info("Skipping non-file artifact", "path", rel, "kind", entry.Kind.String())
			skipped = append(skipped, rel)
			continue
		}
		if entry.Kind == fsview.KindFile {
			count++
		}
		entriesDone = append(entriesDone, rel)
	}

	meta.CreatedAt = time.Now().Unix()
	meta.FileCount = count
	metaBytes, err := yaml.Marshal(&meta)
	if err != nil {
		return nil, err
	}
	mw, err := zw.CreateHeader(&zip.FileHeader{Name: MetaName, Method: zip.Store})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if _, err := mw.Write(metaBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	for _, rel := range entriesDone {
		if err := addEntry(zw, root, rel); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	slog.Info("Container created", "path", dest, "files", count, "skipped", len(skipped))
	return skipped, nil
}

func addEntry(zw *zip.Writer, root, rel string) error {
	entry, err := fsview.Classify(filepath.Join(root, rel))
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrIOFailure, rel, err)
	}

	name := filepath.ToSlash(rel)
	if entry.Kind == fsview.KindDirectory {
		if _, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/", Method: zip.Store}); err != nil {
			return fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		return nil
	}

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	f, err := os.Open(filepath.Join(root, rel))
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIOFailure, rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("%w: store %s: %v", ErrIOFailure, rel, err)
	}
	return nil
}

// ReadMeta returns a container's metadata without extracting it.
func ReadMeta(src string) (*Meta, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	defer zr.Close()
	return readMeta(&zr.Reader)
}

func readMeta(zr *zip.Reader) (*Meta, error) {
	for _, f := range zr.File {
		if f.Name != MetaName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: meta: %v", ErrCorruptEntry, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: meta: %v", ErrCorruptEntry, err)
		}
		var meta Meta
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("%w: meta: %v", ErrCorruptEntry, err)
		}
		return &meta, nil
	}
	return nil, fmt.Errorf("%w: missing %s", ErrCorruptEntry, MetaName)
}

// Extract unpacks a container under destRoot. Per-entry failures are
// logged and accumulated; the extraction continues past them and the
// result degrades to Partial. A destination file is never removed or
// truncated before its replacement has been fully read and verified in
// memory: entries land beside the target and are renamed into place.
func Extract(src, destRoot string, skip func(name string) bool) (*Result, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	defer zr.Close()

	res := &Result{}
	if meta, err := readMeta(&zr.Reader); err == nil {
		res.Meta = meta
	} else {
		slog.Warn("Container has no readable metadata", "path", src, "error", err)
	}

	for _, f := range zr.File {
		if f.Name == MetaName {
			continue
		}
		name := filepath.FromSlash(strings.TrimSuffix(f.Name, "/"))
		if skip != nil && skip(name) {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		if !filepath.IsLocal(name) {
			res.Failed = append(res.Failed, EntryError{
				Name: f.Name,
				Kind: ErrUnsupportedEntry,
				Err:  errors.New("entry escapes destination root"),
			})
			continue
		}

		if err := extractOne(f, destRoot, name); err != nil {
			var entryErr EntryError
			if !errors.As(err, &entryErr) {
				entryErr = EntryError{Name: name, Kind: ErrIOFailure, Err: err}
			}
			slog.Warn("Entry failed, continuing", "entry", name, "error", entryErr.Err)
			res.Failed = append(res.Failed, entryErr)
			continue
		}
		res.Restored = append(res.Restored, name)
	}

	switch {
	case len(res.Failed) == 0:
		res.Status = Success
	case len(res.Restored) > 0:
		res.Status = Partial
	default:
		res.Status = Failed
	}
	slog.Info("Container extracted", "path", src, "status", res.Status.String(),
		"restored", len(res.Restored), "skipped", len(res.Skipped), "failed", len(res.Failed))
	return res, nil
}

func extractOne(f *zip.File, destRoot, name string) error {
	dest := filepath.Join(destRoot, name)

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return EntryError{Name: name, Kind: ErrIOFailure, Err: err}
		}
		return nil
	}

	if f.Method != zip.Store && f.Method != zip.Deflate {
		return EntryError{Name: name, Kind: ErrUnsupportedEntry,
			Err: fmt.Errorf("compression method %d", f.Method)}
	}

	rc, err := f.Open()
	if err != nil {
		return EntryError{Name: name, Kind: ErrCorruptEntry, Err: err}
	}
	// Reading to EOF forces the CRC32 check, so a corrupt entry is
	// caught while the old destination file is still intact.
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return EntryError{Name: name, Kind: ErrCorruptEntry, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return EntryError{Name: name, Kind: ErrIOFailure, Err: err}
	}

	part := dest + ".part"
	if err := os.WriteFile(part, data, 0o644); err != nil {
		return EntryError{Name: name, Kind: ErrIOFailure, Err: err}
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return EntryError{Name: name, Kind: ErrIOFailure, Err: err}
	}
	return nil
}
