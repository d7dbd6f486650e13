// Package fsview classifies filesystem artifacts before any size,
// checksum, or archive operation touches them. Device filesystems
// expose hardware-backed objects (pin nodes, sockets) through the same
// namespace as regular files; those must never be hashed or archived.
package fsview

import (
	"io/fs"
	"os"
)

type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "other"
	}
}

// Entry is a typed view of one filesystem artifact.
type Entry struct {
	Path string
	Kind Kind
	Size int64
}

// Classify returns the kind of the artifact at path using Lstat so
// symlinks and device nodes are not followed into something that looks
// like a regular file.
func Classify(path string) (Entry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Entry{}, err
	}
	return fromInfo(path, info), nil
}

func fromInfo(path string, info fs.FileInfo) Entry {
	e := Entry{Path: path}
	switch {
	case info.Mode().IsRegular():
		e.Kind = KindFile
		e.Size = info.Size()
	case info.IsDir():
		e.Kind = KindDirectory
	default:
		e.Kind = KindOther
	}
	return e
}

// List returns typed entries for the direct children of dir.
func List(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			return nil, err
		}
		entries = append(entries, fromInfo(d.Name(), info))
	}
	return entries, nil
}

// IsArchivable reports whether the artifact may enter checksum or
// archive I/O. Only true files and directories qualify.
func (e Entry) IsArchivable() bool {
	return e.Kind == KindFile || e.Kind == KindDirectory
}
