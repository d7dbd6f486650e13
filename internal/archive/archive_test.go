package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestCreateAndExtractRoundtrip(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"bin/app":     "app payload",
		"etc/conf":    "key: value",
		"data/img.db": "database bytes",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "var/cache"), 0o755))

	dest := filepath.Join(t.TempDir(), "slot.zip")
	paths := []string{"bin/app", "etc/conf", "data/img.db", "var/cache"}
	skipped, err := Create(root, paths, dest, Meta{Schema: 2, SlotKind: "factory", DeviceID: "dev-01"})
	require.NoError(t, err)
	assert.Empty(t, skipped)

	meta, err := ReadMeta(dest)
	require.NoError(t, err)
	assert.Equal(t, "factory", meta.SlotKind)
	assert.Equal(t, "dev-01", meta.DeviceID)
	assert.Equal(t, 3, meta.FileCount)
	assert.NotZero(t, meta.CreatedAt)

	out := t.TempDir()
	res, err := Extract(dest, out, nil)
	require.NoError(t, err)
	assert.Equal(t, Success, res.Status)
	assert.Len(t, res.Restored, 4)
	assert.Empty(t, res.Failed)

	got, err := os.ReadFile(filepath.Join(out, "bin/app"))
	require.NoError(t, err)
	assert.Equal(t, "app payload", string(got))
	info, err := os.Stat(filepath.Join(out, "var/cache"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateStoresEntriesUncompressed(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"f": strings.Repeat("compressible ", 100)})

	dest := filepath.Join(t.TempDir(), "slot.zip")
	_, err := Create(root, []string{"f"}, dest, Meta{Schema: 2, SlotKind: "system"})
	require.NoError(t, err)

	zr, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		assert.Equal(t, zip.Store, f.Method, f.Name)
	}
}

func TestCreateSkipsNonFileArtifacts(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"real": "x"})
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "link")))

	dest := filepath.Join(t.TempDir(), "slot.zip")
	skipped, err := Create(root, []string{"real", "link"}, dest, Meta{Schema: 2, SlotKind: "system"})
	require.NoError(t, err)
	assert.Equal(t, []string{"link"}, skipped)

	res, err := Extract(dest, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, res.Restored)
}

// corruptEntry flips bytes of the stored payload inside the container.
// Stored entries hold file content verbatim, so the unique payload
// marker locates it.
func corruptEntry(t *testing.T, archivePath, marker string) {
	t.Helper()
	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	idx := bytes.Index(data, []byte(marker))
	require.GreaterOrEqual(t, idx, 0)
	for i := 0; i < len(marker); i++ {
		data[idx+i] ^= 0xff
	}
	require.NoError(t, os.WriteFile(archivePath, data, 0o644))
}

func TestExtractContinuesPastCorruptEntry(t *testing.T) {
	root := t.TempDir()
	files := make(map[string]string, 10)
	var paths []string
	for i := 1; i <= 10; i++ {
		rel := fmt.Sprintf("file%02d", i)
		files[rel] = fmt.Sprintf("UNIQUE-PAYLOAD-%02d-%s", i, strings.Repeat("z", 32))
		paths = append(paths, rel)
	}
	writeTree(t, root, files)

	dest := filepath.Join(t.TempDir(), "slot.zip")
	_, err := Create(root, paths, dest, Meta{Schema: 2, SlotKind: "lastknowngood"})
	require.NoError(t, err)
	corruptEntry(t, dest, "UNIQUE-PAYLOAD-03")

	// Pre-existing destination content must survive the failed entry.
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "file03"), []byte("previous good"), 0o644))

	res, err := Extract(dest, out, nil)
	require.NoError(t, err)
	assert.Equal(t, Partial, res.Status)
	assert.Len(t, res.Restored, 9)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "file03", res.Failed[0].Name)
	assert.ErrorIs(t, res.Failed[0].Kind, ErrCorruptEntry)

	kept, err := os.ReadFile(filepath.Join(out, "file03"))
	require.NoError(t, err)
	assert.Equal(t, "previous good", string(kept))
	_, err = os.Stat(filepath.Join(out, "file03.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractAllEntriesCorruptIsFailed(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"only": "SOLE-PAYLOAD-" + strings.Repeat("q", 32)})

	dest := filepath.Join(t.TempDir(), "slot.zip")
	_, err := Create(root, []string{"only"}, dest, Meta{Schema: 2, SlotKind: "system"})
	require.NoError(t, err)
	corruptEntry(t, dest, "SOLE-PAYLOAD-")

	res, err := Extract(dest, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.Empty(t, res.Restored)
}

func TestExtractHonorsSkipPredicate(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"keep": "a", "drop": "b"})

	dest := filepath.Join(t.TempDir(), "slot.zip")
	_, err := Create(root, []string{"keep", "drop"}, dest, Meta{Schema: 2, SlotKind: "system"})
	require.NoError(t, err)

	out := t.TempDir()
	res, err := Extract(dest, out, func(name string) bool { return name == "drop" })
	require.NoError(t, err)
	assert.Equal(t, Success, res.Status)
	assert.Equal(t, []string{"drop"}, res.Skipped)
	_, err = os.Stat(filepath.Join(out, "drop"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(dest)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "../evil", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write([]byte("escape"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	out := t.TempDir()
	res, err := Extract(dest, out, nil)
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Status)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0].Kind, ErrUnsupportedEntry)
	_, err = os.Stat(filepath.Join(filepath.Dir(out), "evil"))
	assert.True(t, os.IsNotExist(err))
}

func TestReadMetaMissing(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "plain.zip")
	f, err := os.Create(dest)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("some-file")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = ReadMeta(dest)
	assert.ErrorIs(t, err, ErrCorruptEntry)
}
