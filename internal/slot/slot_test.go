package slot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stage(t *testing.T, s Slot, content string) string {
	t.Helper()
	staged := StagingPath(s)
	require.NoError(t, os.MkdirAll(filepath.Dir(staged), 0o755))
	require.NoError(t, os.WriteFile(staged, []byte(content), 0o644))
	return staged
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"factory", Factory, true},
		{"lastknowngood", LastKnownGood, true},
		{"lkg", LastKnownGood, true},
		{"system", System, true},
		{"bogus", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got, tt.in)
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}

func TestAtResolvesPaths(t *testing.T) {
	s, ok := At(Factory, Internal, "/sys", "/sd")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/sys", "slots", "factory.zip"), s.Path)

	s, ok = At(LastKnownGood, Removable, "/sys", "/sd")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/sd", "slots", "lastknowngood.zip"), s.Path)
}

func TestAtWithoutRemovableStorage(t *testing.T) {
	_, ok := At(LastKnownGood, Removable, "/sys", "")
	assert.False(t, ok)
}

func TestCommitAndReplace(t *testing.T) {
	systemDir := t.TempDir()
	s, ok := At(System, Internal, systemDir, "")
	require.True(t, ok)

	require.NoError(t, Commit(stage(t, s, "first"), s))
	assert.True(t, s.Exists())

	require.NoError(t, Commit(stage(t, s, "second"), s))
	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestFactorySlotIsWriteOnce(t *testing.T) {
	systemDir := t.TempDir()
	s, ok := At(Factory, Internal, systemDir, "")
	require.True(t, ok)

	require.NoError(t, Commit(stage(t, s, "factory image"), s))

	staged := stage(t, s, "second attempt")
	err := Commit(staged, s)
	assert.ErrorIs(t, err, ErrFactoryExists)

	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, "factory image", string(data))
}

func TestRestoreOrderPriority(t *testing.T) {
	systemDir := t.TempDir()
	removableDir := t.TempDir()

	commit := func(kind Kind, loc Location) {
		s, ok := At(kind, loc, systemDir, removableDir)
		require.True(t, ok)
		require.NoError(t, Commit(stage(t, s, kind.String()), s))
	}
	commit(Factory, Internal)
	commit(LastKnownGood, Internal)
	commit(LastKnownGood, Removable)

	order := RestoreOrder(systemDir, removableDir)
	require.Len(t, order, 3)
	assert.Equal(t, LastKnownGood, order[0].Kind)
	assert.Equal(t, Removable, order[0].Location)
	assert.Equal(t, LastKnownGood, order[1].Kind)
	assert.Equal(t, Internal, order[1].Location)
	assert.Equal(t, Factory, order[2].Kind)
	assert.Equal(t, Internal, order[2].Location)
}

func TestRestoreOrderSkipsMissingSlots(t *testing.T) {
	systemDir := t.TempDir()

	s, ok := At(Factory, Internal, systemDir, "")
	require.True(t, ok)
	require.NoError(t, Commit(stage(t, s, "factory"), s))

	order := RestoreOrder(systemDir, "")
	require.Len(t, order, 1)
	assert.Equal(t, Factory, order[0].Kind)
}

func TestListFindsAllLocations(t *testing.T) {
	systemDir := t.TempDir()
	removableDir := t.TempDir()

	for _, kind := range []Kind{Factory, System} {
		s, ok := At(kind, Internal, systemDir, removableDir)
		require.True(t, ok)
		require.NoError(t, Commit(stage(t, s, "x"), s))
	}
	s, ok := At(System, Removable, systemDir, removableDir)
	require.True(t, ok)
	require.NoError(t, Commit(stage(t, s, "x"), s))

	assert.Len(t, List(systemDir, removableDir), 3)
	assert.Len(t, List(systemDir, ""), 2)
}
