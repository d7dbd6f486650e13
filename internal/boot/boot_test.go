package boot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obr/internal/config"
	"obr/internal/manifest"
	"obr/internal/nvm"
	"obr/internal/slot"
)

func openStore(t *testing.T) *nvm.Store {
	t.Helper()
	store, err := nvm.Open(filepath.Join(t.TempDir(), "flags.nvm"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnsureDeviceIDIsStable(t *testing.T) {
	store := openStore(t)

	first := EnsureDeviceID(store)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, EnsureDeviceID(store))
	assert.Equal(t, first, store.GetString(nvm.KeyDeviceID))
}

func TestMarkAttemptTripsRecoveryAtThreshold(t *testing.T) {
	store := openStore(t)

	for i := 1; i < FailThreshold; i++ {
		requested, err := MarkAttempt(store)
		require.NoError(t, err)
		assert.False(t, requested, "attempt %d", i)
		assert.Equal(t, uint8(i), store.GetCounter(nvm.KeyBootFailCount))
		assert.Equal(t, nvm.BootStatusFailed, store.GetString(nvm.KeyLastBootStatus))
	}

	requested, err := MarkAttempt(store)
	require.NoError(t, err)
	assert.True(t, requested)
	assert.True(t, store.GetBool(nvm.KeyRecoveryRequested))
}

func TestMarkAttemptCounterSaturates(t *testing.T) {
	store := openStore(t)
	store.Set(nvm.KeyBootFailCount, nvm.Counter(255))

	_, err := MarkAttempt(store)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), store.GetCounter(nvm.KeyBootFailCount))
}

func TestMarkValidatedClearsCountersAndRefreshesLKG(t *testing.T) {
	cfg := &config.Config{Root: t.TempDir(), SystemDir: t.TempDir()}
	full := filepath.Join(cfg.Root, "bin/app")
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("app"), 0o644))

	template := &manifest.Manifest{Schema: manifest.SchemaVersion, Entries: []manifest.Entry{
		{Path: "bin/app", Required: true},
	}}
	snap, err := manifest.Snapshot(cfg.Root, template)
	require.NoError(t, err)
	require.NoError(t, manifest.Write(cfg.ManifestPath(), snap))

	store, err := nvm.Open(cfg.FlagStorePath())
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < FailThreshold; i++ {
		_, err := MarkAttempt(store)
		require.NoError(t, err)
	}
	require.True(t, store.GetBool(nvm.KeyRecoveryRequested))

	require.NoError(t, MarkValidated(context.Background(), cfg, store))

	assert.Zero(t, store.GetCounter(nvm.KeyBootFailCount))
	assert.Equal(t, nvm.BootStatusClean, store.GetString(nvm.KeyLastBootStatus))
	assert.False(t, store.GetBool(nvm.KeyRecoveryRequested))
	assert.True(t, store.GetBool(nvm.KeyFirstBootDone))

	lkg, ok := slot.At(slot.LastKnownGood, slot.Internal, cfg.SystemDir, cfg.RemovableDir)
	require.True(t, ok)
	assert.True(t, lkg.Exists())
}

func TestMarkValidatedSucceedsWhenLKGRefreshFails(t *testing.T) {
	// No manifest on disk: the refresh cannot run, the boot still
	// counts as validated.
	cfg := &config.Config{Root: t.TempDir(), SystemDir: t.TempDir()}
	store, err := nvm.Open(cfg.FlagStorePath())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, MarkValidated(context.Background(), cfg, store))
	assert.Equal(t, nvm.BootStatusClean, store.GetString(nvm.KeyLastBootStatus))
}
