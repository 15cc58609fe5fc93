package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*VersionStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "version.json")
	store, err := NewVersionStore(path)
	require.NoError(t, err)
	return store, path
}

func TestVersionStoreRequiresPath(t *testing.T) {
	_, err := NewVersionStore("")
	assert.Error(t, err)
}

func TestVersionStoreNeverInstalled(t *testing.T) {
	store, _ := newStore(t)

	installed, err := store.InstalledVersion()
	require.NoError(t, err)
	assert.Empty(t, installed)

	status, err := store.Check("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, NeedsUpdate, status, "a missing record means the host was never installed")
}

func TestVersionStoreUpdateCycle(t *testing.T) {
	store, path := newStore(t)

	require.NoError(t, store.MarkInstalled("1.0.0"))

	// Same process: the freshly installed host cannot be enumerated yet.
	status, err := store.Check("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, NeedsRestart, status)

	// A new process sees the record and matches the bundled version.
	fresh, err := NewVersionStore(path)
	require.NoError(t, err)
	status, err = fresh.Check("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, UpToDate, status)

	// A newer bundled version asks for reinstallation.
	status, err = fresh.Check("1.1.0")
	require.NoError(t, err)
	assert.Equal(t, NeedsUpdate, status)
}

func TestVersionStoreSurvivesCorruptRecord(t *testing.T) {
	store, path := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	status, err := store.Check("1.0.0")
	require.NoError(t, err, "a corrupt record is treated as never installed")
	assert.Equal(t, NeedsUpdate, status)

	require.NoError(t, store.MarkInstalled("1.0.0"))
	installed, err := store.InstalledVersion()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", installed)
}

func TestUpdateStatusString(t *testing.T) {
	assert.Equal(t, "up-to-date", UpToDate.String())
	assert.Equal(t, "needs-update", NeedsUpdate.String())
	assert.Equal(t, "needs-restart", NeedsRestart.String())
}
