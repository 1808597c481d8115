package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
)

func newWatcherFixture(t *testing.T, quiescence time.Duration) (*Watcher, storage.Store, string) {
	t.Helper()
	watchPath := t.TempDir()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w := New(Config{
		WatchPath:        watchPath,
		QuiescencePeriod: quiescence,
		ScanInterval:     time.Hour, // Rescan not exercised unless a test wants it
	}, store, nil)
	return w, store, watchPath
}

func waitForCase(t *testing.T, store storage.Store, path string) *types.Case {
	t.Helper()
	var c *types.Case
	require.Eventually(t, func() bool {
		got, err := store.GetCaseByPath(path)
		if err != nil {
			return false
		}
		c = got
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return c
}

func TestRegistersNewDirectoryAfterQuiescence(t *testing.T) {
	w, store, watchPath := newWatcherFixture(t, 100*time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	caseDir := filepath.Join(watchPath, "patient_001")
	require.NoError(t, os.Mkdir(caseDir, 0755))

	c := waitForCase(t, store, caseDir)
	assert.Equal(t, types.CaseStatusSubmitted, c.Status)
	assert.Equal(t, types.PriorityNormal, c.Priority)
}

func TestOngoingCopyDefersRegistration(t *testing.T) {
	w, store, watchPath := newWatcherFixture(t, 300*time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	caseDir := filepath.Join(watchPath, "patient_002")
	require.NoError(t, os.Mkdir(caseDir, 0755))

	// Keep writing for longer than the settle period; the case must not be
	// registered while writes continue.
	deadline := time.Now().Add(600 * time.Millisecond)
	i := 0
	for time.Now().Before(deadline) {
		name := filepath.Join(caseDir, "slice_"+time.Now().Format("150405.000000")+".dcm")
		require.NoError(t, os.WriteFile(name, []byte("x"), 0644))
		i++
		_, err := store.GetCaseByPath(caseDir)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		time.Sleep(100 * time.Millisecond)
	}
	require.Greater(t, i, 2)

	waitForCase(t, store, caseDir)
}

func TestInitialScanPicksUpExistingDirectories(t *testing.T) {
	w, store, watchPath := newWatcherFixture(t, 50*time.Millisecond)

	preexisting := filepath.Join(watchPath, "patient_old")
	require.NoError(t, os.Mkdir(preexisting, 0755))
	time.Sleep(100 * time.Millisecond) // Let the mtime settle

	require.NoError(t, w.Start())
	defer w.Stop()

	waitForCase(t, store, preexisting)
}

func TestDuplicateRegistrationIsIdempotent(t *testing.T) {
	w, store, watchPath := newWatcherFixture(t, 50*time.Millisecond)

	caseDir := filepath.Join(watchPath, "patient_dup")
	require.NoError(t, os.Mkdir(caseDir, 0755))
	existing, err := store.AddCase(caseDir, types.PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, w.Start())
	defer w.Stop()

	// Force another registration attempt for the same path.
	w.register(caseDir)

	got, err := store.GetCaseByPath(caseDir)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	assert.Equal(t, types.PriorityHigh, got.Priority)
}

func TestPlainFilesAreIgnored(t *testing.T) {
	w, store, watchPath := newWatcherFixture(t, 50*time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	filePath := filepath.Join(watchPath, "stray.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("not a case"), 0644))

	time.Sleep(300 * time.Millisecond)
	_, err := store.GetCaseByPath(filePath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
