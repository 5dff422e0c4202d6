package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLMapExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewTTLMap[string, int](time.Minute, 0)
	m.Put("a", 1, now)

	v, ok := m.Get("a", now.Add(59*time.Second))
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = m.Get("a", now.Add(time.Minute))
	require.False(t, ok)
	require.Equal(t, 0, m.Len(), "expired entry should be dropped on read")
}

func TestTTLMapEvictsOldestWhenFull(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewTTLMap[string, string](time.Hour, 2)
	m.Put("first", "1", now)
	m.Put("second", "2", now.Add(time.Second))
	m.Put("third", "3", now.Add(2*time.Second))

	require.Equal(t, 2, m.Len())
	_, ok := m.Get("first", now.Add(3*time.Second))
	require.False(t, ok)
	_, ok = m.Get("third", now.Add(3*time.Second))
	require.True(t, ok)
}

func TestTTLMapPurgeAndDelete(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewTTLMap[int, int](time.Second, 0)
	m.Put(1, 1, now)
	m.Put(2, 2, now.Add(2*time.Second))
	require.Equal(t, 1, m.Purge(now.Add(2*time.Second)))
	m.Delete(2)
	m.Delete(42)
	require.Equal(t, 0, m.Len())

	var nilMap *TTLMap[int, int]
	_, ok := nilMap.Get(1, now)
	require.False(t, ok)
	require.Equal(t, 0, nilMap.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "models.json")
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, SaveSnapshot(path, []string{"gpt-3.5-turbo", "gpt-4"}, now))

	snap, err := LoadSnapshot[[]string](path)
	require.NoError(t, err)
	require.Equal(t, []string{"gpt-3.5-turbo", "gpt-4"}, snap.Data)
	require.True(t, snap.SavedAt.Equal(now))

	_, err = os.Stat(path + ".tmp")
	require.True(t, errors.Is(err, os.ErrNotExist), "temp file must be renamed away")
}

func TestLoadSnapshotErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadSnapshot[[]string](filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, ErrNotFound)

	old := filepath.Join(dir, "old.json")
	require.NoError(t, os.WriteFile(old, []byte(`{"version":0,"data":["x"]}`), 0o600))
	_, err = LoadSnapshot[[]string](old)
	require.ErrorIs(t, err, ErrVersionMismatch)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{`), 0o600))
	_, err = LoadSnapshot[[]string](broken)
	require.Error(t, err)
}

func TestSaveSnapshotConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- SaveSnapshot(path, []string{fmt.Sprintf("model-%d", i)}, now)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := LoadSnapshot[[]string](path)
	require.NoError(t, err)
	require.Len(t, snap.Data, 1)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}
