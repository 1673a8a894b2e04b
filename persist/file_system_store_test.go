package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	testStoreImplementation(t, store)
}

func TestFileSystemStorePermissions(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileSystemStore(base)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Item{Key: "k", Service: testService, Ciphertext: "v"}))
	_, err = store.SaveSettings(ctx, "registry", []byte("{}"), "")
	require.NoError(t, err)

	info, err := os.Stat(store.itemPath("k", testService))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePermissions), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(base, "settings", "registry"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePermissions), info.Mode().Perm())

	// no temp files left behind by the atomic writes
	entries, err := os.ReadDir(filepath.Join(base, "items", testService))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileSystemStoreSurvivesReopen(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	store, err := NewFileSystemStore(base)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, Item{Key: "k", Service: testService, Ciphertext: "v"}))
	require.NoError(t, store.Close())

	reopened, err := NewFileSystemStore(base)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "k", testService)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Ciphertext)
}

func TestFileSystemStoreRequiresBasePath(t *testing.T) {
	_, err := NewFileSystemStore("  ")
	assert.Error(t, err)
}
