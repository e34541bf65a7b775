package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nxinstall/yati/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestMetaDB(t *testing.T) *MetaDB {
	t.Helper()
	db, err := OpenMetaDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMetaDBSetGetRemove(t *testing.T) {
	db := openTestMetaDB(t)
	key := store.MetaKey{Type: 0x80, ApplicationID: 0x0100000000010000, Version: 0, InstallType: 0}

	has, err := db.Has(key)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, db.Set(key, []byte("hello")))

	has, err = db.Has(key)
	require.NoError(t, err)
	assert.True(t, has)

	blob, err := db.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), blob)

	require.NoError(t, db.Remove(key))
	_, err = db.Get(key)
	assert.Error(t, err)
}

func TestMetaDBListVersionRangeAndPatchWidening(t *testing.T) {
	db := openTestMetaDB(t)
	const appID = 0x0100000000010000

	keys := []store.MetaKey{
		{Type: 0x81, ApplicationID: appID, Version: 0, InstallType: 0},
		{Type: 0x81, ApplicationID: appID, Version: 65536, InstallType: 0},
		{Type: 0x81, ApplicationID: appID + 1, Version: 65536, InstallType: 0}, // different app
	}
	for _, k := range keys {
		require.NoError(t, db.Set(k, []byte("x")))
	}

	exact, err := db.List(0x81, appID, 65536, 65536, 0)
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.Equal(t, uint32(65536), exact[0].Version)

	widened, err := db.List(0x81, appID, 0, ^uint32(0), 0)
	require.NoError(t, err)
	assert.Len(t, widened, 2)
}

func TestMetaDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	db, err := OpenMetaDB(path)
	require.NoError(t, err)

	key := store.MetaKey{Type: 0x80, ApplicationID: 1, Version: 0, InstallType: 0}
	require.NoError(t, db.Set(key, []byte("persisted")))
	require.NoError(t, db.Close())

	reopened, err := OpenMetaDB(path)
	require.NoError(t, err)
	defer reopened.Close()

	blob, err := reopened.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), blob)
}

func TestContentStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cs, err := NewContentStorage(filepath.Join(dir, "staging"), filepath.Join(dir, "content"))
	require.NoError(t, err)

	id, err := cs.GeneratePlaceholderID()
	require.NoError(t, err)

	var contentID [16]byte
	contentID[0] = 0x11

	require.NoError(t, cs.CreatePlaceholder(ctx, contentID, id, 4))
	require.NoError(t, cs.WritePlaceholder(ctx, id, 0, []byte("abcd")))
	require.NoError(t, cs.FlushPlaceholder(ctx, id))
	require.NoError(t, cs.Register(ctx, contentID, id))

	has, err := cs.Has(contentID)
	require.NoError(t, err)
	assert.True(t, has)

	buf := make([]byte, 4)
	n, err := cs.ReadContent(ctx, contentID, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("abcd"), buf)

	require.NoError(t, cs.Delete(ctx, contentID))
	has, err = cs.Has(contentID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestContentStorageDeletePlaceholderMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cs, err := NewContentStorage(filepath.Join(dir, "staging"), filepath.Join(dir, "content"))
	require.NoError(t, err)

	assert.NoError(t, cs.DeletePlaceholder(ctx, "never-created"))
}
