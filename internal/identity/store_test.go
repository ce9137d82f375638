package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/internal/model"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	blob := &model.IdentityBlob{
		Version:    1,
		UserID:     "alice",
		Salt:       []byte("salt"),
		Iterations: 210000,
		IV:         []byte("iv"),
		Ciphertext: []byte("ct"),
		AuthTag:    []byte("tag"),
	}
	require.NoError(t, store.Save("alice", blob))

	got, err := store.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestFileStoreLoadAbsentReturnsNil(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	got, err := store.Load("nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStoreBlobsAreOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save("alice", &model.IdentityBlob{Version: 1, UserID: "alice"}))

	info, err := os.Stat(filepath.Join(dir, "alice.identity.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreLoadRejectsCorruptBlob(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.identity.json"), []byte("not json"), 0o600))

	_, err = store.Load("alice")
	assert.Error(t, err)
}
