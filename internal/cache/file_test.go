package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStorage(t *testing.T, key []byte) *FileStorage {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStorage(filepath.Join(dir, "cache.bin"), key)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestFileStorageRoundTrip(t *testing.T) {
	fs := newTestFileStorage(t, testKey(0x42))

	require.NoError(t, fs.Put("k1", "v1"))
	require.NoError(t, fs.Put("k2", "v2"))

	v, ok, err := fs.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	all, err := fs.GetAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, fs.Remove("k1"))
	_, ok, err = fs.Get("k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStorageRejectsShortKey(t *testing.T) {
	_, err := NewFileStorage(filepath.Join(t.TempDir(), "cache.bin"), []byte("short"))
	require.Error(t, err)
}

func TestFileStorageIsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	fs, err := NewFileStorage(path, testKey(0x42))
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Put("uid.utid-env-contoso", `{"secret":"super-secret-token"}`))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-token", "token material must not appear in plaintext on disk")
}

func TestFileStorageWrongKeyFailsClosed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")

	fs, err := NewFileStorage(path, testKey(0x01))
	require.NoError(t, err)
	require.NoError(t, fs.Put("k", "v"))
	fs.Close()

	other, err := NewFileStorage(path, testKey(0x02))
	require.NoError(t, err)
	defer other.Close()

	_, _, err = other.Get("k")
	require.Error(t, err, "decryption with the wrong key must fail, not return garbage")
}

func TestFileStoragePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	key := testKey(0x07)

	fs, err := NewFileStorage(path, key)
	require.NoError(t, err)
	require.NoError(t, fs.Put("k", "v"))
	fs.Close()

	reopened, err := NewFileStorage(path, key)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)
}
