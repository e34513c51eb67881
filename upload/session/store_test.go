package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() Record {
	return Record{
		UploadID:       "upload-1",
		FileHash:       "abc123",
		FileName:       "video.mp4",
		FileSize:       12 * 1024 * 1024,
		TotalChunks:    3,
		ChunkSize:      5 * 1024 * 1024,
		UploadedChunks: []int64{0, 1},
	}
}

func TestStore_SaveLoadClear(t *testing.T) {
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	store := NewStore(kv)

	_, found, err := store.Load("abc123")
	require.NoError(t, err)
	assert.False(t, found)

	rec := testRecord()
	require.NoError(t, store.Save(rec))

	loaded, found, err := store.Load("abc123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, loaded)

	require.NoError(t, store.Clear("abc123"))
	_, found, err = store.Load("abc123")
	require.NoError(t, err)
	assert.False(t, found)

	// clearing an absent record is fine
	require.NoError(t, store.Clear("abc123"))
}

func TestStore_SurvivesReload(t *testing.T) {
	dir := t.TempDir()

	kv, err := NewFileKV(dir)
	require.NoError(t, err)
	require.NoError(t, NewStore(kv).Save(testRecord()))

	// a fresh store over the same directory simulates a process restart
	kv2, err := NewFileKV(dir)
	require.NoError(t, err)
	loaded, found, err := NewStore(kv2).Load("abc123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testRecord(), loaded)
}

func TestStore_RejectsIncompleteRecord(t *testing.T) {
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	store := NewStore(kv)

	rec := testRecord()
	rec.UploadID = ""
	assert.Error(t, store.Save(rec))

	rec = testRecord()
	rec.FileHash = ""
	assert.Error(t, store.Save(rec))
}

func TestStore_UndecodableRecordTreatedAsAbsent(t *testing.T) {
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	store := NewStore(kv)

	require.NoError(t, kv.Set(KeyPrefix+"abc123", []byte("{not json")))

	_, found, err := store.Load("abc123")
	require.NoError(t, err)
	assert.False(t, found)

	// the broken record is gone for good
	_, err = kv.Get(KeyPrefix + "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileKV_OverwriteAndRemove(t *testing.T) {
	kv, err := NewFileKV(filepath.Join(t.TempDir(), "nested", "dir"))
	require.NoError(t, err)

	require.NoError(t, kv.Set("key", []byte("one")))
	require.NoError(t, kv.Set("key", []byte("two")))

	value, err := kv.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), value)

	require.NoError(t, kv.Remove("key"))
	require.NoError(t, kv.Remove("key"))
	_, err = kv.Get("key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileKV_KeysWithUnsafeCharacters(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFileKV(dir)
	require.NoError(t, err)

	key := KeyPrefix + "de/ad:be..ef"
	require.NoError(t, kv.Set(key, []byte("value")))

	value, err := kv.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")
}
