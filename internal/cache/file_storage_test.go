package cache

import (
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeRaw(s *FileStorage, data []byte) error {
	return util.WriteFile(s.fs, s.name, data, 0644)
}

func TestFileStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.zst")
	storage, err := NewFileStorage(path, 0)
	require.NoError(t, err)
	defer storage.Close()

	_, err = storage.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	record := []byte(`{"images":{},"metadata":{"size":0}}`)
	require.NoError(t, storage.Save(record))

	got, err := storage.Load()
	require.NoError(t, err)
	assert.Equal(t, record, got)

	raw, err := util.ReadFile(storage.fs, storage.name)
	require.NoError(t, err)
	assert.NotEqual(t, record, raw)

	require.NoError(t, storage.Remove())
	require.NoError(t, storage.Remove())
	_, err = storage.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorageQuota(t *testing.T) {
	storage, err := NewMemoryStorage(8)
	require.NoError(t, err)
	defer storage.Close()

	err = storage.Save([]byte(`{"images":{"img_a_high":{}}}`))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = storage.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewStorage(t *testing.T) {
	log := zap.NewNop()

	for _, kind := range []string{"memory", "file", "disabled"} {
		storage, err := NewStorage(kind, filepath.Join(t.TempDir(), "cache.zst"), 0, log)
		require.NoError(t, err, kind)
		require.NoError(t, storage.Save([]byte("{}")), kind)
		require.NoError(t, storage.Close(), kind)
	}

	_, err := NewStorage("redis", "", 0, log)
	assert.Error(t, err)
}

func TestNoopStorage(t *testing.T) {
	storage := NewNoopStorage()
	require.NoError(t, storage.Save([]byte("{}")))

	_, err := storage.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}
