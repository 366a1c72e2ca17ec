package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"
)

// StorageKey is the record name used when no file path is given
const StorageKey = "polyana_image_cache"

// FileStorage keeps the snapshot zstd-compressed in one file of a billy
// filesystem. The quota applies to the compressed size; 0 disables it.
type FileStorage struct {
	mu    sync.RWMutex
	fs    billy.Filesystem
	name  string
	quota int64
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewFileStorage stores the snapshot at path on the local disk
func NewFileStorage(path string, quota int64) (*FileStorage, error) {
	dir, name := filepath.Split(path)
	if name == "" {
		name = StorageKey
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return newFileStorage(osfs.New(dir), name, quota)
}

// NewMemoryStorage keeps the snapshot in an in-process filesystem. Nothing
// survives a restart.
func NewMemoryStorage(quota int64) (*FileStorage, error) {
	return newFileStorage(memfs.New(), StorageKey, quota)
}

func newFileStorage(fs billy.Filesystem, name string, quota int64) (*FileStorage, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &FileStorage{
		fs:    fs,
		name:  name,
		quota: quota,
		enc:   enc,
		dec:   dec,
	}, nil
}

func (s *FileStorage) Load() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	compressed, err := util.ReadFile(s.fs, s.name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.name, err)
	}

	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return data, nil
}

func (s *FileStorage) Save(data []byte) error {
	compressed := s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	if s.quota > 0 && int64(len(compressed)) > s.quota {
		return fmt.Errorf("%w: %d bytes over a quota of %d", ErrQuotaExceeded, len(compressed), s.quota)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write atomically
	tmpName := s.name + ".tmp"
	if err := util.WriteFile(s.fs, tmpName, compressed, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}

	if err := s.fs.Rename(tmpName, s.name); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", s.name, err)
	}

	return nil
}

func (s *FileStorage) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", s.name, err)
	}
	return nil
}

func (s *FileStorage) Close() error {
	s.dec.Close()
	return s.enc.Close()
}
