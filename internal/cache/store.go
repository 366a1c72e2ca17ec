package cache

import (
	"cmp"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTTL      = 7 * 24 * time.Hour
	DefaultMaxBytes = 50 * 1024 * 1024
)

// Entry is one persisted rendition. Data is base64 text and SizeBytes is
// its length.
type Entry struct {
	Data      string    `json:"data"`
	MIMEType  string    `json:"mimeType"`
	SizeBytes int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type Metadata struct {
	Size        int64     `json:"size"`
	LastCleanup time.Time `json:"lastCleanup"`
}

// Snapshot is the whole persisted record
type Snapshot struct {
	Images   map[string]Entry `json:"images"`
	Metadata Metadata         `json:"metadata"`
}

func newSnapshot(now time.Time) *Snapshot {
	return &Snapshot{
		Images:   make(map[string]Entry),
		Metadata: Metadata{LastCleanup: now},
	}
}

func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		Images:   maps.Clone(s.Images),
		Metadata: s.Metadata,
	}
}

func (s *Snapshot) put(key string, e Entry) {
	s.remove(key)
	s.Images[key] = e
	s.Metadata.Size += e.SizeBytes
}

func (s *Snapshot) remove(key string) bool {
	old, ok := s.Images[key]
	if !ok {
		return false
	}
	delete(s.Images, key)
	s.Metadata.Size -= old.SizeBytes
	return true
}

type Stats struct {
	TotalEntries   int       `json:"total_entries"`
	ValidEntries   int       `json:"valid_entries"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	ValidSizeBytes int64     `json:"valid_size_bytes"`
	MaxBytes       int64     `json:"max_bytes"`
	TotalSizeMB    string    `json:"total_size_mb"`
	MaxSizeMB      string    `json:"max_size_mb"`
	LastCleanup    time.Time `json:"last_cleanup"`
}

type StoreOptions struct {
	TTL      time.Duration
	MaxBytes int64
	Logger   *zap.Logger
	// Now is replaceable in tests
	Now func() time.Time
}

// Store is the persistent tier. The snapshot is loaded once and every
// mutation writes the full snapshot back; a mutation is committed in memory
// only after the write succeeded.
type Store struct {
	mu       sync.Mutex
	storage  Storage
	ttl      time.Duration
	maxBytes int64
	now      func() time.Time
	logger   *zap.Logger
	snapshot *Snapshot
}

func NewStore(storage Storage, opts StoreOptions) *Store {
	if storage == nil {
		storage = NewNoopStorage()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		storage:  storage,
		ttl:      opts.TTL,
		maxBytes: opts.MaxBytes,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

func (s *Store) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.loadLocked().Images[key.String()]
	return ok && !e.Expired(s.now())
}

// Get returns a copy of the entry for key. Expired entries are treated as
// absent and left for the next eviction pass.
func (s *Store) Get(key Key) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.loadLocked().Images[key.String()]
	if !ok || e.Expired(s.now()) {
		return nil, false
	}
	return &e, true
}

// Put stores payload under key, replacing any previous entry. When the
// write fails the store keeps its previous state, runs an eviction pass and
// returns the write error.
func (s *Store) Put(key Key, payload []byte, mimeType string) (*Entry, error) {
	data := base64.StdEncoding.EncodeToString(payload)
	now := s.now()
	entry := Entry{
		Data:      data,
		MIMEType:  mimeType,
		SizeBytes: int64(len(data)),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.loadLocked().clone()
	next.put(key.String(), entry)
	if next.Metadata.Size > s.maxBytes {
		s.evict(next, now)
	}

	if err := s.commitLocked(next); err != nil {
		s.logger.Warn("Failed to persist cache entry",
			zap.String("key", key.String()),
			zap.Int64("size", entry.SizeBytes),
			zap.Bool("quota_exceeded", errors.Is(err, ErrQuotaExceeded)),
			zap.Error(err),
		)
		s.cleanupLocked(now)
		return nil, err
	}

	return &entry, nil
}

// Remove drops the entry for key
func (s *Store) Remove(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.loadLocked().clone()
	if !next.remove(key.String()) {
		return nil
	}
	return s.commitLocked(next)
}

// Cleanup runs an eviction pass
func (s *Store) Cleanup() (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.loadLocked().clone()
	removed = s.evict(next, s.now())
	if err := s.commitLocked(next); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = newSnapshot(s.now())
	if err := s.storage.Remove(); err != nil {
		return fmt.Errorf("failed to clear cache storage: %w", err)
	}
	return nil
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.loadLocked()
	now := s.now()
	stats := Stats{
		TotalEntries:   len(snap.Images),
		TotalSizeBytes: snap.Metadata.Size,
		MaxBytes:       s.maxBytes,
		LastCleanup:    snap.Metadata.LastCleanup,
	}
	for _, e := range snap.Images {
		if !e.Expired(now) {
			stats.ValidEntries++
			stats.ValidSizeBytes += e.SizeBytes
		}
	}
	stats.TotalSizeMB = formatMB(stats.TotalSizeBytes)
	stats.MaxSizeMB = formatMB(stats.MaxBytes)

	return stats
}

// Decode returns the payload bytes of an entry
func (s *Store) Decode(e *Entry) ([]byte, error) {
	if e == nil || e.Data == "" {
		return nil, ErrDecode
	}
	data, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

func (s *Store) Close() error {
	return s.storage.Close()
}

// evict drops expired entries, then the oldest entries until the snapshot
// fits the budget.
func (s *Store) evict(snap *Snapshot, now time.Time) int {
	removed := 0
	for key, e := range snap.Images {
		if e.Expired(now) {
			snap.remove(key)
			removed++
		}
	}

	if snap.Metadata.Size > s.maxBytes {
		keys := slices.SortedFunc(maps.Keys(snap.Images), func(a, b string) int {
			if c := snap.Images[a].CreatedAt.Compare(snap.Images[b].CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})
		for _, key := range keys {
			if snap.Metadata.Size <= s.maxBytes {
				break
			}
			snap.remove(key)
			removed++
		}
	}

	snap.Metadata.LastCleanup = now
	if removed > 0 {
		s.logger.Debug("Evicted cache entries",
			zap.Int("removed", removed),
			zap.Int64("size", snap.Metadata.Size),
			zap.Int64("max_bytes", s.maxBytes),
		)
	}
	return removed
}

// cleanupLocked evicts from the committed snapshot after a failed write.
// A second failure is logged and not retried.
func (s *Store) cleanupLocked(now time.Time) {
	next := s.loadLocked().clone()
	if s.evict(next, now) == 0 {
		return
	}
	if err := s.commitLocked(next); err != nil {
		s.logger.Warn("Failed to persist cache after eviction", zap.Error(err))
	}
}

func (s *Store) commitLocked(next *Snapshot) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", err)
	}
	if err := s.storage.Save(data); err != nil {
		return err
	}
	s.snapshot = next
	return nil
}

func (s *Store) loadLocked() *Snapshot {
	if s.snapshot != nil {
		return s.snapshot
	}

	s.snapshot = s.readSnapshot()
	return s.snapshot
}

func (s *Store) readSnapshot() *Snapshot {
	now := s.now()

	data, err := s.storage.Load()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("Discarding unreadable cache record", zap.Error(err))
			s.removeRecord()
		}
		return newSnapshot(now)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("Discarding malformed cache record", zap.Error(err))
		s.removeRecord()
		return newSnapshot(now)
	}

	dropped := sanitize(&snap)
	if dropped > 0 {
		s.logger.Warn("Dropped malformed cache entries", zap.Int("dropped", dropped))
	}
	if snap.Metadata.LastCleanup.IsZero() {
		snap.Metadata.LastCleanup = now
	}

	s.logger.Info("Loaded image cache",
		zap.Int("entries", len(snap.Images)),
		zap.Int64("size", snap.Metadata.Size),
	)
	return &snap
}

func (s *Store) removeRecord() {
	if err := s.storage.Remove(); err != nil {
		s.logger.Warn("Failed to remove cache record", zap.Error(err))
	}
}

// sanitize drops entries that cannot be served and recomputes the total
// size from the survivors.
func sanitize(snap *Snapshot) int {
	if snap.Images == nil {
		snap.Images = make(map[string]Entry)
	}

	dropped := 0
	var size int64
	for key, e := range snap.Images {
		if _, ok := ParseKey(key); !ok || e.Data == "" || e.SizeBytes <= 0 || e.ExpiresAt.IsZero() {
			delete(snap.Images, key)
			dropped++
			continue
		}
		if e.SizeBytes != int64(len(e.Data)) {
			e.SizeBytes = int64(len(e.Data))
			snap.Images[key] = e
		}
		size += e.SizeBytes
	}
	snap.Metadata.Size = size

	return dropped
}

func formatMB(bytes int64) string {
	return fmt.Sprintf("%.2f", float64(bytes)/(1024*1024))
}
