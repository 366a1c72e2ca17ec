package cache

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// recordingStorage keeps the last saved record and can be told to fail
type recordingStorage struct {
	data    []byte
	saves   int
	failErr error
}

func (s *recordingStorage) Load() ([]byte, error) {
	if s.data == nil {
		return nil, ErrNotFound
	}
	return s.data, nil
}

func (s *recordingStorage) Save(data []byte) error {
	s.saves++
	if s.failErr != nil {
		return s.failErr
	}
	s.data = data
	return nil
}

func (s *recordingStorage) Remove() error {
	s.data = nil
	return nil
}

func (s *recordingStorage) Close() error {
	return nil
}

func (s *recordingStorage) snapshot(t *testing.T) Snapshot {
	t.Helper()
	var snap Snapshot
	require.NoError(t, json.Unmarshal(s.data, &snap))
	return snap
}

func thumb(id string) Key {
	return NewKey(id, QualityThumbnail)
}

func TestStoreRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x00},
		{0xff, 0xfe, 0x00, 0x01},
		[]byte("\x89PNG\r\n\x1a\n"),
		[]byte("plain text, not an image"),
	}

	store := NewStore(&recordingStorage{}, StoreOptions{})
	for i, payload := range payloads {
		key := thumb(string(rune('a' + i)))
		_, err := store.Put(key, payload, "image/png")
		require.NoError(t, err)

		entry, ok := store.Get(key)
		require.True(t, ok)
		assert.Equal(t, "image/png", entry.MIMEType)

		got, err := store.Decode(entry)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestStoreDecodeMalformed(t *testing.T) {
	store := NewStore(nil, StoreOptions{})

	_, err := store.Decode(&Entry{Data: "%%%"})
	assert.ErrorIs(t, err, ErrDecode)

	_, err = store.Decode(nil)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestStorePutSetsSizeAndExpiry(t *testing.T) {
	clock := newClock()
	storage := &recordingStorage{}
	store := NewStore(storage, StoreOptions{Now: clock.Now})

	entry, err := store.Put(thumb("f1"), []byte("abc"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "YWJj", entry.Data)
	assert.Equal(t, int64(4), entry.SizeBytes)
	assert.Equal(t, clock.t, entry.CreatedAt)
	assert.Equal(t, clock.t.Add(DefaultTTL), entry.ExpiresAt)

	snap := storage.snapshot(t)
	assert.Contains(t, snap.Images, "img_f1_thumbnail")
	assert.Equal(t, int64(4), snap.Metadata.Size)
}

func TestStoreReplaceDeductsOldSize(t *testing.T) {
	store := NewStore(&recordingStorage{}, StoreOptions{})

	_, err := store.Put(thumb("f1"), []byte("abcdef"), "image/jpeg")
	require.NoError(t, err)
	_, err = store.Put(thumb("f1"), []byte("abc"), "image/jpeg")
	require.NoError(t, err)

	stats := store.Stats()
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, int64(4), stats.TotalSizeBytes)
}

func TestStoreExpiry(t *testing.T) {
	clock := newClock()
	store := NewStore(&recordingStorage{}, StoreOptions{Now: clock.Now, TTL: time.Hour})

	_, err := store.Put(thumb("f1"), []byte("abc"), "image/jpeg")
	require.NoError(t, err)
	assert.True(t, store.Has(thumb("f1")))

	clock.Advance(time.Hour)
	assert.False(t, store.Has(thumb("f1")))
	_, ok := store.Get(thumb("f1"))
	assert.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 0, stats.ValidEntries)
	assert.Equal(t, int64(0), stats.ValidSizeBytes)

	removed, err := store.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, store.Stats().TotalEntries)
	assert.Equal(t, clock.t, store.Stats().LastCleanup)
}

func TestStoreEvictsOldestFirst(t *testing.T) {
	clock := newClock()
	// each 3-byte payload encodes to 4 bytes
	store := NewStore(&recordingStorage{}, StoreOptions{Now: clock.Now, MaxBytes: 12})

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Put(thumb(id), []byte("xyz"), "image/jpeg")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	assert.Equal(t, int64(12), store.Stats().TotalSizeBytes)

	_, err := store.Put(thumb("d"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)

	assert.False(t, store.Has(thumb("a")))
	assert.True(t, store.Has(thumb("b")))
	assert.True(t, store.Has(thumb("c")))
	assert.True(t, store.Has(thumb("d")))
	assert.LessOrEqual(t, store.Stats().TotalSizeBytes, int64(12))
}

func TestStoreEvictsExpiredBeforeOldest(t *testing.T) {
	clock := newClock()
	store := NewStore(&recordingStorage{}, StoreOptions{Now: clock.Now, MaxBytes: 12, TTL: time.Hour})

	_, err := store.Put(thumb("old"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = store.Put(thumb("short"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)
	_, err = store.Put(thumb("mid"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)

	// "old" is now expired; the insert needs no age-based eviction after it goes
	clock.Advance(31 * time.Minute)
	_, err = store.Put(thumb("new"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)

	stats := store.Stats()
	assert.Equal(t, 3, stats.TotalEntries)
	assert.True(t, store.Has(thumb("short")))
	assert.True(t, store.Has(thumb("mid")))
	assert.True(t, store.Has(thumb("new")))
}

func TestStoreWriteFailureIsNotCommitted(t *testing.T) {
	clock := newClock()
	storage := &recordingStorage{}
	store := NewStore(storage, StoreOptions{Now: clock.Now, TTL: time.Hour})

	_, err := store.Put(thumb("a"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	storage.failErr = ErrQuotaExceeded
	saves := storage.saves
	entry, err := store.Put(thumb("b"), []byte("xyz"), "image/jpeg")
	assert.Nil(t, entry)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, store.Has(thumb("b")))

	// one failed put and one failed eviction write, no retry
	assert.Equal(t, saves+2, storage.saves)
	assert.Equal(t, 1, store.Stats().TotalEntries)
}

func TestStoreQuotaWithFileStorage(t *testing.T) {
	storage, err := NewMemoryStorage(64)
	require.NoError(t, err)
	defer storage.Close()

	store := NewStore(storage, StoreOptions{})
	noise := make([]byte, 4096)
	for i := range noise {
		noise[i] = byte(i*7919 + i/3)
	}

	_, err = store.Put(thumb("big"), noise, "image/jpeg")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, store.Has(thumb("big")))
}

func TestStoreClear(t *testing.T) {
	storage := &recordingStorage{}
	store := NewStore(storage, StoreOptions{})

	_, err := store.Put(thumb("a"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, store.Clear())

	assert.False(t, store.Has(thumb("a")))
	assert.Nil(t, storage.data)
	assert.Equal(t, int64(0), store.Stats().TotalSizeBytes)
}

func TestStoreRemove(t *testing.T) {
	store := NewStore(&recordingStorage{}, StoreOptions{})

	_, err := store.Put(thumb("a"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, store.Remove(thumb("a")))
	require.NoError(t, store.Remove(thumb("a")))

	assert.False(t, store.Has(thumb("a")))
	assert.Equal(t, int64(0), store.Stats().TotalSizeBytes)
}

func TestStoreSurvivesReload(t *testing.T) {
	storage, err := NewMemoryStorage(0)
	require.NoError(t, err)
	defer storage.Close()

	first := NewStore(storage, StoreOptions{})
	_, err = first.Put(NewKey("f_1", QualityHigh), []byte("payload"), "image/webp")
	require.NoError(t, err)

	second := NewStore(storage, StoreOptions{})
	entry, ok := second.Get(NewKey("f_1", QualityHigh))
	require.True(t, ok)
	got, err := second.Decode(entry)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestStoreSanitizesLoadedRecord(t *testing.T) {
	now := newClock().t
	good := Entry{Data: "YWJj", MIMEType: "image/png", SizeBytes: 99, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	snap := Snapshot{
		Images: map[string]Entry{
			"img_ok_thumbnail": good,
			"bogus":            good,
			"img_x_medium":     good,
			"img_empty_high":   {Data: "", SizeBytes: 4, ExpiresAt: now.Add(time.Hour)},
			"img_zero_high":    {Data: "YWJj", SizeBytes: 0, ExpiresAt: now.Add(time.Hour)},
		},
		Metadata: Metadata{Size: 1 << 30},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	store := NewStore(&recordingStorage{data: data}, StoreOptions{Now: func() time.Time { return now }})
	stats := store.Stats()
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, int64(4), stats.TotalSizeBytes)
	assert.True(t, store.Has(thumb("ok")))
}

func TestStoreDiscardsMalformedRecord(t *testing.T) {
	storage := &recordingStorage{data: []byte("{not json")}
	store := NewStore(storage, StoreOptions{})

	assert.Equal(t, 0, store.Stats().TotalEntries)
	assert.Nil(t, storage.data)

	_, err := store.Put(thumb("a"), []byte("xyz"), "image/jpeg")
	require.NoError(t, err)
	assert.True(t, store.Has(thumb("a")))
}

func TestStoreDiscardsUndecodableRecord(t *testing.T) {
	fs, err := NewMemoryStorage(0)
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, writeRaw(fs, []byte("not zstd at all")))
	_, err = fs.Load()
	assert.ErrorIs(t, err, ErrDecode)

	store := NewStore(fs, StoreOptions{})
	assert.Equal(t, 0, store.Stats().TotalEntries)

	_, err = fs.Load()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreStatsFormatting(t *testing.T) {
	store := NewStore(&recordingStorage{}, StoreOptions{})
	stats := store.Stats()
	assert.Equal(t, "0.00", stats.TotalSizeMB)
	assert.Equal(t, "50.00", stats.MaxSizeMB)
	assert.Equal(t, int64(DefaultMaxBytes), stats.MaxBytes)
}
