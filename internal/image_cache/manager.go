package image_cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"polyana/internal/cache"
	"polyana/internal/drive"
)

const (
	DefaultFetchTimeout   = 30 * time.Second
	DefaultPreloadWorkers = 4
)

var (
	ErrInvalidQuality = platformerrors.New(platformerrors.CodeInvalidInput, "unknown image quality")
	ErrEmptyPayload   = platformerrors.New(platformerrors.CodeNotFound, "remote returned no image data")
)

// Remote is the subset of the Drive client the manager fetches through
type Remote interface {
	GetImageMetadata(ctx context.Context, fileID string) (*drive.ImageRecord, error)
	FetchThumbnailBytes(ctx context.Context, ref string) (*drive.Payload, error)
	FetchHighResolutionBytes(ctx context.Context, ref string) (*drive.Payload, error)
}

// Prober reports pixel dimensions of an encoded image
type Prober interface {
	Dimensions(data []byte, mimeType string) (width, height int, err error)
}

type Options struct {
	Remote  Remote
	Store   *cache.Store
	Session *cache.SessionCache
	Blobs   *cache.BlobRegistry
	// Prober is optional
	Prober         Prober
	FetchTimeout   time.Duration
	PreloadWorkers int
	Logger         *zap.Logger
}

// Stats extends the persistent store stats with the live tier
type Stats struct {
	cache.Stats
	SessionEntries int `json:"session_entries"`
	LiveHandles    int `json:"live_handles"`
	InFlight       int `json:"in_flight"`
}

// Manager answers image requests from the session tier, then the persistent
// store, then the remote. Concurrent requests for one key share a single
// remote fetch.
type Manager struct {
	remote       Remote
	store        *cache.Store
	session      *cache.SessionCache
	blobs        *cache.BlobRegistry
	prober       Prober
	fetchTimeout time.Duration
	workers      int
	logger       *zap.Logger

	flights  singleflight.Group
	inFlight atomic.Int64
}

func New(opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = cache.NewStore(nil, cache.StoreOptions{Logger: opts.Logger})
	}
	if opts.Session == nil {
		opts.Session = cache.NewSessionCache()
	}
	if opts.Blobs == nil {
		opts.Blobs = cache.NewBlobRegistry("")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.PreloadWorkers <= 0 {
		opts.PreloadWorkers = DefaultPreloadWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Manager{
		remote:       opts.Remote,
		store:        opts.Store,
		session:      opts.Session,
		blobs:        opts.Blobs,
		prober:       opts.Prober,
		fetchTimeout: opts.FetchTimeout,
		workers:      opts.PreloadWorkers,
		logger:       opts.Logger,
	}
}

func (m *Manager) IsCached(fileID string, quality cache.Quality) bool {
	key := cache.NewKey(fileID, quality)
	return m.session.Has(key) || m.store.Has(key)
}

// GetCachedResource returns the handle for a cached image without touching
// the remote. A persisted entry is decoded into a new session handle. The
// returned handle is owned by the session tier; holders must Retain it.
func (m *Manager) GetCachedResource(ctx context.Context, fileID string, quality cache.Quality) *cache.Handle {
	key := cache.NewKey(fileID, quality)
	if h, ok := m.session.Get(key); ok {
		return h
	}

	entry, ok := m.store.Get(key)
	if !ok {
		return nil
	}

	data, err := m.store.Decode(entry)
	if err != nil {
		m.logger.Warn("Dropping undecodable cache entry",
			zap.String("key", key.String()),
			zap.Error(err),
		)
		if err := m.store.Remove(key); err != nil {
			m.logger.Warn("Failed to drop cache entry", zap.String("key", key.String()), zap.Error(err))
		}
		return nil
	}

	return m.session.Add(key, m.newHandle(data, entry.MIMEType))
}

// GetOrFetch returns the cached handle or fetches the image. Failures are
// logged and yield nil. The shared fetch outlives a cancelled caller and is
// bounded by the fetch timeout instead.
func (m *Manager) GetOrFetch(ctx context.Context, fileID string, quality cache.Quality) *cache.Handle {
	if h := m.GetCachedResource(ctx, fileID, quality); h != nil {
		return h
	}

	key := cache.NewKey(fileID, quality)
	result := m.flights.DoChan(key.String(), func() (any, error) {
		m.inFlight.Add(1)
		defer m.inFlight.Add(-1)

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
		defer cancel()

		// A flight that just settled may have filled the cache
		if h := m.GetCachedResource(fetchCtx, fileID, quality); h != nil {
			return h, nil
		}
		return m.fetch(fetchCtx, key)
	})

	select {
	case <-ctx.Done():
		m.logger.Debug("Caller stopped waiting for image",
			zap.String("key", key.String()),
			zap.Error(ctx.Err()),
		)
		return nil
	case res := <-result:
		if res.Err != nil {
			m.logger.Warn("Failed to load image",
				zap.String("file_id", fileID),
				zap.String("quality", string(quality)),
				zap.String("error_code", string(platformerrors.GetCode(res.Err))),
				zap.Bool("retryable", platformerrors.IsRetryable(res.Err)),
				zap.Error(res.Err),
			)
			return nil
		}
		return res.Val.(*cache.Handle)
	}
}

// Preload fetches every uncached id with a bounded number of workers and
// waits for all of them. Failures are logged by GetOrFetch and dropped.
func (m *Manager) Preload(ctx context.Context, fileIDs []string, quality cache.Quality) {
	var g errgroup.Group
	g.SetLimit(m.workers)

	seen := make(map[string]struct{}, len(fileIDs))
	for _, id := range fileIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if m.IsCached(id, quality) {
			continue
		}

		g.Go(func() error {
			m.GetOrFetch(ctx, id, quality)
			return nil
		})
	}

	g.Wait()
}

// Clear releases every session handle and empties the persistent store
func (m *Manager) Clear() error {
	m.session.Clear()
	if err := m.store.Clear(); err != nil {
		return err
	}
	m.logger.Info("Image cache cleared")
	return nil
}

func (m *Manager) Stats() Stats {
	return Stats{
		Stats:          m.store.Stats(),
		SessionEntries: m.session.Len(),
		LiveHandles:    m.blobs.Len(),
		InFlight:       int(m.inFlight.Load()),
	}
}

// Blobs exposes the registry that serves handle URLs
func (m *Manager) Blobs() *cache.BlobRegistry {
	return m.blobs
}

func (m *Manager) fetch(ctx context.Context, key cache.Key) (*cache.Handle, error) {
	if !key.Quality.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuality, key.Quality)
	}
	if m.remote == nil {
		return nil, platformerrors.New(platformerrors.CodeUnavailable, "no remote configured")
	}

	start := time.Now()
	record, err := m.remote.GetImageMetadata(ctx, key.FileID)
	if err != nil {
		return nil, err
	}

	var payload *drive.Payload
	switch key.Quality {
	case cache.QualityThumbnail:
		payload, err = m.remote.FetchThumbnailBytes(ctx, record.ThumbnailLink)
	case cache.QualityHigh:
		payload, err = m.remote.FetchHighResolutionBytes(ctx, record.ThumbnailLink)
	}
	if err != nil {
		return nil, err
	}
	if payload == nil || len(payload.Data) == 0 {
		return nil, ErrEmptyPayload
	}

	// Persistence failures are handled inside the store
	if _, err := m.store.Put(key, payload.Data, payload.MIMEType); err != nil {
		m.logger.Debug("Image kept in session only", zap.String("key", key.String()))
	}

	h := m.session.Add(key, m.newHandle(payload.Data, payload.MIMEType))

	m.logger.Debug("Fetched image",
		zap.String("key", key.String()),
		zap.Int("bytes", len(payload.Data)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return h, nil
}

func (m *Manager) newHandle(data []byte, mimeType string) *cache.Handle {
	h := m.blobs.Create(data, mimeType)
	if m.prober == nil {
		return h
	}

	width, height, err := m.prober.Dimensions(data, mimeType)
	if err != nil {
		m.logger.Debug("Failed to probe image", zap.String("mime_type", mimeType), zap.Error(err))
		return h
	}
	h.SetDimensions(width, height)

	return h
}
