package image_loader

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"polyana/internal/cache"
	"polyana/internal/drive"
)

const DefaultPreloadCount = 3

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	StateFailed  State = "failed"
)

// Images is the part of the image cache manager the loader depends on
type Images interface {
	GetCachedResource(ctx context.Context, fileID string, quality cache.Quality) *cache.Handle
	GetOrFetch(ctx context.Context, fileID string, quality cache.Quality) *cache.Handle
}

// Upgrade is delivered to subscribers when a high resolution load settles.
// URL is empty unless State is StateLoaded.
type Upgrade struct {
	FileID string `json:"file_id"`
	URL    string `json:"url,omitempty"`
	State  State  `json:"state"`
}

type Options struct {
	Images       Images
	PreloadCount int
	Logger       *zap.Logger
}

// Loader serves thumbnails right away and swaps in high resolution handles
// as they arrive. It holds one reference on every handle it hands out.
type Loader struct {
	images       Images
	preloadCount int
	logger       *zap.Logger

	mu          sync.Mutex
	handles     map[string]*cache.Handle
	loading     map[string]bool
	states      map[string]State
	generation  uint64
	subscribers map[int]func(Upgrade)
	nextSub     int

	background sync.WaitGroup
}

func New(opts Options) *Loader {
	if opts.PreloadCount <= 0 {
		opts.PreloadCount = DefaultPreloadCount
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Loader{
		images:       opts.Images,
		preloadCount: opts.PreloadCount,
		logger:       opts.Logger,
		handles:      make(map[string]*cache.Handle),
		loading:      make(map[string]bool),
		states:       make(map[string]State),
		subscribers:  make(map[int]func(Upgrade)),
	}
}

// ResolveDisplayURL returns the best URL available without waiting. When
// only the thumbnail is available an upgrade starts in the background.
func (l *Loader) ResolveDisplayURL(ctx context.Context, image drive.ImageRecord) string {
	id := image.ID
	if id == "" {
		return ""
	}

	l.mu.Lock()
	if h, ok := l.handles[id]; ok && !h.Released() {
		l.mu.Unlock()
		return h.URL
	}
	gen := l.generation
	l.mu.Unlock()

	if h := l.images.GetCachedResource(ctx, id, cache.QualityHigh); h != nil && h.Retain() {
		if l.hold(id, h, gen) {
			return h.URL
		}
	}

	l.background.Add(1)
	go func() {
		defer l.background.Done()
		l.BeginUpgrade(context.WithoutCancel(ctx), image)
	}()

	return thumbnailURL(image)
}

// BeginUpgrade loads the high resolution rendition of image. It returns at
// once when a load for the same id is already running.
func (l *Loader) BeginUpgrade(ctx context.Context, image drive.ImageRecord) {
	id := image.ID
	if id == "" {
		return
	}

	l.mu.Lock()
	if l.loading[id] {
		l.mu.Unlock()
		return
	}
	if h, ok := l.handles[id]; ok && !h.Released() {
		l.mu.Unlock()
		return
	}
	l.loading[id] = true
	l.states[id] = StateLoading
	gen := l.generation
	l.mu.Unlock()

	upgrade := Upgrade{FileID: id, State: StateFailed}
	defer func() {
		l.settle(gen, upgrade)
	}()

	h := l.images.GetOrFetch(ctx, id, cache.QualityHigh)
	if h == nil || !h.Retain() {
		l.logger.Debug("High resolution image unavailable, keeping thumbnail", zap.String("file_id", id))
		return
	}
	if !l.hold(id, h, gen) {
		return
	}

	upgrade.State = StateLoaded
	upgrade.URL = h.URL
}

// Preload upgrades the first count images concurrently and waits for all of
// them. A count of zero or less uses the configured default.
func (l *Loader) Preload(ctx context.Context, images []drive.ImageRecord, count int) {
	if count <= 0 {
		count = l.preloadCount
	}
	if count > len(images) {
		count = len(images)
	}

	var g errgroup.Group
	for _, image := range images[:count] {
		g.Go(func() error {
			l.BeginUpgrade(ctx, image)
			return nil
		})
	}
	g.Wait()
}

func (l *Loader) IsLoading(fileID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading[fileID]
}

// LoadingState returns the ids with an upgrade in flight
func (l *Loader) LoadingState() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.loading)
}

func (l *Loader) State(fileID string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[fileID]; ok {
		return s
	}
	return StateIdle
}

// Subscribe registers fn for upgrade notifications. fn runs on the
// goroutine that finished the load. The returned func unsubscribes.
func (l *Loader) Subscribe(fn func(Upgrade)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

// Wait blocks until background upgrades started by ResolveDisplayURL finish
func (l *Loader) Wait() {
	l.background.Wait()
}

// Clear releases every held handle and forgets all state. Loads still in
// flight drop their result.
func (l *Loader) Clear() {
	l.mu.Lock()
	handles := l.handles
	l.handles = make(map[string]*cache.Handle)
	l.loading = make(map[string]bool)
	l.states = make(map[string]State)
	l.generation++
	l.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
}

// hold stores a retained handle for id. It gives the reference back when the
// loader was cleared since gen was read.
func (l *Loader) hold(id string, h *cache.Handle, gen uint64) bool {
	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		h.Release()
		return false
	}

	old, ok := l.handles[id]
	l.handles[id] = h
	l.states[id] = StateLoaded
	l.mu.Unlock()

	if ok {
		// old == h means it was retained twice
		old.Release()
	}
	return true
}

func (l *Loader) settle(gen uint64, upgrade Upgrade) {
	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return
	}
	delete(l.loading, upgrade.FileID)
	if upgrade.State == StateFailed {
		l.states[upgrade.FileID] = StateFailed
	}
	subscribers := make([]func(Upgrade), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subscribers = append(subscribers, fn)
	}
	l.mu.Unlock()

	for _, fn := range subscribers {
		fn(upgrade)
	}
}

func thumbnailURL(image drive.ImageRecord) string {
	if image.ThumbnailLink != "" {
		return image.ThumbnailLink
	}
	return drive.DirectContentURL(image.ID)
}
