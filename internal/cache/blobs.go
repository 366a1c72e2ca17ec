package cache

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

const DefaultBlobPrefix = "/api/blobs/"

// BlobRegistry hands out URLs for live handles. A handle is reachable
// until its last reference is released.
type BlobRegistry struct {
	mu      sync.RWMutex
	prefix  string
	handles map[string]*Handle
}

func NewBlobRegistry(prefix string) *BlobRegistry {
	if prefix == "" {
		prefix = DefaultBlobPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobRegistry{
		prefix:  prefix,
		handles: make(map[string]*Handle),
	}
}

// Create registers data and returns a handle holding one reference
func (r *BlobRegistry) Create(data []byte, mimeType string) *Handle {
	id := uuid.NewString()
	h := &Handle{
		ID:        id,
		URL:       r.prefix + id,
		MIMEType:  mimeType,
		Digest:    digest.FromBytes(data),
		Size:      len(data),
		data:      data,
		refs:      1,
		onRelease: r.revoke,
	}

	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()

	return h
}

// Lookup resolves an ID taken from a handle URL
func (r *BlobRegistry) Lookup(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *BlobRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *BlobRegistry) revoke(h *Handle) {
	r.mu.Lock()
	delete(r.handles, h.ID)
	r.mu.Unlock()
}
