package cache

import (
	"sync"

	"github.com/opencontainers/go-digest"
)

// Handle is an in-process image resource addressable by URL. It is
// reference counted: the creator holds the first reference, and the bytes
// are dropped and the URL revoked when the last reference is released.
type Handle struct {
	ID       string
	URL      string
	MIMEType string
	Digest   digest.Digest
	Size     int

	mu     sync.RWMutex
	data   []byte
	refs   int
	width  int
	height int

	onRelease func(*Handle)
}

// Bytes returns the payload, or false once the handle was released
func (h *Handle) Bytes() ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.data, h.refs > 0
}

// Retain adds a reference. It fails on a released handle.
func (h *Handle) Retain() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return false
	}
	h.refs++
	return true
}

// Release drops a reference. Extra calls are ignored.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.refs == 0 {
		h.mu.Unlock()
		return
	}
	h.refs--
	last := h.refs == 0
	if last {
		h.data = nil
	}
	h.mu.Unlock()

	if last && h.onRelease != nil {
		h.onRelease(h)
	}
}

func (h *Handle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.refs == 0
}

func (h *Handle) Refs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.refs
}

// SetDimensions records the decoded pixel size
func (h *Handle) SetDimensions(width, height int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.width, h.height = width, height
}

// Dimensions returns zeros when the image was never probed
func (h *Handle) Dimensions() (width, height int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.width, h.height
}
