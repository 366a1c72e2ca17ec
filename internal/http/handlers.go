package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"polyana/internal/cache"
	"polyana/internal/catalog"
	"polyana/internal/config"
	"polyana/internal/drive"
	"polyana/internal/image_cache"
	"polyana/internal/image_loader"
)

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	index   *catalog.Index
	images  *image_cache.Manager
	loader  *image_loader.Loader
	blobURL string

	background sync.WaitGroup
}

func New(config *config.Config, logger *zap.Logger, index *catalog.Index, images *image_cache.Manager, loader *image_loader.Loader) *Handlers {
	return &Handlers{
		config:  config,
		logger:  logger,
		index:   index,
		images:  images,
		loader:  loader,
		blobURL: cache.DefaultBlobPrefix,
	}
}

// Routes registers every endpoint on mux
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/catalog", h.HandleCatalog)
	mux.HandleFunc("/api/catalog/", h.HandleCatalogRoutes)
	mux.HandleFunc("/api/images/", h.HandleImageRoutes)
	mux.HandleFunc(h.blobURL, h.HandleBlob)
	mux.HandleFunc("/api/loading", h.HandleLoading)
	mux.HandleFunc("/api/cache/stats", h.HandleCacheStats)
	mux.HandleFunc("/api/cache/clear", h.HandleCacheClear)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

// Wait blocks until background preloads started by requests finish
func (h *Handlers) Wait() {
	h.background.Wait()
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.index.Entries())
}

type imageView struct {
	drive.ImageRecord
	ImageURL      string             `json:"image_url"`
	FormattedSize string             `json:"formatted_size"`
	State         image_loader.State `json:"state"`
	Cached        bool               `json:"cached"`
}

// HandleCatalogRoutes serves /api/catalog/{index}/images and starts the
// high resolution preload for the first images of the product.
func (h *Handlers) HandleCatalogRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/catalog/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) != 2 || parts[1] != "images" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	index, err := strconv.Atoi(parts[0])
	if err != nil {
		http.Error(w, "Invalid catalog index", http.StatusBadRequest)
		return
	}

	entry, ok := h.index.Entry(index)
	if !ok {
		http.Error(w, fmt.Sprintf("catalog entry not found: %d", index), http.StatusNotFound)
		return
	}

	views := make([]imageView, 0, len(entry.Images))
	for _, img := range entry.Images {
		views = append(views, h.viewOf(img))
	}

	if len(entry.Images) > 0 {
		ctx := context.WithoutCancel(r.Context())
		h.background.Add(1)
		go func() {
			defer h.background.Done()
			h.loader.Preload(ctx, entry.Images, h.config.PreloadCount)
		}()
	}

	writeJSON(w, views)
}

func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	imageID := parts[0]

	switch parts[1] {
	case "display":
		h.handleDisplayWithID(w, r, imageID)
	case "meta":
		h.handleImageMetaWithID(w, r, imageID)
	default:
		http.NotFound(w, r)
	}
}

// HandleBlob serves the bytes behind a handle URL
func (h *Handlers) HandleBlob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, h.blobURL)
	handle, ok := h.images.Blobs().Lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	data, live := handle.Bytes()
	if !live {
		http.NotFound(w, r)
		return
	}

	etag := `"` + handle.Digest.Encoded() + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", handle.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if width, height := handle.Dimensions(); width > 0 {
		w.Header().Set("X-Image-Width", strconv.Itoa(width))
		w.Header().Set("X-Image-Height", strconv.Itoa(height))
	}

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(data)
}

func (h *Handlers) HandleLoading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.loader.LoadingState())
}

func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.images.Stats())
}

func (h *Handlers) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.loader.Clear()
	if err := h.images.Clear(); err != nil {
		h.logger.Error("Failed to clear image cache", zap.Error(err))
		http.Error(w, "Failed to clear cache", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]bool{"cleared": true})
}

func (h *Handlers) handleDisplayWithID(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	img, ok := h.index.ImageByID(imageID)
	if !ok {
		http.Error(w, "image not found: "+imageID, http.StatusNotFound)
		return
	}

	url := h.loader.ResolveDisplayURL(r.Context(), *img)

	writeJSON(w, map[string]interface{}{
		"file_id": imageID,
		"url":     url,
		"state":   h.loader.State(imageID),
		"loading": h.loader.IsLoading(imageID),
	})
}

func (h *Handlers) handleImageMetaWithID(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	img, ok := h.index.ImageByID(imageID)
	if !ok {
		http.Error(w, "image not found: "+imageID, http.StatusNotFound)
		return
	}

	meta := map[string]interface{}{
		"image":            h.viewOf(*img),
		"thumbnail_cached": h.images.IsCached(imageID, cache.QualityThumbnail),
		"loading":          h.loader.IsLoading(imageID),
	}
	if handle := h.images.GetCachedResource(r.Context(), imageID, cache.QualityHigh); handle != nil {
		width, height := handle.Dimensions()
		meta["width"] = width
		meta["height"] = height
		meta["bytes"] = handle.Size
		meta["mime_type"] = handle.MIMEType
	}

	writeJSON(w, meta)
}

func (h *Handlers) viewOf(img drive.ImageRecord) imageView {
	return imageView{
		ImageRecord:   img,
		ImageURL:      img.ImageURL(),
		FormattedSize: img.FormattedSize(),
		State:         h.loader.State(img.ID),
		Cached:        h.images.IsCached(img.ID, cache.QualityHigh),
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
