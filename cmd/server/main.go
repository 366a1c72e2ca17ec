package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"polyana/internal/cache"
	"polyana/internal/catalog"
	"polyana/internal/config"
	"polyana/internal/drive"
	httphandlers "polyana/internal/http"
	"polyana/internal/image_cache"
	"polyana/internal/image_loader"
	"polyana/internal/image_probe"
	"polyana/internal/logger"
	"polyana/internal/sheet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, logger.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting Polyana server",
		zap.Int("port", cfg.Port),
		zap.String("cache", cfg.CacheType),
	)

	httpClient := drive.NewHTTPClient(cfg.FetchTimeout)
	driveClient := drive.NewClient(drive.Options{
		BaseURL:            cfg.DriveAPIBaseURL,
		APIKey:             cfg.DriveAPIKey,
		AuthMode:           drive.AuthMode(cfg.DriveAuthMode),
		HighResolutionSize: cfg.HighResSize,
		HTTPClient:         httpClient,
		Logger:             log,
	})
	checkCredential(driveClient, log)

	storage, err := cache.NewStorage(cfg.CacheType, cfg.CacheFile, cfg.CacheStorageQuotaBytes, log)
	if err != nil {
		log.Fatal("Failed to initialize cache storage", zap.Error(err))
	}
	store := cache.NewStore(storage, cache.StoreOptions{
		TTL:      cfg.CacheTTL,
		MaxBytes: cfg.CacheMaxBytes,
		Logger:   log,
	})
	defer store.Close()

	if removed, err := store.Cleanup(); err != nil {
		log.Warn("Startup cache cleanup failed", zap.Error(err))
	} else {
		log.Info("Image cache ready", zap.Int("expired_removed", removed))
	}

	images := image_cache.New(image_cache.Options{
		Remote:         driveClient,
		Store:          store,
		Session:        cache.NewSessionCache(),
		Blobs:          cache.NewBlobRegistry(cache.DefaultBlobPrefix),
		Prober:         image_probe.New(log),
		FetchTimeout:   cfg.FetchTimeout,
		PreloadWorkers: cfg.PreloadWorkers,
		Logger:         log,
	})
	loader := image_loader.New(image_loader.Options{
		Images:       images,
		PreloadCount: cfg.PreloadCount,
		Logger:       log,
	})

	index := catalog.New(cfg.SheetURL, sheet.NewClient(httpClient, log), driveClient, cfg.PreloadWorkers, log)
	scanCtx, cancelScan := context.WithTimeout(context.Background(), 2*cfg.FetchTimeout)
	if err := index.Scan(scanCtx); err != nil {
		log.Warn("Initial catalog scan failed", zap.Error(err))
	}
	cancelScan()

	handlers := httphandlers.New(cfg, log, index, images, loader)

	mux := http.NewServeMux()
	handlers.Routes(mux)

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	warmupCtx, cancelWarmup := context.WithCancel(context.Background())
	defer cancelWarmup()
	if cfg.Warmup {
		go warmupImages(warmupCtx, cfg.PreloadCount, cfg.PreloadWorkers, index, loader, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	cancelWarmup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	handlers.Wait()
	loader.Wait()
	loader.Clear()

	log.Info("Server stopped")
}

func checkCredential(client *drive.Client, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	valid, err := client.CheckCredential(ctx)
	switch {
	case err != nil:
		log.Warn("Drive credential check failed", zap.Error(err))
	case !valid:
		log.Warn("Drive API key was rejected")
	default:
		log.Info("Drive API key accepted")
	}
}

// warmupImages loads the first high resolution images of every product
// so the first visitors get cache hits.
func warmupImages(ctx context.Context, perProduct, workerLimit int, index *catalog.Index, loader *image_loader.Loader, log *zap.Logger) {
	entries := index.Entries()
	if len(entries) == 0 {
		return
	}

	log.Info("Starting image warmup", zap.Int("products", len(entries)), zap.Int("per_product", perProduct))

	// Worker pool size configured via env
	if workerLimit <= 0 {
		workerLimit = 1
	}

	var g errgroup.Group
	g.SetLimit(workerLimit)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			loader.Preload(ctx, entry.Images, perProduct)
			return nil
		})
	}

	g.Wait()
	log.Info("Image warmup completed")
}
