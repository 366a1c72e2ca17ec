package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStorage creates a storage backend based on the cache type
func NewStorage(storageType, cacheFile string, quota int64, log *zap.Logger) (Storage, error) {
	switch storageType {
	case "memory":
		log.Info("Using memory cache storage", zap.Int64("quota_bytes", quota))
		return NewMemoryStorage(quota)
	case "file":
		log.Info("Using file cache storage", zap.String("cache_file", cacheFile), zap.Int64("quota_bytes", quota))
		return NewFileStorage(cacheFile, quota)
	case "disabled":
		log.Info("Cache persistence disabled")
		return NewNoopStorage(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, disabled)", storageType)
	}
}
