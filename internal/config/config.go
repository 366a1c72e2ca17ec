package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port          int    `mapstructure:"port"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogCompress   bool   `mapstructure:"log_compress"`

	DriveAPIKey     string `mapstructure:"drive_api_key"`
	DriveAPIBaseURL string `mapstructure:"drive_api_base_url"`
	DriveAuthMode   string `mapstructure:"drive_auth_mode"`
	SheetURL        string `mapstructure:"sheet_url"`

	CacheType              string        `mapstructure:"cache"`
	CacheFile              string        `mapstructure:"cache_file"`
	CacheStorageQuotaBytes int64         `mapstructure:"cache_storage_quota_bytes"`
	CacheMaxBytes          int64         `mapstructure:"cache_max_bytes"`
	CacheTTL               time.Duration `mapstructure:"cache_ttl"`

	HighResSize    int           `mapstructure:"high_res_size"`
	PreloadCount   int           `mapstructure:"preload_count"`
	PreloadWorkers int           `mapstructure:"preload_workers"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	Warmup         bool          `mapstructure:"warmup"`

	VipsConcurrency int    `mapstructure:"vips_concurrency"`
	VipsMaxCacheMB  int    `mapstructure:"vips_max_cache_mb"`
	AllowedOrigin   string `mapstructure:"allowed_origin"`
}

// Load reads the configuration from the environment. Every key has a
// default, so an empty environment yields a working config.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cacheFile, err := homedir.Expand(cfg.CacheFile)
	if err != nil {
		return nil, fmt.Errorf("failed to expand cache file path: %w", err)
	}
	cfg.CacheFile = cacheFile
	cfg.DriveAuthMode = strings.ToLower(strings.TrimSpace(cfg.DriveAuthMode))
	cfg.CacheType = strings.ToLower(strings.TrimSpace(cfg.CacheType))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_compress", true)

	v.SetDefault("drive_api_key", "")
	v.SetDefault("drive_api_base_url", "https://www.googleapis.com/drive/v3")
	v.SetDefault("drive_auth_mode", "header")
	v.SetDefault("sheet_url", "https://docs.google.com/spreadsheets/d/1vcqTCWuqm8qd_MwEvuJOISLxq968FDvFXoc6WIuWSY8/gviz/tq?tqx=out:json")

	v.SetDefault("cache", "file")
	v.SetDefault("cache_file", "~/.polyana/image_cache.zst")
	v.SetDefault("cache_storage_quota_bytes", 0)
	v.SetDefault("cache_max_bytes", 50*1024*1024)
	v.SetDefault("cache_ttl", "168h")

	v.SetDefault("high_res_size", 2048)
	v.SetDefault("preload_count", 3)
	v.SetDefault("preload_workers", 4)
	v.SetDefault("fetch_timeout", "30s")
	v.SetDefault("warmup", true)

	v.SetDefault("vips_concurrency", 1)
	v.SetDefault("vips_max_cache_mb", 64)
	v.SetDefault("allowed_origin", "")
}

func (c *Config) Validate() error {
	switch c.CacheType {
	case "file", "memory", "disabled":
	default:
		return fmt.Errorf("unknown cache type: %s (supported: memory, file, disabled)", c.CacheType)
	}
	switch c.DriveAuthMode {
	case "header", "query":
	default:
		return fmt.Errorf("unknown drive auth mode: %s (supported: header, query)", c.DriveAuthMode)
	}
	if c.CacheMaxBytes <= 0 {
		return fmt.Errorf("CACHE_MAX_BYTES must be positive, got %d", c.CacheMaxBytes)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.HighResSize <= 0 {
		return fmt.Errorf("HIGH_RES_SIZE must be positive, got %d", c.HighResSize)
	}
	if c.CacheStorageQuotaBytes < 0 {
		return fmt.Errorf("CACHE_STORAGE_QUOTA_BYTES must not be negative, got %d", c.CacheStorageQuotaBytes)
	}
	return nil
}

// durationDecodeHook accepts Go duration syntax, a day suffix such as "7d",
// or a plain number of seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return parseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type: %T", v)
		}
	}
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration value: %s", raw)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %s", raw)
}
