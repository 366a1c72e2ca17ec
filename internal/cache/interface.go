package cache

import "strings"

// Quality is the rendition of an image held in the cache
type Quality string

const (
	QualityThumbnail Quality = "thumbnail"
	QualityHigh      Quality = "high"
)

func (q Quality) Valid() bool {
	return q == QualityThumbnail || q == QualityHigh
}

const keyPrefix = "img_"

// Key identifies one cached rendition. Keys are compared by value.
type Key struct {
	FileID  string
	Quality Quality
}

func NewKey(fileID string, quality Quality) Key {
	return Key{FileID: fileID, Quality: quality}
}

// String returns the persisted form img_<fileID>_<quality>
func (k Key) String() string {
	return keyPrefix + k.FileID + "_" + string(k.Quality)
}

// ParseKey is the inverse of Key.String. File IDs may contain underscores,
// so the quality is matched as a suffix.
func ParseKey(s string) (Key, bool) {
	rest, ok := strings.CutPrefix(s, keyPrefix)
	if !ok {
		return Key{}, false
	}

	for _, q := range []Quality{QualityThumbnail, QualityHigh} {
		if id, ok := strings.CutSuffix(rest, "_"+string(q)); ok && id != "" {
			return Key{FileID: id, Quality: q}, true
		}
	}

	return Key{}, false
}

// Storage persists the serialized cache snapshot as a single record
type Storage interface {
	// Load returns ErrNotFound when nothing was saved yet
	Load() ([]byte, error)
	// Save replaces the record. It returns ErrQuotaExceeded when the
	// record does not fit.
	Save(data []byte) error
	Remove() error
	Close() error
}
