package image_probe

import (
	"errors"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"github.com/h2non/filetype"
	"go.uber.org/zap"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Probe reads pixel dimensions out of encoded image bytes with libvips.
// vips.Startup must have been called before the first probe.
type Probe struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{logger: logger}
}

// Dimensions decodes the image header only; pixels are not processed.
func (p *Probe) Dimensions(data []byte, mimeType string) (width, height int, err error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("%w: empty payload", ErrUnsupportedFormat)
	}

	format := formatOf(data, mimeType)
	image, err := loadImage(data, format)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s image: %w", format, err)
	}
	defer image.Close()

	width, height = image.Width(), image.Height()
	p.logger.Debug("Probed image",
		zap.String("format", format),
		zap.Int("width", width),
		zap.Int("height", height),
	)

	return width, height, nil
}

// formatOf trusts the sniffed bytes over the declared type
func formatOf(data []byte, mimeType string) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return mimeType
}

// loadImage picks the buffer loader for the image format
func loadImage(data []byte, format string) (*vips.Image, error) {
	// Only the header is needed
	access := vips.AccessSequential

	switch format {
	case "image/tiff":
		opts := vips.DefaultTiffloadBufferOptions()
		opts.Access = access
		return vips.NewTiffloadBuffer(data, opts)
	case "image/jpeg":
		opts := vips.DefaultJpegloadBufferOptions()
		opts.Access = access
		return vips.NewJpegloadBuffer(data, opts)
	case "image/png":
		opts := vips.DefaultPngloadBufferOptions()
		opts.Access = access
		return vips.NewPngloadBuffer(data, opts)
	case "image/webp":
		opts := vips.DefaultWebploadBufferOptions()
		opts.Access = access
		return vips.NewWebploadBuffer(data, opts)
	case "image/gif":
		opts := vips.DefaultGifloadBufferOptions()
		opts.Access = access
		return vips.NewGifloadBuffer(data, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
