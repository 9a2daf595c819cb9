package images

import (
	"bytes"
	"fmt"
	"image/png"
	"io"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/sikesa/sikesa-backend/internal/config"
)

// Processor decodes, downsizes and re-encodes uploaded images
type Processor struct {
	maxWidth       int
	jpegQuality    int
	pngCompression png.CompressionLevel
}

// Processed is an encoded image ready for storage
type Processed struct {
	Data   []byte
	Width  int
	Height int
}

// ParsePNGCompression maps a config value to a png.CompressionLevel
func ParsePNGCompression(s string) (png.CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "best":
		return png.BestCompression, nil
	case "default":
		return png.DefaultCompression, nil
	case "fast":
		return png.BestSpeed, nil
	case "none":
		return png.NoCompression, nil
	default:
		return 0, fmt.Errorf("unknown png compression %q", s)
	}
}

// NewProcessor builds a Processor from the images config section
func NewProcessor(cfg *config.ImagesConfig) (*Processor, error) {
	level, err := ParsePNGCompression(cfg.PNGCompression)
	if err != nil {
		return nil, err
	}
	if cfg.MaxWidth <= 0 {
		return nil, fmt.Errorf("max width must be positive, got %d", cfg.MaxWidth)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", cfg.JPEGQuality)
	}
	return &Processor{
		maxWidth:       cfg.MaxWidth,
		jpegQuality:    cfg.JPEGQuality,
		pngCompression: level,
	}, nil
}

// Process reads an image from r and re-encodes it in the format named by ext
// (".jpg", ".png", ...). Images wider than the max width are scaled down
// keeping their aspect ratio; smaller images keep their size. EXIF
// orientation is applied before resizing.
func (p *Processor) Process(r io.Reader, ext string) (*Processed, error) {
	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}

	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProcessing, err)
	}

	if img.Bounds().Dx() > p.maxWidth {
		img = imaging.Resize(img, p.maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	err = imaging.Encode(&buf, img, format,
		imaging.JPEGQuality(p.jpegQuality),
		imaging.PNGCompressionLevel(p.pngCompression),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrProcessing, format, err)
	}

	b := img.Bounds()
	return &Processed{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
