// Package attach validates and normalizes comment file attachments.
//
// Text files are accepted up to 100 KiB. Images (.jpg/.jpeg/.png/.gif) are
// accepted up to 5 MiB and downscaled to fit within 320x240 while keeping
// their aspect ratio; images already within bounds pass through unchanged.
// Any other extension is rejected.
package attach

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
)

const (
	MaxTextBytes  = 100 * 1024
	MaxImageBytes = 5 * 1024 * 1024
	MaxWidth      = 320
	MaxHeight     = 240
)

const (
	KindImage = "image"
	KindFile  = "file"
)

var (
	ErrTooLarge          = errors.New("file too large")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrInvalidImage      = errors.New("invalid image file")
)

// Processed is the canonical stored form of one attachment.
type Processed struct {
	Name        string
	Data        []byte
	MediaKind   string
	ContentType string
}

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// Process validates a single file and returns its stored representation.
// Files are independent: a failure here never taints sibling files, the
// caller decides whether to abort the whole operation.
func Process(name string, data []byte) (Processed, error) {
	ext := strings.ToLower(filepath.Ext(name))

	if ext == ".txt" {
		if len(data) > MaxTextBytes {
			return Processed{}, fmt.Errorf("file %s: max TXT file size is 100KB: %w", name, ErrTooLarge)
		}
		return Processed{Name: name, Data: data, MediaKind: KindFile, ContentType: "text/plain"}, nil
	}

	contentType, ok := imageExtensions[ext]
	if !ok {
		return Processed{}, fmt.Errorf("file %s: only TXT, JPG, PNG, GIF allowed: %w", name, ErrUnsupportedFormat)
	}
	if len(data) > MaxImageBytes {
		return Processed{}, fmt.Errorf("file %s: max JPG, PNG, GIF file size is 5MB: %w", name, ErrTooLarge)
	}

	normalized, err := normalizeImage(name, ext, data)
	if err != nil {
		return Processed{}, err
	}
	return Processed{Name: name, Data: normalized, MediaKind: KindImage, ContentType: contentType}, nil
}

// normalizeImage decodes, downscales when the image exceeds 320x240 and
// re-encodes in the source format. Within-bounds images are returned
// byte-identical.
func normalizeImage(name, ext string, data []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", name, ErrInvalidImage)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= MaxWidth && height <= MaxHeight {
		return data, nil
	}

	scaledW, scaledH := fit(width, height)
	dst := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	if format == "" {
		// fall back to the extension, normalizing the JPG tag
		format = strings.TrimPrefix(ext, ".")
		if format == "jpg" {
			format = "jpeg"
		}
	}

	var out bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&out, dst, nil)
	case "png":
		err = png.Encode(&out, dst)
	case "gif":
		err = gif.Encode(&out, dst, nil)
	default:
		return nil, fmt.Errorf("file %s: only TXT, JPG, PNG, GIF allowed: %w", name, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("file %s: re-encode %s: %w", name, format, err)
	}
	return out.Bytes(), nil
}

// fit returns the largest dimensions within MaxWidth x MaxHeight that keep
// the source aspect ratio.
func fit(width, height int) (int, int) {
	ratioW := float64(MaxWidth) / float64(width)
	ratioH := float64(MaxHeight) / float64(height)
	ratio := ratioW
	if ratioH < ratio {
		ratio = ratioH
	}
	scaledW := int(float64(width) * ratio)
	scaledH := int(float64(height) * ratio)
	if scaledW < 1 {
		scaledW = 1
	}
	if scaledH < 1 {
		scaledH = 1
	}
	return scaledW, scaledH
}
