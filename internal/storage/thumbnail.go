package storage

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

// ThumbnailWidth is the width of generated previews; height keeps the aspect ratio.
const ThumbnailWidth = 320

// Thumbnail decodes an image and returns a JPEG preview.
func Thumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if img.Bounds().Dx() > ThumbnailWidth {
		img = imaging.Resize(img, ThumbnailWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// ThumbnailKey derives the preview key for an original object key.
func ThumbnailKey(key string) string {
	if i := strings.LastIndex(key, "."); i > strings.LastIndex(key, "/") {
		key = key[:i]
	}
	return key + "_thumb.jpg"
}

// CanThumbnail reports whether contentType is a raster format imaging decodes.
func CanThumbnail(contentType string) bool {
	switch contentType {
	case "image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff":
		return true
	}
	return false
}
