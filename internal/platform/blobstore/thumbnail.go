package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

// ThumbnailPrefix is the key prefix of generated thumbnails.
const ThumbnailPrefix = "thumbs/"

// Thumbnailer writes a downscaled JPEG preview next to uploaded images.
type Thumbnailer struct {
	store   Store
	maxSide int
}

func NewThumbnailer(store Store, maxSide int) *Thumbnailer {
	if maxSide <= 0 {
		maxSide = 320
	}
	return &Thumbnailer{store: store, maxSide: maxSide}
}

// ThumbnailKey returns the key of the preview for key.
func ThumbnailKey(key string) string {
	return ThumbnailPrefix + strings.TrimSuffix(key, "."+extOf(key)) + ".jpg"
}

func extOf(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 && !strings.Contains(key[i:], "/") {
		return key[i+1:]
	}
	return ""
}

// Generate decodes the image at key and stores a preview no larger than
// maxSide on either edge. EXIF orientation is applied.
func (t *Thumbnailer) Generate(ctx context.Context, key, createdBy string) (*ObjectMeta, error) {
	rc, meta, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open source image: %w", err)
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", meta.FileName, err)
	}

	b := img.Bounds()
	if b.Dx() > t.maxSide || b.Dy() > t.maxSide {
		img = imaging.Fit(img, t.maxSide, t.maxSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	return t.store.Put(ctx, ObjectMeta{
		Key:         ThumbnailKey(key),
		FileName:    "thumb-" + meta.FileName + ".jpg",
		ContentType: "image/jpeg",
		CreatedBy:   createdBy,
	}, &buf)
}
