// Package media sanitizes captured attachments and stores them by content address.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	"vigil/internal/store"
)

// ErrUnsupportedImage is returned for bytes that do not decode as JPEG, PNG or GIF.
var ErrUnsupportedImage = errors.New("unsupported image")

// Sanitizer re-encodes images. Re-encoding drops every metadata block (EXIF,
// XMP, comments) because only pixels survive the decode.
type Sanitizer struct {
	MaxDimension int
	JPEGQuality  int
}

func NewSanitizer(maxDimension int) Sanitizer {
	return Sanitizer{MaxDimension: maxDimension, JPEGQuality: 85}
}

// Result is sanitized content ready for storage.
type Result struct {
	Data        []byte
	ContentType string
}

// Process sanitizes images and passes video and audio through unmodified.
func (s Sanitizer) Process(kind store.MediaKind, raw []byte, contentType string) (Result, error) {
	switch kind {
	case store.MediaImage:
		return s.Image(raw)
	case store.MediaVideo, store.MediaAudio:
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return Result{Data: raw, ContentType: contentType}, nil
	default:
		return Result{}, fmt.Errorf("unsupported media kind %q", kind)
	}
}

// Image decodes raw, bounds its longest side to MaxDimension and re-encodes it.
// GIF input is re-encoded as PNG.
func (s Sanitizer) Image(raw []byte) (Result, error) {
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	img := s.bound(src)

	var out bytes.Buffer
	switch format {
	case "jpeg":
		quality := s.JPEGQuality
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
			return Result{}, fmt.Errorf("encode jpeg: %w", err)
		}
		return Result{Data: out.Bytes(), ContentType: "image/jpeg"}, nil
	case "png", "gif":
		if err := png.Encode(&out, img); err != nil {
			return Result{}, fmt.Errorf("encode png: %w", err)
		}
		return Result{Data: out.Bytes(), ContentType: "image/png"}, nil
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, format)
	}
}

func (s Sanitizer) bound(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if s.MaxDimension <= 0 || longest <= s.MaxDimension {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	nw := max(1, w*s.MaxDimension/longest)
	nh := max(1, h*s.MaxDimension/longest)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
