// Package imaging validates captured snapshot payloads and produces
// bounded thumbnails for storage.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	// Decoders for the formats real cameras emit.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
)

// ErrInvalidImage is returned when the payload does not decode. Upstream
// treats this the same as an unreachable device: a camera returning
// garbage is not meaningfully online.
var ErrInvalidImage = errors.New("imaging: payload is not a decodable image")

// DefaultBound is the thumbnail bounding box edge in pixels.
const DefaultBound = 300

// jpegQuality for thumbnail encoding.
const jpegQuality = 85

// Processed is the result of validating and thumbnailing one snapshot.
type Processed struct {
	// Original is the untouched payload, passed through for archival.
	Original []byte
	// Thumbnail is a JPEG bounded to the requested box, aspect preserved.
	Thumbnail []byte
	// Format is the detected source format ("jpeg", "png", "gif").
	Format string
	// Width and Height are the source dimensions.
	Width  int
	Height int
	// ThumbWidth and ThumbHeight are the thumbnail dimensions.
	ThumbWidth  int
	ThumbHeight int
}

// Process validates raw as an image and produces a DefaultBound thumbnail.
func Process(raw []byte) (*Processed, error) {
	return ProcessBound(raw, DefaultBound)
}

// ProcessBound is Process with an explicit bounding box edge.
// Images already within the box are re-encoded at original size — never
// upscaled.
func ProcessBound(raw []byte, bound int) (*Processed, error) {
	if bound <= 0 {
		bound = DefaultBound
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}

	tw, th := fit(w, h, bound)
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("imaging: encode thumbnail: %w", err)
	}

	return &Processed{
		Original:    raw,
		Thumbnail:   buf.Bytes(),
		Format:      format,
		Width:       w,
		Height:      h,
		ThumbWidth:  tw,
		ThumbHeight: th,
	}, nil
}

// fit computes the largest dimensions within bound×bound that preserve
// the w:h aspect ratio, without upscaling.
func fit(w, h, bound int) (int, int) {
	if w <= bound && h <= bound {
		return w, h
	}
	if w >= h {
		th := h * bound / w
		if th < 1 {
			th = 1
		}
		return bound, th
	}
	tw := w * bound / h
	if tw < 1 {
		tw = 1
	}
	return tw, bound
}
