// Package imaging prepares uploaded images for the vision model.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"

	xdraw "golang.org/x/image/draw"
)

// ErrUnsupported is returned for uploads that are not PNG, JPEG or GIF.
var ErrUnsupported = errors.New("unsupported image type")

const (
	startDim     = 1024
	minDim       = 256
	startQuality = 85
	minQuality   = 60
	qualityStep  = 10
)

// Sniff returns the MIME type of data if it is an accepted image format.
func Sniff(data []byte) (string, error) {
	switch ct := http.DetectContentType(data); ct {
	case "image/png", "image/jpeg", "image/gif":
		return ct, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, ct)
	}
}

// Compress re-encodes data as JPEG no larger than maxKB kilobytes. Quality
// steps down from 85 to 60 first, then the longest side shrinks by a fifth
// from 1024px, never below 256px. If nothing fits, the smallest attempt is
// returned.
func Compress(data []byte, maxKB int) ([]byte, error) {
	if _, err := Sniff(data); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	flat := flatten(src)
	limit := maxKB * 1024

	var out []byte
	for dim, quality := startDim, startQuality; dim >= minDim; {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, thumbnail(flat, dim), &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		out = buf.Bytes()
		if limit <= 0 || len(out) <= limit {
			return out, nil
		}
		if quality > minQuality {
			quality -= qualityStep
		} else {
			dim = dim * 4 / 5
			quality = startQuality
		}
	}
	return out, nil
}

// flatten draws src over an opaque white canvas.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// thumbnail scales img so its longest side is at most maxDim, keeping the
// aspect ratio. Smaller images are returned unchanged.
func thumbnail(img *image.RGBA, maxDim int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	nw, nh := maxDim, maxDim
	if w >= h {
		nh = max(1, h*maxDim/w)
	} else {
		nw = max(1, w*maxDim/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}
