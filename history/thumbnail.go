package history

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"
	"strings"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
)

const (
	// ThumbnailSize is the longest side of a stored thumbnail, in pixels.
	ThumbnailSize = 160
	// MaxThumbnailChars caps the thumbnail when the source cannot be decoded.
	MaxThumbnailChars = 20000

	thumbnailQuality = 70
)

// Thumbnail reduces an encoded image to a small JPEG and returns its base64
// payload without a data URI prefix. Undecodable input is stripped and
// truncated instead.
func Thumbnail(encoded string) string {
	payload := stripDataURI(encoded)
	if payload == "" {
		return ""
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return truncate(payload, MaxThumbnailChars)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return truncate(payload, MaxThumbnailChars)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaleDown(src, ThumbnailSize), &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return truncate(payload, MaxThumbnailChars)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// scaleDown fits src into a size x size box, keeping its aspect ratio.
// Images already inside the box are returned unchanged.
func scaleDown(src image.Image, size int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= size && h <= size {
		return src
	}

	dw, dh := size, size
	if w > h {
		dh = max(h*size/w, 1)
	} else {
		dw = max(w*size/h, 1)
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func stripDataURI(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}
