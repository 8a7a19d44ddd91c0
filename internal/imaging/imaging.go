// Package imaging holds the pixel-level operations the pipeline needs:
// base64 decode, JPEG re-encode, face-patch cropping and verdict
// annotation. Frames are carried as image.Image between stages inside
// one process and never cross a queue.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/sentinelvision/sentinel/internal/types"
)

// jpegQuality applies to every re-encode; stored frames and annotated
// snapshots are always JPEG regardless of what the client sent.
const jpegQuality = 90

// DecodeBase64 decodes a base64 payload (raw or data-URI prefixed)
// into pixels. JPEG and PNG are accepted.
func DecodeBase64(b64 string) (image.Image, error) {
	if i := strings.IndexByte(b64, ','); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return Decode(raw)
}

// Decode parses encoded image bytes (JPEG or PNG).
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// EncodeJPEG renders pixels as JPEG bytes.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeBase64JPEG renders pixels as a base64 JPEG string, the form
// annotated snapshots travel in on the saved-actions queue.
func EncodeBase64JPEG(img image.Image) (string, error) {
	data, err := EncodeJPEG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// SquareCrop extracts a square patch centered on box, sized to its
// longer edge. Pixels falling outside the frame are filled by
// reflecting at the frame edges so patches near borders keep natural
// texture instead of black bars.
func SquareCrop(img image.Image, box types.BBox) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}

	side := box.Width()
	if box.Height() > side {
		side = box.Height()
	}
	if side < 1 {
		side = 1
	}
	cx := box.X1 + box.Width()/2
	cy := box.Y1 + box.Height()/2
	x0 := cx - side/2
	y0 := cy - side/2

	out := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		sy := reflectIndex(y0+y, h)
		for x := 0; x < side; x++ {
			sx := reflectIndex(x0+x, w)
			out.Set(x, y, img.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return out
}

// CenterCrop extracts the central square covering frac of the shorter
// image edge. Used as the enrolment fallback when detection fails.
func CenterCrop(img image.Image, frac float64) image.Image {
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	b := img.Bounds()
	short := b.Dx()
	if b.Dy() < short {
		short = b.Dy()
	}
	side := int(float64(short) * frac)
	if side < 1 {
		side = 1
	}
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2

	out := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(out, out.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return out
}

// reflectIndex maps i into [0,n) by reflecting at both edges.
func reflectIndex(i, n int) int {
	if n <= 1 {
		return 0
	}
	period := 2 * (n - 1)
	i = ((i % period) + period) % period
	if i >= n {
		i = period - i
	}
	return i
}

// Annotation colors for saved-action snapshots.
var (
	FaceBoxColor  = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	PhoneBoxColor = color.RGBA{R: 220, G: 0, B: 0, A: 255}
)

// Annotate returns a copy of img with box stroked in c, three pixels
// thick, clamped to the frame.
func Annotate(img image.Image, box types.BBox, c color.Color) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	const thickness = 3
	for t := 0; t < thickness; t++ {
		drawRect(out, box.X1-t, box.Y1-t, box.X2+t, box.Y2+t, c)
	}
	return out
}

func drawRect(img *image.RGBA, x1, y1, x2, y2 int, c color.Color) {
	b := img.Bounds()
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	cx1 := clamp(x1, b.Min.X, b.Max.X-1)
	cy1 := clamp(y1, b.Min.Y, b.Max.Y-1)
	cx2 := clamp(x2, b.Min.X, b.Max.X-1)
	cy2 := clamp(y2, b.Min.Y, b.Max.Y-1)

	for x := cx1; x <= cx2; x++ {
		img.Set(x, cy1, c)
		img.Set(x, cy2, c)
	}
	for y := cy1; y <= cy2; y++ {
		img.Set(cx1, y, c)
		img.Set(cx2, y, c)
	}
}
