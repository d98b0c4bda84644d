// Package annotate burns detection boxes into frame JPEGs and produces
// the thumbnails shown in the review UI.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"

	"github.com/fieldscan/fieldscan/internal/models"
)

// outline is the box color reviewers expect on boxed frames.
var outline = color.RGBA{R: 0, G: 0, B: 255, A: 255}

const (
	borderWidth  = 5
	frameQuality = 90
	thumbQuality = 80
)

// DrawBoxes returns a copy of the frame with the boxes burned in. Boxes
// are clamped to the frame; a box entirely outside draws nothing.
func DrawBoxes(frame []byte, boxes []models.BoundingBox) ([]byte, error) {
	if len(boxes) == 0 {
		return frame, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	bounds := img.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, img, bounds.Min, draw.Src)

	for _, b := range boxes {
		drawBox(canvas, b)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: frameQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBox(canvas *image.RGBA, b models.BoundingBox) {
	x0, y0 := b.X, b.Y
	x1, y1 := b.X+b.Width, b.Y+b.Height
	fillRect(canvas, x0, y0, x1, y0+borderWidth)
	fillRect(canvas, x0, y1-borderWidth, x1, y1)
	fillRect(canvas, x0, y0, x0+borderWidth, y1)
	fillRect(canvas, x1-borderWidth, y0, x1, y1)
}

func fillRect(canvas *image.RGBA, x0, y0, x1, y1 int) {
	bounds := canvas.Bounds()
	if x0 < bounds.Min.X {
		x0 = bounds.Min.X
	}
	if y0 < bounds.Min.Y {
		y0 = bounds.Min.Y
	}
	if x1 > bounds.Max.X {
		x1 = bounds.Max.X
	}
	if y1 > bounds.Max.Y {
		y1 = bounds.Max.Y
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			canvas.Set(x, y, outline)
		}
	}
}

// Thumbnail scales a frame down to maxWidth, preserving aspect ratio.
// Frames already narrow enough pass through untouched.
func Thumbnail(frame []byte, maxWidth int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxWidth {
		return frame, nil
	}
	height := bounds.Dy() * maxWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
