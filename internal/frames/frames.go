package frames

import (
	"context"
	"image"
	"time"

	"golang.org/x/image/draw"
)

// Frame is one normalized still image ready for the face locator.
type Frame struct {
	Index int // 1-based position in the original stream
	Image *image.RGBA
}

// Source is a lazy sequence of frames. Next returns io.EOF once the sequence
// is exhausted. Close must be called on every exit path.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Opener acquires a Source. Decode and open failures are reported here,
// before any frame is produced.
type Opener func(ctx context.Context) (Source, error)

// BudgetReporter is implemented by sources that may stop early on a time budget.
type BudgetReporter interface {
	Exceeded() bool
}

// Clock returns the current time. Tests replace it to simulate elapsed time.
type Clock func() time.Time

// Fit downscales img so that it fits within maxW x maxH, preserving the aspect
// ratio. A zero bound is unconstrained. Images already inside the bounds are
// returned untouched, converted to RGBA.
func Fit(img image.Image, maxW, maxH int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale == 1.0 {
		return toRGBA(img)
	}

	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// toRGBA converts any decoded layout (YCbCr, paletted, NRGBA...) into the
// zero-origin RGBA layout the engines consume.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
