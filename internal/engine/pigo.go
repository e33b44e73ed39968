package engine

import (
	"context"
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
)

func init() {
	Register("pigo", newPigoEngine)
}

// PigoLocator finds faces with a pigo pixel-intensity cascade, in process.
// It only locates; embeddings still come from the python workers.
type PigoLocator struct {
	classifier *pigo.Pigo

	MinSize     int
	MaxSize     int
	ShiftFactor float64
	ScaleFactor float64
	IoU         float64
	Quality     float32
}

// NewPigoLocator unpacks a facefinder cascade file.
func NewPigoLocator(cascade []byte) (*PigoLocator, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack pigo cascade: %w", err)
	}
	return &PigoLocator{
		classifier:  classifier,
		MinSize:     40,
		MaxSize:     1000,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		IoU:         0.2,
		Quality:     5.0,
	}, nil
}

func (l *PigoLocator) Locate(ctx context.Context, img *image.RGBA) ([]types.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDetection, err)
	}
	b := img.Bounds()
	params := pigo.CascadeParams{
		MinSize:     l.MinSize,
		MaxSize:     l.MaxSize,
		ShiftFactor: l.ShiftFactor,
		ScaleFactor: l.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(img),
			Rows:   b.Dy(),
			Cols:   b.Dx(),
			Dim:    b.Dx(),
		},
	}

	dets := l.classifier.RunCascade(params, 0.0)
	dets = l.classifier.ClusterDetections(dets, l.IoU)

	regions := make([]types.Region, 0, len(dets))
	for _, d := range dets {
		if d.Q < l.Quality {
			continue
		}
		half := d.Scale / 2
		r := image.Rect(d.Col-half, d.Row-half, d.Col+half, d.Row+half).Intersect(b)
		if r.Empty() {
			continue
		}
		regions = append(regions, r)
	}
	return regions, nil
}

func newPigoEngine(cfg config.EngineConfig, log logrus.FieldLogger) (Engine, error) {
	if cfg.PigoCascade == "" {
		return nil, fmt.Errorf("pigo engine needs engine.pigo_cascade")
	}
	cascade, err := os.ReadFile(cfg.PigoCascade)
	if err != nil {
		return nil, fmt.Errorf("read pigo cascade: %w", err)
	}
	locator, err := NewPigoLocator(cascade)
	if err != nil {
		return nil, err
	}
	workers, err := NewWorkerPool(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Split{Locator: locator, Embedder: workers, closers: []func() error{workers.Close}}, nil
}
