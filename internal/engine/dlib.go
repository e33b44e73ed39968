//go:build dlib

package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"

	face "github.com/Kagami/go-face"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
)

func init() {
	Register("dlib", func(cfg config.EngineConfig, log logrus.FieldLogger) (Engine, error) {
		return NewDlib(cfg.ModelsDir, log)
	})
}

// Dlib runs the dlib ResNet face model in process through go-face. The
// recognizer is not safe for concurrent use, so calls are serialized.
type Dlib struct {
	mu  sync.Mutex
	rec *face.Recognizer
	log logrus.FieldLogger
}

// NewDlib loads shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat and mmod_human_face_detector.dat
// from modelsDir.
func NewDlib(modelsDir string, log logrus.FieldLogger) (*Dlib, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load dlib models from %s: %w", modelsDir, err)
	}
	return &Dlib{rec: rec, log: log}, nil
}

func (d *Dlib) Locate(ctx context.Context, img *image.RGBA) ([]types.Region, error) {
	var buf bytes.Buffer
	data, err := encodeFrame(&buf, img)
	if err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", types.ErrDetection, err)
	}

	d.mu.Lock()
	faces, err := d.rec.Recognize(data)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDetection, err)
	}

	regions := make([]types.Region, 0, len(faces))
	for _, f := range faces {
		regions = append(regions, f.Rectangle.Intersect(img.Bounds()))
	}
	return regions, nil
}

// Embed crops each region with a margin and describes the single face in it.
// A crop that holds no face, or several, leaves that region's entry nil.
func (d *Dlib) Embed(ctx context.Context, img *image.RGBA, regions []types.Region) ([]types.Embedding, error) {
	out := make([]types.Embedding, 0, len(regions))
	for i, r := range regions {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrEmbedding, err)
		}
		pad := r.Dx() / 4
		crop := img.SubImage(r.Inset(-pad).Intersect(img.Bounds()))

		var buf bytes.Buffer
		data, err := encodeFrame(&buf, crop)
		if err != nil {
			return nil, fmt.Errorf("%w: encode region %d: %v", types.ErrEmbedding, i, err)
		}

		d.mu.Lock()
		f, err := d.rec.RecognizeSingle(data)
		d.mu.Unlock()
		if err != nil || f == nil {
			entry := d.log.WithFields(logrus.Fields{"region": i, "box": r.String()})
			if err != nil {
				entry = entry.WithError(err)
			}
			entry.Warn("region could not be embedded, skipping")
			out = append(out, nil)
			continue
		}

		vec := make(types.Embedding, len(f.Descriptor))
		for j, v := range f.Descriptor {
			vec[j] = float64(v)
		}
		out = append(out, vec)
	}
	return out, nil
}

func (d *Dlib) Close() error {
	d.rec.Close()
	return nil
}
