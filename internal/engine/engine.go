package engine

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Locator finds candidate face regions in one frame. No faces is an empty
// slice, not an error.
type Locator interface {
	Locate(ctx context.Context, img *image.RGBA) ([]types.Region, error)
}

// Embedder computes one embedding per region, in region order. A region the
// model cannot describe gets a nil entry; an error fails the whole batch.
type Embedder interface {
	Embed(ctx context.Context, img *image.RGBA, regions []types.Region) ([]types.Embedding, error)
}

// Engine is a face model backend. It is safe for concurrent use.
type Engine interface {
	Locator
	Embedder
	Close() error
}

// Factory builds an engine from its configuration.
type Factory func(cfg config.EngineConfig, log logrus.FieldLogger) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available to New under kind.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// Kinds lists the backends compiled into this binary.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New starts the backend selected by cfg.Kind.
func New(cfg config.EngineConfig, log logrus.FieldLogger) (Engine, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (available: %v)", cfg.Kind, Kinds())
	}
	return f(cfg, log)
}

// Split pairs a locator from one backend with the embedder of another.
type Split struct {
	Locator  Locator
	Embedder Embedder
	closers  []func() error
}

func (s *Split) Locate(ctx context.Context, img *image.RGBA) ([]types.Region, error) {
	return s.Locator.Locate(ctx, img)
}

func (s *Split) Embed(ctx context.Context, img *image.RGBA, regions []types.Region) ([]types.Embedding, error) {
	return s.Embedder.Embed(ctx, img, regions)
}

func (s *Split) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Analyze locates every face in img and embeds them in one batch. A count
// mismatch between regions and embeddings is reported as ErrEmbedding. Faces
// whose embedding is nil are kept so they still count as detected; they never
// match.
func Analyze(ctx context.Context, e Engine, img *image.RGBA) ([]types.DetectedFace, error) {
	regions, err := e.Locate(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, nil
	}
	vecs, err := e.Embed(ctx, img, regions)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(regions) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d regions", types.ErrEmbedding, len(vecs), len(regions))
	}
	faces := make([]types.DetectedFace, len(regions))
	for i := range regions {
		faces[i] = types.DetectedFace{Region: regions[i], Embedding: vecs[i]}
	}
	return faces, nil
}

// FirstFace returns the embedding of the first face found in a profile photo,
// or ok=false when the photo holds no face.
func FirstFace(ctx context.Context, e Engine, img *image.RGBA) (vec types.Embedding, ok bool, err error) {
	regions, err := e.Locate(ctx, img)
	if err != nil {
		return nil, false, err
	}
	if len(regions) == 0 {
		return nil, false, nil
	}
	vecs, err := e.Embed(ctx, img, regions[:1])
	if err != nil {
		return nil, false, err
	}
	if len(vecs) != 1 {
		return nil, false, fmt.Errorf("%w: got %d embeddings for 1 region", types.ErrEmbedding, len(vecs))
	}
	if len(vecs[0]) == 0 {
		return nil, false, nil
	}
	return vecs[0], true, nil
}
