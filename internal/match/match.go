package match

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/andresmejia3/rollcall/internal/types"
)

// DefaultThreshold is the Euclidean distance cut-off for the 128-d
// face_recognition embeddings. Lower is stricter.
const DefaultThreshold = 0.5

// Gallery is the read side of an embedding store: a positional collection of
// embeddings with a parallel collection of identities.
type Gallery interface {
	Len() int
	At(i int) (types.Embedding, types.Identity)
}

// Matcher picks the nearest stored embedding and accepts it only when the
// distance is strictly below Threshold.
type Matcher struct {
	Threshold float64
}

func New(threshold float64) Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Match returns the closest identity, its distance and whether it was accepted.
// Equidistant candidates resolve to the smallest index. An empty gallery or a
// probe of the wrong dimension never matches.
func (m Matcher) Match(probe types.Embedding, g Gallery) (types.Identity, float64, bool) {
	best, dist := Nearest(probe, g)
	if best < 0 || dist >= m.Threshold {
		return types.Identity{}, dist, false
	}
	_, id := g.At(best)
	return id, dist, true
}

// Nearest returns the index of the closest embedding and its distance, or -1
// if no stored embedding is comparable with the probe.
func Nearest(probe types.Embedding, g Gallery) (int, float64) {
	best := -1
	minDist := math.Inf(1)
	if len(probe) == 0 {
		return best, minDist
	}
	for i := 0; i < g.Len(); i++ {
		vec, _ := g.At(i)
		if len(vec) != len(probe) {
			continue
		}
		// Strict comparison keeps the first of several equal distances.
		if d := floats.Distance(probe, vec, 2); d < minDist {
			minDist = d
			best = i
		}
	}
	return best, minDist
}
