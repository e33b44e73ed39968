package embedding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Loader lists every enrolled identity whose embedding payload is not null,
// ordered by identity ID.
type Loader interface {
	ListEnrolled(ctx context.Context) ([]types.EnrolledEmbedding, error)
}

// Store is an immutable snapshot of the known embeddings. embeddings[i]
// belongs to identities[i].
type Store struct {
	embeddings []types.Embedding
	identities []types.Identity
	dim        int
}

func (s *Store) Len() int { return len(s.embeddings) }

func (s *Store) At(i int) (types.Embedding, types.Identity) {
	return s.embeddings[i], s.identities[i]
}

// Dim is the shared dimensionality of every stored embedding (0 when empty).
func (s *Store) Dim() int { return s.dim }

// Identities returns a copy of the identity column.
func (s *Store) Identities() []types.Identity {
	out := make([]types.Identity, len(s.identities))
	copy(out, s.identities)
	return out
}

// Load materializes a Store. A payload that fails to decode, is empty, or has
// a dimension other than dim is skipped with a warning. dim 0 adopts the
// dimension of the first valid payload.
func Load(ctx context.Context, loader Loader, dim int, log logrus.FieldLogger) (*Store, error) {
	rows, err := loader.ListEnrolled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enrolled embeddings: %w", err)
	}

	s := &Store{dim: dim}
	for _, row := range rows {
		vec, err := Decode(row.Payload)
		if err != nil {
			log.WithError(err).WithField("student_id", row.Identity.StudentID).
				Warn("skipping unreadable stored embedding")
			continue
		}
		if s.dim == 0 {
			s.dim = len(vec)
		}
		if len(vec) != s.dim {
			log.WithFields(logrus.Fields{
				"student_id": row.Identity.StudentID,
				"got":        len(vec),
				"want":       s.dim,
			}).Warn("skipping stored embedding with wrong dimension")
			continue
		}
		s.embeddings = append(s.embeddings, vec)
		s.identities = append(s.identities, row.Identity)
	}
	if len(s.embeddings) == 0 {
		s.dim = 0
	}
	return s, nil
}

// Decode parses the stored JSON array form of an embedding.
func Decode(payload []byte) (types.Embedding, error) {
	var vec []float64
	if err := json.Unmarshal(payload, &vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("decode embedding: empty vector")
	}
	return types.Embedding(vec), nil
}

// Encode produces the JSON array form written at enrollment.
func Encode(vec types.Embedding) ([]byte, error) {
	return json.Marshal([]float64(vec))
}
