package flat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

// QueryEmbedder turns query text into a dense vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Index is an exhaustive cosine-similarity index over L2-normalized vectors.
// It is immutable after New.
type Index struct {
	embedder QueryEmbedder
	ids      []domain.ChunkID
	vectors  [][]float32
	dim      int
}

func New(embedder QueryEmbedder, chunks []domain.EmbeddedChunk) (*Index, error) {
	ix := &Index{
		embedder: embedder,
		ids:      make([]domain.ChunkID, 0, len(chunks)),
		vectors:  make([][]float32, 0, len(chunks)),
	}
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			return nil, fmt.Errorf("chunk %d has no vector", c.Chunk.ID)
		}
		if ix.dim == 0 {
			ix.dim = len(c.Vector)
		}
		if len(c.Vector) != ix.dim {
			return nil, fmt.Errorf("chunk %d vector size %d, expected %d", c.Chunk.ID, len(c.Vector), ix.dim)
		}
		ix.ids = append(ix.ids, c.Chunk.ID)
		ix.vectors = append(ix.vectors, normalize(c.Vector))
	}
	return ix, nil
}

func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.ids)
}

func (ix *Index) Dimension() int {
	if ix == nil {
		return 0
	}
	return ix.dim
}

// Search embeds the query and returns the k most similar chunks. Scores are
// cosine similarities in [-1,1]; ties are broken by chunk id.
func (ix *Index) Search(ctx context.Context, queryText string, k int) ([]domain.Candidate, error) {
	if ix == nil || ix.embedder == nil {
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "vector search", errors.New("index not loaded"))
	}
	if k <= 0 || len(ix.ids) == 0 {
		return []domain.Candidate{}, nil
	}

	query, err := ix.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(query) != ix.dim {
		return nil, domain.WrapError(
			domain.ErrIndexUnavailable,
			"vector search",
			fmt.Errorf("query vector size %d, index expects %d", len(query), ix.dim),
		)
	}
	query = normalize(query)

	out := make([]domain.Candidate, len(ix.ids))
	for i, vec := range ix.vectors {
		out[i] = domain.Candidate{ChunkID: ix.ids[i], Score: dot(query, vec)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	if sum > 1 {
		return 1
	}
	if sum < -1 {
		return -1
	}
	return sum
}
