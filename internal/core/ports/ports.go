package ports

import (
	"context"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

// ChunkStore resolves chunk ids to passages. Missing ids fail with domain.ErrChunkNotFound.
type ChunkStore interface {
	Get(ctx context.Context, id domain.ChunkID) (domain.Chunk, error)
}

// VectorIndex ranks chunks by dense similarity to the query text.
type VectorIndex interface {
	Search(ctx context.Context, queryText string, k int) ([]domain.Candidate, error)
}

// LexicalIndex ranks chunks by term relevance to the query text.
type LexicalIndex interface {
	Search(ctx context.Context, queryText string, k int) ([]domain.Candidate, error)
}

// Indexes is one consistent view of the published snapshot.
type Indexes struct {
	Version string
	Chunks  ChunkStore
	Vector  VectorIndex
	Lexical LexicalIndex
}

// IndexProvider hands out the currently published snapshot.
type IndexProvider interface {
	Acquire(ctx context.Context) (Indexes, error)
}
