package qdrant

import (
	"context"
	"errors"
	"fmt"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// CollectionIndex serves vector search for one snapshot collection.
type CollectionIndex struct {
	client     *Client
	embedder   QueryEmbedder
	collection string
	size       int
}

func NewCollectionIndex(client *Client, embedder QueryEmbedder, collection string, size int) (*CollectionIndex, error) {
	if collection == "" {
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "qdrant index", errors.New("snapshot has no vector collection"))
	}
	return &CollectionIndex{client: client, embedder: embedder, collection: collection, size: size}, nil
}

func (ix *CollectionIndex) Len() int {
	return ix.size
}

func (ix *CollectionIndex) Search(ctx context.Context, queryText string, k int) ([]domain.Candidate, error) {
	if ix.size == 0 || k <= 0 {
		return []domain.Candidate{}, nil
	}
	vector, err := ix.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.client.SearchIDs(ctx, ix.collection, vector, k)
}
