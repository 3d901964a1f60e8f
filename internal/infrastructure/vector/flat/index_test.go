package flat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

type embedderStub struct {
	vector []float32
	err    error
}

func (s embedderStub) EmbedQuery(context.Context, string) ([]float32, error) {
	return s.vector, s.err
}

func embedded(id domain.ChunkID, v ...float32) domain.EmbeddedChunk {
	return domain.EmbeddedChunk{Chunk: domain.Chunk{ID: id}, Vector: v}
}

func TestSearchOrdersByCosine(t *testing.T) {
	ix, err := New(embedderStub{vector: []float32{1, 0}}, []domain.EmbeddedChunk{
		embedded(1, 0, 1),
		embedded(2, 3, 0),
		embedded(3, 1, 1),
		embedded(4, -1, 0),
	})
	require.NoError(t, err)

	got, err := ix.Search(context.Background(), "q", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.ChunkID(2), got[0].ChunkID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.Equal(t, domain.ChunkID(3), got[1].ChunkID)
	assert.InDelta(t, 0.7071, got[1].Score, 1e-3)
	assert.Equal(t, domain.ChunkID(1), got[2].ChunkID)
}

func TestSearchTiesBrokenByID(t *testing.T) {
	ix, err := New(embedderStub{vector: []float32{1, 0}}, []domain.EmbeddedChunk{
		embedded(8, 2, 0),
		embedded(3, 5, 0),
	})
	require.NoError(t, err)

	got, err := ix.Search(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.ChunkID{3, 8}, []domain.ChunkID{got[0].ChunkID, got[1].ChunkID})
}

func TestSearchEmptyIndex(t *testing.T) {
	ix, err := New(embedderStub{vector: []float32{1}}, nil)
	require.NoError(t, err)

	got, err := ix.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchUnavailable(t *testing.T) {
	var ix *Index
	_, err := ix.Search(context.Background(), "q", 5)
	assert.True(t, domain.IsKind(err, domain.ErrIndexUnavailable))
}

func TestSearchPropagatesEmbedderError(t *testing.T) {
	ix, err := New(embedderStub{err: domain.WrapError(domain.ErrTemporary, "embed", errors.New("down"))}, []domain.EmbeddedChunk{embedded(1, 1)})
	require.NoError(t, err)

	_, err = ix.Search(context.Background(), "q", 5)
	assert.True(t, domain.IsKind(err, domain.ErrTemporary))
}

func TestSearchDimensionMismatch(t *testing.T) {
	ix, err := New(embedderStub{vector: []float32{1, 0, 0}}, []domain.EmbeddedChunk{embedded(1, 1, 0)})
	require.NoError(t, err)

	_, err = ix.Search(context.Background(), "q", 5)
	assert.True(t, domain.IsKind(err, domain.ErrIndexUnavailable))
}

func TestNewRejectsMixedDimensions(t *testing.T) {
	_, err := New(embedderStub{}, []domain.EmbeddedChunk{embedded(1, 1, 0), embedded(2, 1)})
	assert.Error(t, err)
}
