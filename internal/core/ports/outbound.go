package ports

import (
	"context"
	"io"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SourceCatalog lists the documents of the corpus.
type SourceCatalog interface {
	Sources(ctx context.Context) ([]domain.SourceDocument, error)
}

// ObjectStorage reads source documents.
type ObjectStorage interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// TextExtractor extracts plain text from a source document.
type TextExtractor interface {
	Extract(ctx context.Context, doc domain.SourceDocument) (string, error)
}

// Chunker splits text into passages.
type Chunker interface {
	Split(text string) []string
}

// SnapshotRepository persists built index snapshots.
type SnapshotRepository interface {
	SaveSnapshot(ctx context.Context, info domain.SnapshotInfo, chunks []domain.EmbeddedChunk) error
	MarkPublished(ctx context.Context, version string) error
	LatestPublished(ctx context.Context) (*domain.SnapshotInfo, error)
	GetSnapshot(ctx context.Context, version string) (*domain.SnapshotInfo, error)
	LoadChunks(ctx context.Context, version string) ([]domain.EmbeddedChunk, error)
}

// VectorWriter mirrors snapshot vectors into an external vector database.
type VectorWriter interface {
	IndexChunks(ctx context.Context, collection string, chunks []domain.EmbeddedChunk) error
}

// SnapshotEvents announces and consumes snapshot publication.
// SubscribeSnapshotReady returns once the subscription is live and removes it
// when ctx is done.
type SnapshotEvents interface {
	PublishSnapshotReady(ctx context.Context, version string) error
	SubscribeSnapshotReady(ctx context.Context, handler func(context.Context, string) error) error
}
