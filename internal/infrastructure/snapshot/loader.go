package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/lexical/bm25"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/vector/flat"
)

// VectorFactory builds the vector backend for a snapshot.
type VectorFactory func(ctx context.Context, info domain.SnapshotInfo, chunks []domain.EmbeddedChunk) (VectorIndex, error)

// FlatVectors serves vectors from memory.
func FlatVectors(embedder flat.QueryEmbedder) VectorFactory {
	return func(_ context.Context, _ domain.SnapshotInfo, chunks []domain.EmbeddedChunk) (VectorIndex, error) {
		ix, err := flat.New(embedder, chunks)
		if err != nil {
			return nil, err
		}
		return ix, nil
	}
}

// Loader reads published snapshots from the repository and builds their
// in-memory indexes.
type Loader struct {
	repo    ports.SnapshotRepository
	vectors VectorFactory
	bm25    []bm25.Option
	logger  *slog.Logger
}

func NewLoader(repo ports.SnapshotRepository, vectors VectorFactory, logger *slog.Logger, opts ...bm25.Option) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{repo: repo, vectors: vectors, bm25: opts, logger: logger}
}

// Load builds the snapshot with the given version, or the latest published
// one when version is empty. Unpublished snapshots are rejected.
func (l *Loader) Load(ctx context.Context, version string) (*Snapshot, error) {
	info, err := l.resolve(ctx, version)
	if err != nil {
		return nil, err
	}

	embedded, err := l.repo.LoadChunks(ctx, info.Version)
	if err != nil {
		return nil, fmt.Errorf("load chunks of %s: %w", info.Version, err)
	}

	chunks := make([]domain.Chunk, len(embedded))
	docs := make([]bm25.Document, len(embedded))
	for i, c := range embedded {
		chunks[i] = c.Chunk
		docs[i] = bm25.Document{ID: c.Chunk.ID, Text: c.Chunk.Text}
	}

	vector, err := l.vectors(ctx, *info, embedded)
	if err != nil {
		return nil, fmt.Errorf("build vector index for %s: %w", info.Version, err)
	}
	snap, err := New(*info, chunks, vector, bm25.New(docs, l.bm25...))
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexInconsistent, "build snapshot", err)
	}

	l.logger.Info("index snapshot loaded",
		slog.String("version", info.Version),
		slog.Int("chunks", len(chunks)),
	)
	return snap, nil
}

func (l *Loader) resolve(ctx context.Context, version string) (*domain.SnapshotInfo, error) {
	if version == "" {
		info, err := l.repo.LatestPublished(ctx)
		if err != nil {
			return nil, fmt.Errorf("find latest snapshot: %w", err)
		}
		return info, nil
	}

	info, err := l.repo.GetSnapshot(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("find snapshot %s: %w", version, err)
	}
	if info.PublishedAt == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "load snapshot", errors.New("snapshot "+version+" is not published"))
	}
	return info, nil
}
