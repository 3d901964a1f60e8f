package ports

import (
	"context"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

// QueryService is the inbound contract for question answering.
type QueryService interface {
	Answer(ctx context.Context, question string, mode domain.Mode, k int) (*domain.AnswerResponse, error)
}

// IndexBuilder is the inbound contract for the offline index build.
type IndexBuilder interface {
	Build(ctx context.Context) (*domain.SnapshotInfo, error)
	Publish(ctx context.Context, version string) (*domain.SnapshotInfo, error)
}
