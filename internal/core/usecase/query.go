package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
)

const (
	DefaultK          = 10
	DefaultCandidateK = 30
)

type QueryConfig struct {
	DefaultK   int
	CandidateK int
}

func (c QueryConfig) normalize() QueryConfig {
	if c.DefaultK <= 0 {
		c.DefaultK = DefaultK
	}
	if c.CandidateK <= 0 {
		c.CandidateK = DefaultCandidateK
	}
	return c
}

type QueryOption func(*QueryUseCase)

func WithQueryLogger(logger *slog.Logger) QueryOption {
	return func(uc *QueryUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

// QueryUseCase runs one request against one pinned index snapshot, in
// baseline (vector only) or reranked (hybrid) mode.
type QueryUseCase struct {
	indexes  ports.IndexProvider
	reranker *HybridReranker
	answers  *AnswerGenerator
	cfg      QueryConfig
	logger   *slog.Logger
}

func NewQueryUseCase(
	indexes ports.IndexProvider,
	reranker *HybridReranker,
	answers *AnswerGenerator,
	cfg QueryConfig,
	opts ...QueryOption,
) *QueryUseCase {
	uc := &QueryUseCase{
		indexes:  indexes,
		reranker: reranker,
		answers:  answers,
		cfg:      cfg.normalize(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *QueryUseCase) Answer(
	ctx context.Context,
	question string,
	mode domain.Mode,
	k int,
) (*domain.AnswerResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("question is required"))
	}
	if k <= 0 {
		k = uc.cfg.DefaultK
	}
	if mode == "" {
		mode = domain.ModeBaseline
	}
	if mode != domain.ModeBaseline && mode != domain.ModeReranked {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", fmt.Errorf("unknown mode %q", mode))
	}

	idx, err := uc.indexes.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire index snapshot: %w", err)
	}

	var (
		ranked       []domain.RankedResult
		chunks       map[domain.ChunkID]domain.Chunk
		rerankerUsed bool
	)
	switch mode {
	case domain.ModeReranked:
		vector, lexical, err := uc.searchHybrid(ctx, idx, question, uc.candidateK(k))
		if err != nil {
			return nil, err
		}
		chunks, err = resolveChunks(ctx, idx.Chunks, vector, lexical)
		if err != nil {
			return nil, err
		}
		ranked = uc.reranker.Rerank(vector, lexical, k)
		rerankerUsed = true
	default:
		vector, err := idx.Vector.Search(ctx, question, k)
		if err != nil {
			return nil, fmt.Errorf("search vector index: %w", err)
		}
		chunks, err = resolveChunks(ctx, idx.Chunks, vector)
		if err != nil {
			return nil, err
		}
		ranked = rankBaseline(vector, k)
	}

	attachChunks(ranked, chunks)
	resp := uc.answers.Generate(question, ranked, rerankerUsed)

	uc.logger.Debug("query answered",
		slog.String("mode", string(mode)),
		slog.String("snapshot", idx.Version),
		slog.Int("k", k),
		slog.Int("contexts", len(resp.Contexts)),
		slog.Bool("abstained", resp.Abstained()),
		slog.String("reason", resp.Reason),
	)
	return &resp, nil
}

func (uc *QueryUseCase) candidateK(k int) int {
	if k > uc.cfg.CandidateK {
		return k
	}
	return uc.cfg.CandidateK
}

// searchHybrid queries both signals concurrently. An empty signal is not an
// error; a failing one cancels the other.
func (uc *QueryUseCase) searchHybrid(
	ctx context.Context,
	idx ports.Indexes,
	question string,
	limit int,
) ([]domain.Candidate, []domain.Candidate, error) {
	var vector, lexical []domain.Candidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		found, err := idx.Vector.Search(gctx, question, limit)
		if err != nil {
			return fmt.Errorf("search vector index: %w", err)
		}
		vector = found
		return nil
	})
	g.Go(func() error {
		found, err := idx.Lexical.Search(gctx, question, limit)
		if err != nil {
			return fmt.Errorf("search lexical index: %w", err)
		}
		lexical = found
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return vector, lexical, nil
}

// resolveChunks looks up every candidate before ranking. A dangling id is an
// index consistency fault and aborts the request.
func resolveChunks(
	ctx context.Context,
	store ports.ChunkStore,
	lists ...[]domain.Candidate,
) (map[domain.ChunkID]domain.Chunk, error) {
	out := make(map[domain.ChunkID]domain.Chunk)
	for _, list := range lists {
		for _, cand := range list {
			if _, ok := out[cand.ChunkID]; ok {
				continue
			}
			chunk, err := store.Get(ctx, cand.ChunkID)
			if err != nil {
				if domain.IsKind(err, domain.ErrChunkNotFound) {
					return nil, domain.WrapError(
						domain.ErrIndexInconsistent,
						"resolve chunk",
						fmt.Errorf("candidate %d: %w", cand.ChunkID, err),
					)
				}
				return nil, fmt.Errorf("resolve chunk %d: %w", cand.ChunkID, err)
			}
			out[cand.ChunkID] = chunk
		}
	}
	return out, nil
}

func attachChunks(ranked []domain.RankedResult, chunks map[domain.ChunkID]domain.Chunk) {
	for i := range ranked {
		chunk := chunks[ranked[i].ChunkID]
		ranked[i].Text = chunk.Text
		ranked[i].Source = chunk.Source
		ranked[i].URL = chunk.URL
	}
}
