package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
)

const (
	defaultEmbedBatchSize = 32
	defaultExtractWorkers = 4
)

type BuildConfig struct {
	EmbeddingModel string
	EmbedBatchSize int
	ExtractWorkers int
	// MirrorVectors copies the snapshot vectors into the external vector
	// database under a collection named after the snapshot version.
	MirrorVectors bool
}

type BuildOption func(*BuildIndexUseCase)

func WithBuildLogger(logger *slog.Logger) BuildOption {
	return func(uc *BuildIndexUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

func WithVectorWriter(w ports.VectorWriter) BuildOption {
	return func(uc *BuildIndexUseCase) {
		uc.vectors = w
	}
}

func WithSnapshotEvents(events ports.SnapshotEvents) BuildOption {
	return func(uc *BuildIndexUseCase) {
		uc.events = events
	}
}

func WithClock(now func() time.Time) BuildOption {
	return func(uc *BuildIndexUseCase) {
		if now != nil {
			uc.now = now
		}
	}
}

// BuildIndexUseCase turns the source corpus into a new published snapshot.
// Serving processes never see the snapshot before MarkPublished succeeds.
type BuildIndexUseCase struct {
	catalog   ports.SourceCatalog
	extractor ports.TextExtractor
	chunker   ports.Chunker
	embedder  ports.Embedder
	repo      ports.SnapshotRepository
	vectors   ports.VectorWriter
	events    ports.SnapshotEvents
	cfg       BuildConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewBuildIndexUseCase(
	catalog ports.SourceCatalog,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	repo ports.SnapshotRepository,
	cfg BuildConfig,
	opts ...BuildOption,
) *BuildIndexUseCase {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = defaultEmbedBatchSize
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = defaultExtractWorkers
	}
	uc := &BuildIndexUseCase{
		catalog:   catalog,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		repo:      repo,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *BuildIndexUseCase) Build(ctx context.Context) (*domain.SnapshotInfo, error) {
	sources, err := uc.catalog.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("load source catalog: %w", err)
	}
	if len(sources) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "build index", errors.New("source catalog is empty"))
	}

	texts, err := uc.extractAll(ctx, sources)
	if err != nil {
		return nil, err
	}

	chunks := uc.chunkAll(sources, texts)
	if len(chunks) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "build index", errors.New("no chunks produced from sources"))
	}

	embedded, err := uc.embedAll(ctx, chunks)
	if err != nil {
		return nil, err
	}

	createdAt := uc.now().UTC()
	info := domain.SnapshotInfo{
		Version:        newSnapshotVersion(createdAt),
		ChunkCount:     len(embedded),
		EmbeddingModel: uc.cfg.EmbeddingModel,
		CreatedAt:      createdAt,
	}
	if uc.cfg.MirrorVectors && uc.vectors != nil {
		info.VectorCollection = "chunks_" + strings.ReplaceAll(info.Version, "-", "_")
	}

	if err := uc.repo.SaveSnapshot(ctx, info, embedded); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if info.VectorCollection != "" {
		if err := uc.vectors.IndexChunks(ctx, info.VectorCollection, embedded); err != nil {
			return nil, fmt.Errorf("mirror vectors: %w", err)
		}
	}

	if err := uc.repo.MarkPublished(ctx, info.Version); err != nil {
		return nil, fmt.Errorf("mark snapshot published: %w", err)
	}
	publishedAt := uc.now().UTC()
	info.PublishedAt = &publishedAt

	uc.announce(ctx, info.Version)

	uc.logger.Info("index snapshot built",
		slog.String("version", info.Version),
		slog.Int("sources", len(sources)),
		slog.Int("chunks", info.ChunkCount),
		slog.String("vector_collection", info.VectorCollection),
	)
	return &info, nil
}

// Publish makes an already built snapshot the served one again, e.g. to roll
// back a bad build.
func (uc *BuildIndexUseCase) Publish(ctx context.Context, version string) (*domain.SnapshotInfo, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "publish snapshot", errors.New("version is required"))
	}
	info, err := uc.repo.GetSnapshot(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", version, err)
	}
	if err := uc.repo.MarkPublished(ctx, version); err != nil {
		return nil, fmt.Errorf("mark snapshot published: %w", err)
	}
	publishedAt := uc.now().UTC()
	info.PublishedAt = &publishedAt

	uc.announce(ctx, version)
	uc.logger.Info("index snapshot republished", slog.String("version", version))
	return info, nil
}

func (uc *BuildIndexUseCase) announce(ctx context.Context, version string) {
	if uc.events == nil {
		return
	}
	if err := uc.events.PublishSnapshotReady(ctx, version); err != nil {
		// Serving processes also pick the snapshot up on restart.
		uc.logger.Warn("publish snapshot event failed",
			slog.String("version", version),
			slog.String("error", err.Error()),
		)
	}
}

// extractAll runs extraction on a bounded pool. Sources that fail or yield no
// text are skipped with a warning; the result keeps the catalog order.
func (uc *BuildIndexUseCase) extractAll(ctx context.Context, sources []domain.SourceDocument) ([]string, error) {
	pool, err := ants.NewPool(uc.cfg.ExtractWorkers)
	if err != nil {
		return nil, fmt.Errorf("create extraction pool: %w", err)
	}
	defer pool.Release()

	texts := make([]string, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		i, src := i, src
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			text, err := uc.extractor.Extract(ctx, src)
			if err != nil {
				uc.logger.Warn("skip source",
					slog.String("filename", src.Filename),
					slog.String("error", err.Error()),
				)
				return
			}
			texts[i] = text
		})
		if submitErr != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("submit extraction of %s: %w", src.Filename, submitErr)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return texts, nil
}

func (uc *BuildIndexUseCase) chunkAll(sources []domain.SourceDocument, texts []string) []domain.Chunk {
	chunks := make([]domain.Chunk, 0, len(sources)*8)
	nextID := domain.ChunkID(1)
	for i, src := range sources {
		if strings.TrimSpace(texts[i]) == "" {
			continue
		}
		for idx, part := range uc.chunker.Split(texts[i]) {
			chunks = append(chunks, domain.Chunk{
				ID:         nextID,
				Text:       part,
				Source:     src.Title,
				URL:        src.URL,
				SourceFile: src.Filename,
				ChunkIndex: idx,
				WordCount:  len(strings.Fields(part)),
			})
			nextID++
		}
	}
	return chunks
}

func (uc *BuildIndexUseCase) embedAll(ctx context.Context, chunks []domain.Chunk) ([]domain.EmbeddedChunk, error) {
	out := make([]domain.EmbeddedChunk, 0, len(chunks))
	for start := 0; start < len(chunks); start += uc.cfg.EmbedBatchSize {
		end := min(start+uc.cfg.EmbedBatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := uc.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		if len(vectors) != len(batch) {
			return nil, domain.WrapError(
				domain.ErrInvalidInput,
				"embed chunks",
				fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(batch)),
			)
		}
		for i, c := range batch {
			out = append(out, domain.EmbeddedChunk{Chunk: c, Vector: vectors[i]})
		}
	}
	return out, nil
}

func newSnapshotVersion(at time.Time) string {
	return at.Format("20060102t150405") + "-" + uuid.NewString()[:8]
}
