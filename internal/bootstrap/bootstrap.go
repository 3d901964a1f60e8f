package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	httpadapter "github.com/kamkaz1/mini-rag-reranker/internal/adapters/http"
	"github.com/kamkaz1/mini-rag-reranker/internal/config"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/usecase"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/catalog"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/chunking"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/extractor"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/llm/ollama"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/queue/nats"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/repository/postgres"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/resilience"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/snapshot"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/storage/localfs"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/vector/qdrant"
	"github.com/kamkaz1/mini-rag-reranker/internal/observability/metrics"
)

// API is the query-serving process.
type API struct {
	Config config.Config

	Handler http.Handler
	Store   *snapshot.Store
	Watcher *snapshot.Watcher
	// Events is nil when NATS_URL is empty; snapshots then change only on restart.
	Events  ports.SnapshotEvents
	QueryUC *usecase.QueryUseCase

	closeFn func()
}

func NewAPI(ctx context.Context, cfg config.Config, logger *slog.Logger) (*API, error) {
	m := metrics.NewHTTPServerMetrics("api")
	executor := newExecutor(cfg, logger, m)

	db, repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	embedder := newEmbedder(cfg, executor)
	vectors, err := vectorFactory(cfg, embedder, executor)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := snapshot.NewStore()
	loader := snapshot.NewLoader(repo, vectors, logger)
	watcher := snapshot.NewWatcher(loader, store, m, logger)

	var events *nats.SnapshotEvents
	if cfg.NATSURL != "" {
		events, err = nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             logger,
			ClientName:         "mini-rag-api",
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init snapshot events: %w", err)
		}
	}

	queryUC := usecase.NewQueryUseCase(
		store,
		usecase.NewHybridReranker(cfg.RerankAlpha),
		usecase.NewAnswerGenerator(answerPolicy(cfg)),
		usecase.QueryConfig{DefaultK: cfg.DefaultK, CandidateK: cfg.CandidateK},
		usecase.WithQueryLogger(logger),
	)

	handler := httpadapter.NewRouter(cfg, queryUC, store,
		httpadapter.WithInstrumentation(m),
		httpadapter.WithEmbeddingModel(embedder.Model()),
		httpadapter.WithLogger(logger),
	).Handler()

	app := &API{
		Config:  cfg,
		Handler: handler,
		Store:   store,
		Watcher: watcher,
		QueryUC: queryUC,
		closeFn: func() {
			if events != nil {
				events.Close()
			}
			_ = db.Close()
		},
	}
	if events != nil {
		app.Events = events
	}
	return app, nil
}

// Start follows snapshot events and loads the latest snapshot. Until one
// loads, /ask answers 503.
func (a *API) Start(ctx context.Context) error {
	return a.Watcher.Start(ctx, a.Events)
}

func (a *API) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// Indexer is the offline snapshot builder.
type Indexer struct {
	Config config.Config

	Repo    *postgres.SnapshotRepository
	BuildUC *usecase.BuildIndexUseCase
	Metrics *metrics.IndexerMetrics

	closeFn func()
}

func NewIndexer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Indexer, error) {
	executor := newExecutor(cfg, logger, nil)

	db, repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	storage, err := localfs.New(cfg.DocsDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init document storage: %w", err)
	}

	opts := []usecase.BuildOption{usecase.WithBuildLogger(logger)}
	mirror := cfg.VectorBackend == config.VectorBackendQdrant
	if mirror {
		opts = append(opts, usecase.WithVectorWriter(qdrant.New(cfg.QdrantURL, qdrant.WithExecutor(executor))))
	}

	var events *nats.SnapshotEvents
	if cfg.NATSURL != "" {
		retry := false
		events, err = nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			RetryOnFailedConnect: &retry,
			ResilienceExecutor:   executor,
			Logger:               logger,
			ClientName:           "mini-rag-indexer",
		})
		if err != nil {
			// Serving processes still pick the snapshot up on restart.
			logger.Warn("snapshot events disabled", slog.String("error", err.Error()))
			events = nil
		} else {
			opts = append(opts, usecase.WithSnapshotEvents(events))
		}
	}

	embedder := newEmbedder(cfg, executor)
	buildUC := usecase.NewBuildIndexUseCase(
		catalog.NewManifest(cfg.SourcesFile, storage, logger),
		extractor.New(storage),
		chunking.NewSplitter(cfg.ChunkWords, cfg.ChunkOverlapWords),
		embedder,
		repo,
		usecase.BuildConfig{
			EmbeddingModel: embedder.Model(),
			EmbedBatchSize: cfg.EmbedBatchSize,
			ExtractWorkers: cfg.ExtractWorkers,
			MirrorVectors:  mirror,
		},
		opts...,
	)

	return &Indexer{
		Config:  cfg,
		Repo:    repo,
		BuildUC: buildUC,
		Metrics: metrics.NewIndexerMetrics("indexer"),
		closeFn: func() {
			if events != nil {
				events.Close()
			}
			_ = db.Close()
		},
	}, nil
}

func (i *Indexer) Close() {
	if i.closeFn != nil {
		i.closeFn()
	}
}

func openRepository(ctx context.Context, cfg config.Config) (*sql.DB, *postgres.SnapshotRepository, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewSnapshotRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, repo, nil
}

func newExecutor(cfg config.Config, logger *slog.Logger, observer resilience.StateObserver) *resilience.Executor {
	rc := resilience.DefaultConfig()
	if cfg.RetryMaxAttempts > 0 {
		rc.RetryMaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.BreakerOpenTimeoutSeconds > 0 {
		rc.BreakerOpenTimeout = cfg.BreakerOpenTimeout()
	}
	opts := []resilience.Option{resilience.WithLogger(logger)}
	if observer != nil {
		opts = append(opts, resilience.WithStateObserver(observer))
	}
	return resilience.NewExecutor(rc, opts...)
}

func newEmbedder(cfg config.Config, executor *resilience.Executor) *ollama.Embedder {
	opts := []ollama.Option{ollama.WithExecutor(executor)}
	if cfg.OllamaTimeoutSeconds > 0 {
		opts = append(opts, ollama.WithTimeout(cfg.OllamaTimeout()))
	}
	return ollama.NewEmbedder(ollama.New(cfg.OllamaURL, cfg.OllamaEmbedModel, opts...))
}

func vectorFactory(cfg config.Config, embedder *ollama.Embedder, executor *resilience.Executor) (snapshot.VectorFactory, error) {
	switch cfg.VectorBackend {
	case "", config.VectorBackendMemory:
		return snapshot.FlatVectors(embedder), nil
	case config.VectorBackendQdrant:
		client := qdrant.New(cfg.QdrantURL, qdrant.WithExecutor(executor))
		return func(_ context.Context, info domain.SnapshotInfo, chunks []domain.EmbeddedChunk) (snapshot.VectorIndex, error) {
			ix, err := qdrant.NewCollectionIndex(client, embedder, info.VectorCollection, len(chunks))
			if err != nil {
				return nil, err
			}
			return ix, nil
		}, nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "vector backend", fmt.Errorf("unknown backend %q", cfg.VectorBackend))
	}
}

func answerPolicy(cfg config.Config) usecase.AnswerPolicy {
	policy := usecase.DefaultAnswerPolicy()
	policy.Threshold = cfg.ConfidenceThreshold
	if cfg.AnswerMaxSources > 0 {
		policy.MaxSources = cfg.AnswerMaxSources
	}
	if cfg.AnswerSupportRatio > 0 {
		policy.SupportRatio = cfg.AnswerSupportRatio
	}
	if cfg.AnswerSentencesPerSource >= 0 {
		policy.SentencesPerSource = cfg.AnswerSentencesPerSource
	}
	return policy
}
