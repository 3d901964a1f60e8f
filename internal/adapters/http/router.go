package httpadapter

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/kamkaz1/mini-rag-reranker/internal/config"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/snapshot"
)

const (
	maxK             = 50
	maxRequestBytes  = 64 << 10
	backpressureWait = 50 * time.Millisecond
)

// SnapshotStatus reports what the process currently serves.
type SnapshotStatus interface {
	Stats() (snapshot.Stats, bool)
}

// AnswerObserver records completed questions.
type AnswerObserver interface {
	RecordAnswer(mode string, answered bool, topScore float64, contexts int, duration time.Duration)
}

// Instrumentation wraps the handler chain and exposes /metrics.
type Instrumentation interface {
	AnswerObserver
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

type Option func(*Router)

func WithInstrumentation(m Instrumentation) Option {
	return func(rt *Router) {
		rt.metrics = m
	}
}

// WithEmbeddingModel names the query embedding model. /stats reports it until
// a snapshot is loaded.
func WithEmbeddingModel(model string) Option {
	return func(rt *Router) {
		rt.embeddingModel = model
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

type Router struct {
	cfg          config.Config
	queryUC      ports.QueryService
	status       SnapshotStatus
	rerankerType string
	metrics      Instrumentation
	logger       *slog.Logger

	embeddingModel string
}

func NewRouter(cfg config.Config, queryUC ports.QueryService, status SnapshotStatus, opts ...Option) *Router {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 10
	}
	rt := &Router{
		cfg:          cfg,
		queryUC:      queryUC,
		status:       status,
		rerankerType: "hybrid",
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ask", rt.ask)
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/health", rt.healthz)
	mux.HandleFunc("/stats", rt.stats)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.MaxInFlight, backpressureWait)
	handler = rateLimitMiddleware(handler, rt.cfg.RateLimitRPS, rt.cfg.RateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	if len(rt.cfg.CORSAllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: rt.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader},
		}).Handler(handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

type askRequest struct {
	Q    string `json:"q"`
	K    *int   `json:"k"`
	Mode string `json:"mode"`
}

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req askRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Q) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query cannot be empty"})
		return
	}
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode must be 'baseline' or 'reranked'"})
		return
	}
	k := rt.cfg.DefaultK
	if req.K != nil {
		k = clampK(*req.K)
	}

	start := time.Now()
	resp, err := rt.queryUC.Answer(r.Context(), req.Q, mode, k)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	if rt.metrics != nil {
		top := 0.0
		if len(resp.Contexts) > 0 {
			top = resp.Contexts[0].Score
		}
		rt.metrics.RecordAnswer(string(mode), !resp.Abstained(), top, len(resp.Contexts), time.Since(start))
	}
	writeJSON(w, http.StatusOK, resp)
}

func clampK(k int) int {
	return max(1, min(k, maxK))
}

type healthResponse struct {
	Status            string `json:"status"`
	VectorIndexLoaded bool   `json:"vector_index_loaded"`
	BM25IndexLoaded   bool   `json:"bm25_index_loaded"`
	Snapshot          string `json:"snapshot,omitempty"`
}

// healthz is a liveness probe: it answers 200 even before a snapshot loads.
func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	stats, ok := rt.status.Stats()
	resp := healthResponse{Status: "degraded"}
	if ok {
		resp = healthResponse{
			Status:            "healthy",
			VectorIndexLoaded: stats.VectorIndexSize > 0,
			BM25IndexLoaded:   stats.BM25CorpusSize > 0,
			Snapshot:          stats.Version,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	TotalChunks     int    `json:"total_chunks"`
	VectorIndexSize int    `json:"vector_index_size"`
	BM25CorpusSize  int    `json:"bm25_corpus_size"`
	EmbeddingModel  string `json:"embedding_model"`
	RerankerType    string `json:"reranker_type"`
	Snapshot        string `json:"snapshot"`
}

func (rt *Router) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	stats, _ := rt.status.Stats()
	if stats.EmbeddingModel == "" {
		stats.EmbeddingModel = rt.embeddingModel
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalChunks:     stats.TotalChunks,
		VectorIndexSize: stats.VectorIndexSize,
		BM25CorpusSize:  stats.BM25CorpusSize,
		EmbeddingModel:  stats.EmbeddingModel,
		RerankerType:    rt.rerankerType,
		Snapshot:        stats.Version,
	})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("ask failed",
			"request_id", requestIDFromContext(r.Context()),
			"status", status,
			"error", err.Error(),
		)
	}
	writeJSON(w, status, map[string]string{"error": publicErrorMessage(status, err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
