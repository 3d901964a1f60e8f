package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kamkaz1/mini-rag-reranker/internal/config"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/snapshot"
)

type queryFake struct {
	err   error
	resp  *domain.AnswerResponse
	calls []queryCall
}

type queryCall struct {
	question string
	mode     domain.Mode
	k        int
}

func (f *queryFake) Answer(_ context.Context, question string, mode domain.Mode, k int) (*domain.AnswerResponse, error) {
	f.calls = append(f.calls, queryCall{question: question, mode: mode, k: k})
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &domain.AnswerResponse{
		Contexts: []domain.RankedResult{},
		Reason:   "No relevant contexts found",
		Query:    question,
	}, nil
}

type statusFake struct {
	stats  snapshot.Stats
	loaded bool
}

func (f statusFake) Stats() (snapshot.Stats, bool) {
	return f.stats, f.loaded
}

type instrumentationFake struct {
	answers []bool
}

func (f *instrumentationFake) RecordAnswer(_ string, answered bool, _ float64, _ int, _ time.Duration) {
	f.answers = append(f.answers, answered)
}

func (f *instrumentationFake) Middleware(next http.Handler) http.Handler { return next }

func (f *instrumentationFake) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
}

func loadedStatus() statusFake {
	return statusFake{loaded: true, stats: snapshot.Stats{
		Version:         "20261019t083000-ab12cd34",
		EmbeddingModel:  "all-minilm",
		TotalChunks:     412,
		VectorIndexSize: 412,
		BM25CorpusSize:  412,
	}}
}

func postAsk(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestAskAppliesDefaults(t *testing.T) {
	query := &queryFake{}
	handler := NewRouter(config.Config{}, query, loadedStatus()).Handler()

	res := postAsk(t, handler, `{"q":"What is lockout tagout?"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if len(query.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(query.calls))
	}
	call := query.calls[0]
	if call.k != 10 || call.mode != domain.ModeBaseline {
		t.Fatalf("expected k=10 mode=baseline, got %+v", call)
	}

	var body map[string]any
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if v, ok := body["answer"]; !ok || v != nil {
		t.Fatalf("expected explicit null answer, got %v", body)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestAskClampsK(t *testing.T) {
	query := &queryFake{}
	handler := NewRouter(config.Config{}, query, loadedStatus()).Handler()

	for _, tc := range []struct {
		body string
		want int
	}{
		{`{"q":"x","k":500}`, 50},
		{`{"q":"x","k":0}`, 1},
		{`{"q":"x","k":-3}`, 1},
		{`{"q":"x","k":7,"mode":"reranked"}`, 7},
	} {
		if res := postAsk(t, handler, tc.body); res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.body, res.Code)
		}
		if got := query.calls[len(query.calls)-1].k; got != tc.want {
			t.Fatalf("%s: expected k=%d, got %d", tc.body, tc.want, got)
		}
	}
	if query.calls[3].mode != domain.ModeReranked {
		t.Fatalf("expected reranked mode, got %q", query.calls[3].mode)
	}
}

func TestAskRejectsBadRequests(t *testing.T) {
	query := &queryFake{}
	handler := NewRouter(config.Config{}, query, loadedStatus()).Handler()

	for _, body := range []string{`{"q":"   "}`, `{"q":"x","mode":"fancy"}`, `not json`} {
		if res := postAsk(t, handler, body); res.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, res.Code)
		}
	}
	if len(query.calls) != 0 {
		t.Fatalf("expected no calls for invalid requests")
	}

	req := httptest.NewRequest(http.MethodGet, "/ask", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestAskMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("bad query")), http.StatusBadRequest},
		{domain.WrapError(domain.ErrIndexUnavailable, "acquire", errors.New("no snapshot")), http.StatusServiceUnavailable},
		{domain.WrapError(domain.ErrTemporary, "embed", errors.New("ollama down")), http.StatusServiceUnavailable},
		{domain.WrapError(domain.ErrIndexInconsistent, "resolve", errors.New("chunk 99")), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		handler := NewRouter(config.Config{}, &queryFake{err: tc.err}, loadedStatus()).Handler()
		res := postAsk(t, handler, `{"q":"test"}`)
		if res.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, res.Code)
		}
		if tc.want == http.StatusInternalServerError && strings.Contains(res.Body.String(), "chunk 99") {
			t.Fatalf("internal details leaked: %s", res.Body.String())
		}
	}
}

func TestAskRecordsAnswerMetrics(t *testing.T) {
	answer := "Isolate energy.\n\nSources: [1] OSHA 3120"
	query := &queryFake{resp: &domain.AnswerResponse{
		Answer:   &answer,
		Contexts: []domain.RankedResult{{ChunkID: 1, Score: 0.92}},
		Query:    "q",
	}}
	m := &instrumentationFake{}
	handler := NewRouter(config.Config{}, query, loadedStatus(), WithInstrumentation(m)).Handler()

	if res := postAsk(t, handler, `{"q":"q"}`); res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if len(m.answers) != 1 || !m.answers[0] {
		t.Fatalf("expected one answered observation, got %v", m.answers)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "# metrics") {
		t.Fatalf("expected metrics endpoint, got %d %q", res.Code, res.Body.String())
	}
}

func TestHealthzReportsSnapshot(t *testing.T) {
	handler := NewRouter(config.Config{}, &queryFake{}, loadedStatus()).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	var body healthResponse
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || !body.VectorIndexLoaded || !body.BM25IndexLoaded || body.Snapshot == "" {
		t.Fatalf("unexpected health %+v", body)
	}

	handler = NewRouter(config.Config{}, &queryFake{}, statusFake{}).Handler()
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"degraded"`) {
		t.Fatalf("expected degraded liveness, got %d %s", res.Code, res.Body.String())
	}
}

func TestStatsReportsIndexSizes(t *testing.T) {
	handler := NewRouter(config.Config{}, &queryFake{}, loadedStatus()).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var body statsResponse
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalChunks != 412 || body.BM25CorpusSize != 412 || body.RerankerType != "hybrid" || body.EmbeddingModel != "all-minilm" {
		t.Fatalf("unexpected stats %+v", body)
	}
}

func TestHealthAliasServesLiveness(t *testing.T) {
	handler := NewRouter(config.Config{}, &queryFake{}, loadedStatus()).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/health", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"healthy"`) {
		t.Fatalf("expected /health to answer like /healthz, got %d %s", res.Code, res.Body.String())
	}
}

func TestStatsFallsBackToQueryModel(t *testing.T) {
	handler := NewRouter(config.Config{}, &queryFake{}, statusFake{}, WithEmbeddingModel("all-minilm")).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var body statsResponse
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.EmbeddingModel != "all-minilm" || body.TotalChunks != 0 {
		t.Fatalf("unexpected stats %+v", body)
	}

	loaded := loadedStatus()
	loaded.stats.EmbeddingModel = "nomic-embed-text"
	handler = NewRouter(config.Config{}, &queryFake{}, loaded, WithEmbeddingModel("all-minilm")).Handler()
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if !strings.Contains(res.Body.String(), `"embedding_model":"nomic-embed-text"`) {
		t.Fatalf("expected snapshot model to win, got %s", res.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := NewRouter(config.Config{CORSAllowedOrigins: []string{"https://ops.example"}}, &queryFake{}, loadedStatus()).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/ask", nil)
	req.Header.Set("Origin", "https://ops.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example" {
		t.Fatalf("expected allowed origin, got %q", got)
	}
}
