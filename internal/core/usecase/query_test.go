package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
)

type chunkStoreFake struct {
	chunks map[domain.ChunkID]domain.Chunk
}

func (f *chunkStoreFake) Get(_ context.Context, id domain.ChunkID) (domain.Chunk, error) {
	c, ok := f.chunks[id]
	if !ok {
		return domain.Chunk{}, domain.ErrChunkNotFound
	}
	return c, nil
}

type searchFake struct {
	mu     sync.Mutex
	result []domain.Candidate
	err    error
	limits []int
}

func (f *searchFake) Search(_ context.Context, _ string, k int) ([]domain.Candidate, error) {
	f.mu.Lock()
	f.limits = append(f.limits, k)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.result) > k {
		return f.result[:k], nil
	}
	return f.result, nil
}

type providerFake struct {
	idx ports.Indexes
	err error
}

func (f *providerFake) Acquire(context.Context) (ports.Indexes, error) {
	if f.err != nil {
		return ports.Indexes{}, f.err
	}
	return f.idx, nil
}

func safetyChunks() map[domain.ChunkID]domain.Chunk {
	return map[domain.ChunkID]domain.Chunk{
		1: {ID: 1, Text: "Lockout tagout procedures isolate hazardous energy before maintenance begins.", Source: "OSHA 3120", URL: "https://osha.gov/3120"},
		2: {ID: 2, Text: "Machine guarding prevents contact with moving parts during normal operation.", Source: "OSHA 3170", URL: "https://osha.gov/3170"},
		3: {ID: 3, Text: "Performance level PLd requires category 3 architecture for safety functions.", Source: "ISO 13849-1", URL: "https://iso.org/69883"},
		4: {ID: 4, Text: "Risk assessment identifies hazards and estimates risk for each machine.", Source: "ISO 12100", URL: "https://iso.org/51528"},
	}
}

func newQueryFixture(vector, lexical *searchFake) (*QueryUseCase, *providerFake) {
	provider := &providerFake{idx: ports.Indexes{
		Version: "v1",
		Chunks:  &chunkStoreFake{chunks: safetyChunks()},
		Vector:  vector,
		Lexical: lexical,
	}}
	uc := NewQueryUseCase(
		provider,
		NewHybridReranker(DefaultAlpha),
		NewAnswerGenerator(DefaultAnswerPolicy()),
		QueryConfig{},
	)
	return uc, provider
}

func TestQueryUseCaseBaselineAbstainsOnLowVectorScore(t *testing.T) {
	vector := &searchFake{result: []domain.Candidate{{ChunkID: 3, Score: 0.364}, {ChunkID: 1, Score: 0.2}}}
	lexical := &searchFake{result: []domain.Candidate{{ChunkID: 3, Score: 7.1}}}
	uc, _ := newQueryFixture(vector, lexical)

	resp, err := uc.Answer(context.Background(), "what does PLd require?", domain.ModeBaseline, 5)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if resp.Answer != nil {
		t.Fatalf("expected abstention, got %q", *resp.Answer)
	}
	if !strings.Contains(resp.Reason, "0.364") || !strings.Contains(resp.Reason, "0.7") {
		t.Fatalf("unexpected reason %q", resp.Reason)
	}
	if resp.RerankerUsed {
		t.Fatalf("expected reranker_used=false in baseline mode")
	}
	if len(lexical.limits) != 0 {
		t.Fatalf("baseline must not query the lexical index")
	}
	if resp.Contexts[0].Score != 0.364 || resp.Contexts[0].Text == "" {
		t.Fatalf("expected raw vector score with resolved text, got %+v", resp.Contexts[0])
	}
}

func TestQueryUseCaseRerankedAnswersWithBlendedScore(t *testing.T) {
	vector := &searchFake{result: []domain.Candidate{{ChunkID: 3, Score: 0.364}, {ChunkID: 1, Score: 0.2}}}
	lexical := &searchFake{result: []domain.Candidate{{ChunkID: 3, Score: 7.1}, {ChunkID: 4, Score: 1.2}}}
	uc, _ := newQueryFixture(vector, lexical)

	resp, err := uc.Answer(context.Background(), "what does PLd require?", domain.ModeReranked, 5)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if resp.Answer == nil {
		t.Fatalf("expected answer, got abstention: %s", resp.Reason)
	}
	if resp.Contexts[0].ChunkID != 3 || resp.Contexts[0].Score != 1 {
		t.Fatalf("expected chunk 3 with blended score 1.0 first, got %+v", resp.Contexts[0])
	}
	if !resp.RerankerUsed {
		t.Fatalf("expected reranker_used=true")
	}
	if len(resp.Citations) < 1 {
		t.Fatalf("expected at least one citation")
	}
	if len(resp.Contexts) != 3 {
		t.Fatalf("expected union of 3 candidates, got %d", len(resp.Contexts))
	}
}

func TestQueryUseCaseRerankedUsesCandidateK(t *testing.T) {
	vector := &searchFake{}
	lexical := &searchFake{}
	uc, _ := newQueryFixture(vector, lexical)

	if _, err := uc.Answer(context.Background(), "guarding", domain.ModeReranked, 5); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if vector.limits[0] != DefaultCandidateK || lexical.limits[0] != DefaultCandidateK {
		t.Fatalf("expected candidate k=%d, got vector=%v lexical=%v", DefaultCandidateK, vector.limits, lexical.limits)
	}

	if _, err := uc.Answer(context.Background(), "guarding", domain.ModeReranked, 45); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if vector.limits[1] != 45 {
		t.Fatalf("expected candidate k to grow with k, got %d", vector.limits[1])
	}
}

func TestQueryUseCaseNoMatchesAbstains(t *testing.T) {
	uc, _ := newQueryFixture(&searchFake{}, &searchFake{})

	resp, err := uc.Answer(context.Background(), "zzz", domain.ModeReranked, 5)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if resp.Answer != nil || len(resp.Contexts) != 0 {
		t.Fatalf("expected abstention with empty contexts, got %+v", resp)
	}
	if resp.Reason != "No relevant contexts found" {
		t.Fatalf("unexpected reason %q", resp.Reason)
	}
}

func TestQueryUseCaseLexicalOnlyCandidates(t *testing.T) {
	lexical := &searchFake{result: []domain.Candidate{{ChunkID: 2, Score: 4.2}, {ChunkID: 1, Score: 0.9}}}
	uc, _ := newQueryFixture(&searchFake{}, lexical)

	resp, err := uc.Answer(context.Background(), "moving parts", domain.ModeReranked, 5)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if len(resp.Contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(resp.Contexts))
	}
	for _, c := range resp.Contexts {
		if c.NormalizedVectorScore == nil || *c.NormalizedVectorScore != 0 {
			t.Fatalf("expected normalized vector score 0, got %+v", c)
		}
	}
}

func TestQueryUseCaseDanglingChunkIsInconsistent(t *testing.T) {
	vector := &searchFake{result: []domain.Candidate{{ChunkID: 99, Score: 0.9}}}
	uc, _ := newQueryFixture(vector, &searchFake{})

	_, err := uc.Answer(context.Background(), "q", domain.ModeBaseline, 5)
	if !domain.IsKind(err, domain.ErrIndexInconsistent) {
		t.Fatalf("expected ErrIndexInconsistent, got %v", err)
	}
}

func TestQueryUseCasePropagatesInfrastructureFault(t *testing.T) {
	uc, provider := newQueryFixture(&searchFake{}, &searchFake{})
	provider.err = domain.WrapError(domain.ErrIndexUnavailable, "acquire", errors.New("no snapshot loaded"))

	_, err := uc.Answer(context.Background(), "q", domain.ModeBaseline, 5)
	if !domain.IsKind(err, domain.ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestQueryUseCaseSignalErrorFailsRequest(t *testing.T) {
	lexical := &searchFake{err: errors.New("boom")}
	uc, _ := newQueryFixture(&searchFake{result: []domain.Candidate{{ChunkID: 1, Score: 0.9}}}, lexical)

	if _, err := uc.Answer(context.Background(), "q", domain.ModeReranked, 5); err == nil {
		t.Fatalf("expected error")
	}
}

func TestQueryUseCaseValidatesInput(t *testing.T) {
	uc, _ := newQueryFixture(&searchFake{}, &searchFake{})

	if _, err := uc.Answer(context.Background(), "   ", domain.ModeBaseline, 5); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty question, got %v", err)
	}
	if _, err := uc.Answer(context.Background(), "q", domain.Mode("fancy"), 5); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown mode, got %v", err)
	}
}

func TestQueryUseCaseDefaultK(t *testing.T) {
	vector := &searchFake{}
	uc, _ := newQueryFixture(vector, &searchFake{})

	if _, err := uc.Answer(context.Background(), "q", "", 0); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if vector.limits[0] != DefaultK {
		t.Fatalf("expected default k=%d, got %d", DefaultK, vector.limits[0])
	}
}

func TestQueryUseCaseIsDeterministic(t *testing.T) {
	vector := &searchFake{result: []domain.Candidate{{ChunkID: 1, Score: 0.8}, {ChunkID: 2, Score: 0.8}, {ChunkID: 3, Score: 0.5}}}
	lexical := &searchFake{result: []domain.Candidate{{ChunkID: 4, Score: 2}, {ChunkID: 2, Score: 2}}}
	uc, _ := newQueryFixture(vector, lexical)

	var first []byte
	for i := 0; i < 10; i++ {
		resp, err := uc.Answer(context.Background(), "machine guarding parts", domain.ModeReranked, 4)
		if err != nil {
			t.Fatalf("Answer() error = %v", err)
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if first == nil {
			first = raw
			continue
		}
		if string(raw) != string(first) {
			t.Fatalf("run %d differs:\n%s\n%s", i, first, raw)
		}
	}
}
