package bm25

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

type Document struct {
	ID   domain.ChunkID
	Text string
}

type posting struct {
	doc int
	tf  int
}

// Index is an immutable in-memory Okapi BM25 index. Build it once with New
// and share it between goroutines.
type Index struct {
	k1        float64
	b         float64
	ids       []domain.ChunkID
	docLen    []int
	avgDocLen float64
	postings  map[string][]posting
	idf       map[string]float64
}

type Option func(*Index)

func WithParameters(k1, b float64) Option {
	return func(ix *Index) {
		if k1 > 0 {
			ix.k1 = k1
		}
		if b >= 0 && b <= 1 {
			ix.b = b
		}
	}
}

func New(docs []Document, opts ...Option) *Index {
	ix := &Index{
		k1:       DefaultK1,
		b:        DefaultB,
		ids:      make([]domain.ChunkID, len(docs)),
		docLen:   make([]int, len(docs)),
		postings: make(map[string][]posting),
	}
	for _, opt := range opts {
		opt(ix)
	}

	total := 0
	for i, doc := range docs {
		tokens := Tokenize(doc.Text)
		ix.ids[i] = doc.ID
		ix.docLen[i] = len(tokens)
		total += len(tokens)

		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for term, n := range tf {
			ix.postings[term] = append(ix.postings[term], posting{doc: i, tf: n})
		}
	}
	if len(docs) > 0 {
		ix.avgDocLen = float64(total) / float64(len(docs))
	}

	n := float64(len(docs))
	ix.idf = make(map[string]float64, len(ix.postings))
	for term, list := range ix.postings {
		df := float64(len(list))
		ix.idf[term] = math.Log(1 + (n-df+0.5)/(df+0.5))
	}
	return ix
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.ids)
}

// Search scores every document sharing at least one term with the query and
// returns the best k, ties broken by chunk id. No overlap yields an empty
// slice.
func (ix *Index) Search(ctx context.Context, queryText string, k int) ([]domain.Candidate, error) {
	if ix == nil {
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "bm25 search", errors.New("index not loaded"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || len(ix.ids) == 0 {
		return []domain.Candidate{}, nil
	}

	scores := make(map[int]float64)
	for _, term := range Tokenize(queryText) {
		list, ok := ix.postings[term]
		if !ok {
			continue
		}
		idf := ix.idf[term]
		for _, p := range list {
			scores[p.doc] += idf * ix.termWeight(p)
		}
	}

	out := make([]domain.Candidate, 0, len(scores))
	for doc, score := range scores {
		out = append(out, domain.Candidate{ChunkID: ix.ids[doc], Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (ix *Index) termWeight(p posting) float64 {
	tf := float64(p.tf)
	norm := 1 - ix.b
	if ix.avgDocLen > 0 {
		norm += ix.b * float64(ix.docLen[p.doc]) / ix.avgDocLen
	}
	return tf * (ix.k1 + 1) / (tf + ix.k1*norm)
}
