package usecase

import (
	"math"
	"sort"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

const DefaultAlpha = 0.6

// HybridReranker blends the vector and lexical signals into one ranking.
// It is stateless apart from its blend weight and safe for concurrent use.
type HybridReranker struct {
	alpha float64
}

// NewHybridReranker clamps alpha into [0,1]. NaN falls back to DefaultAlpha.
func NewHybridReranker(alpha float64) *HybridReranker {
	switch {
	case math.IsNaN(alpha):
		alpha = DefaultAlpha
	case alpha < 0:
		alpha = 0
	case alpha > 1:
		alpha = 1
	}
	return &HybridReranker{alpha: alpha}
}

func (r *HybridReranker) Alpha() float64 {
	return r.alpha
}

type blendedCandidate struct {
	id          domain.ChunkID
	rawVector   *float64
	rawLexical  *float64
	normVector  float64
	normLexical float64
	vectorRank  int
	score       float64
}

// Rerank merges both candidate lists by chunk id, normalizes each signal per
// query and returns at most k results ordered by blended score. Text fields
// of the results are left empty for the caller to resolve.
func (r *HybridReranker) Rerank(vector, lexical []domain.Candidate, k int) []domain.RankedResult {
	vector = dedupeCandidates(vector)
	lexical = dedupeCandidates(lexical)
	if len(vector) == 0 && len(lexical) == 0 {
		return []domain.RankedResult{}
	}

	normVector := normalizeScores(vector)
	normLexical := normalizeScores(lexical)

	acc := make(map[domain.ChunkID]*blendedCandidate, len(vector)+len(lexical))
	order := make([]*blendedCandidate, 0, len(vector)+len(lexical))
	lookup := func(id domain.ChunkID) *blendedCandidate {
		if c, ok := acc[id]; ok {
			return c
		}
		c := &blendedCandidate{id: id}
		acc[id] = c
		order = append(order, c)
		return c
	}

	for i, cand := range vector {
		c := lookup(cand.ChunkID)
		c.rawVector = float64Ptr(cand.Score)
		c.normVector = normVector[i]
		c.vectorRank = i + 1
	}
	for i, cand := range lexical {
		c := lookup(cand.ChunkID)
		c.rawLexical = float64Ptr(cand.Score)
		c.normLexical = normLexical[i]
	}

	for _, c := range order {
		c.score = clampUnit(r.alpha*c.normVector + (1-r.alpha)*c.normLexical)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return rankedBefore(order[i], order[j])
	})
	order = trimBlended(order, k)

	out := make([]domain.RankedResult, 0, len(order))
	for _, c := range order {
		out = append(out, domain.RankedResult{
			ChunkID:                c.id,
			Score:                  c.score,
			RawVectorScore:         c.rawVector,
			RawLexicalScore:        c.rawLexical,
			NormalizedVectorScore:  float64Ptr(c.normVector),
			NormalizedLexicalScore: float64Ptr(c.normLexical),
			VectorRank:             c.vectorRank,
		})
	}
	return out
}

// rankBaseline keeps the vector order and raw similarity scores.
func rankBaseline(vector []domain.Candidate, k int) []domain.RankedResult {
	vector = dedupeCandidates(vector)
	if k > 0 && len(vector) > k {
		vector = vector[:k]
	}
	out := make([]domain.RankedResult, 0, len(vector))
	for i, cand := range vector {
		out = append(out, domain.RankedResult{
			ChunkID:        cand.ChunkID,
			Score:          cand.Score,
			RawVectorScore: float64Ptr(cand.Score),
			VectorRank:     i + 1,
		})
	}
	return out
}

// rankedBefore is a strict total order: blended score desc, vector rank asc
// with absent ranks last, chunk id asc.
func rankedBefore(a, b *blendedCandidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.vectorRank != b.vectorRank {
		if a.vectorRank == 0 {
			return false
		}
		if b.vectorRank == 0 {
			return true
		}
		return a.vectorRank < b.vectorRank
	}
	return a.id < b.id
}

// normalizeScores applies min-max scaling over the list. A single element or
// a list of equal scores maps to 1.0.
func normalizeScores(cands []domain.Candidate) []float64 {
	out := make([]float64, len(cands))
	if len(cands) == 0 {
		return out
	}

	minScore := cands[0].Score
	maxScore := cands[0].Score
	for _, c := range cands[1:] {
		if c.Score < minScore {
			minScore = c.Score
		}
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}

	rangeScore := maxScore - minScore
	for i, c := range cands {
		if rangeScore <= 0 {
			out[i] = 1
			continue
		}
		out[i] = clampUnit((c.Score - minScore) / rangeScore)
	}
	return out
}

// dedupeCandidates keeps the first (best ranked) occurrence of every id.
func dedupeCandidates(cands []domain.Candidate) []domain.Candidate {
	if len(cands) < 2 {
		return cands
	}
	seen := make(map[domain.ChunkID]struct{}, len(cands))
	out := make([]domain.Candidate, 0, len(cands))
	for _, c := range cands {
		if _, ok := seen[c.ChunkID]; ok {
			continue
		}
		seen[c.ChunkID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func trimBlended(items []*blendedCandidate, limit int) []*blendedCandidate {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[:limit]
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func float64Ptr(v float64) *float64 {
	return &v
}
