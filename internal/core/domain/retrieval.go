package domain

import (
	"fmt"
	"strings"
)

type Mode string

const (
	ModeBaseline Mode = "baseline"
	ModeReranked Mode = "reranked"
)

// ParseMode accepts an empty value as baseline.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeBaseline:
		return ModeBaseline, nil
	case ModeReranked:
		return ModeReranked, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, raw)
	}
}

// Candidate is one ranking signal's opinion about a chunk. Scores of
// different signals are not comparable.
type Candidate struct {
	ChunkID ChunkID `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// RankedResult is a candidate after ranking, resolved against the chunk store.
// Score holds the blended score in reranked mode and the raw vector score in
// baseline mode. VectorRank is 1-based; 0 means the chunk was not in the
// vector candidate list.
type RankedResult struct {
	ChunkID                ChunkID  `json:"chunk_id"`
	Score                  float64  `json:"score"`
	RawVectorScore         *float64 `json:"raw_vector_score,omitempty"`
	RawLexicalScore        *float64 `json:"raw_lexical_score,omitempty"`
	NormalizedVectorScore  *float64 `json:"normalized_vector_score,omitempty"`
	NormalizedLexicalScore *float64 `json:"normalized_lexical_score,omitempty"`
	VectorRank             int      `json:"vector_rank,omitempty"`
	Text                   string   `json:"text"`
	Source                 string   `json:"source"`
	URL                    string   `json:"url"`
}

type Citation struct {
	Number int    `json:"number"`
	Source string `json:"source"`
	URL    string `json:"url"`
}

// AnswerResponse is the outcome of a query. A nil Answer means abstention.
type AnswerResponse struct {
	Answer       *string        `json:"answer"`
	Contexts     []RankedResult `json:"contexts"`
	Citations    []Citation     `json:"citations"`
	RerankerUsed bool           `json:"reranker_used"`
	Reason       string         `json:"reason"`
	Query        string         `json:"query"`
}

// Abstained reports whether no answer was produced.
func (r *AnswerResponse) Abstained() bool {
	return r == nil || r.Answer == nil
}
