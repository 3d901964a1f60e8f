package usecase

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

const (
	DefaultConfidenceThreshold = 0.7
	DefaultAnswerMaxSources    = 3
	DefaultAnswerSupportRatio  = 0.7
	DefaultSentencesPerSource  = 2

	minSentenceLength = 20

	reasonNoContexts = "No relevant contexts found"
	reasonNoSentence = "No relevant information found in contexts"
)

// AnswerPolicy controls abstention and which ranked results feed the answer.
// The top result always contributes once it meets Threshold. Up to
// MaxSources-1 further results contribute when their score is at least
// Threshold*SupportRatio and they contain a sentence sharing a query term.
// SentencesPerSource <= 0 uses the whole chunk text instead of extracted sentences.
type AnswerPolicy struct {
	Threshold          float64
	MaxSources         int
	SupportRatio       float64
	SentencesPerSource int
}

func DefaultAnswerPolicy() AnswerPolicy {
	return AnswerPolicy{
		Threshold:          DefaultConfidenceThreshold,
		MaxSources:         DefaultAnswerMaxSources,
		SupportRatio:       DefaultAnswerSupportRatio,
		SentencesPerSource: DefaultSentencesPerSource,
	}
}

func (p AnswerPolicy) normalize() AnswerPolicy {
	if math.IsNaN(p.Threshold) {
		p.Threshold = DefaultConfidenceThreshold
	}
	if p.MaxSources <= 0 {
		p.MaxSources = 1
	}
	if math.IsNaN(p.SupportRatio) || p.SupportRatio < 0 {
		p.SupportRatio = 0
	}
	if p.SupportRatio > 1 {
		p.SupportRatio = 1
	}
	return p
}

// AnswerGenerator decides whether to answer and assembles an extractive
// answer with numbered citations.
type AnswerGenerator struct {
	policy AnswerPolicy
}

func NewAnswerGenerator(policy AnswerPolicy) *AnswerGenerator {
	return &AnswerGenerator{policy: policy.normalize()}
}

func (g *AnswerGenerator) Policy() AnswerPolicy {
	return g.policy
}

// Generate never fails: low confidence is reported as an abstention with a
// nil Answer. Results must already be ordered best first.
func (g *AnswerGenerator) Generate(query string, results []domain.RankedResult, rerankerUsed bool) domain.AnswerResponse {
	resp := domain.AnswerResponse{
		Contexts:     results,
		Citations:    []domain.Citation{},
		RerankerUsed: rerankerUsed,
		Query:        query,
	}
	if resp.Contexts == nil {
		resp.Contexts = []domain.RankedResult{}
	}

	if len(results) == 0 {
		resp.Reason = reasonNoContexts
		return resp
	}

	topScore := results[0].Score
	if topScore < g.policy.Threshold {
		resp.Reason = fmt.Sprintf(
			"Top result score (%.3f) below confidence threshold (%s)",
			topScore,
			strconv.FormatFloat(g.policy.Threshold, 'f', -1, 64),
		)
		return resp
	}

	queryTerms := toTokenSet(query)
	supportFloor := g.policy.Threshold * g.policy.SupportRatio

	parts := make([]string, 0, g.policy.MaxSources*2)
	seenParts := make(map[string]struct{})
	citations := newCitationList()
	contributors := 0

	for i, result := range results {
		if contributors >= g.policy.MaxSources {
			break
		}
		if i > 0 && result.Score < supportFloor {
			// Results are ordered, nothing below can qualify either.
			break
		}

		extracted := g.extract(queryTerms, result.Text)
		if len(extracted) == 0 {
			if i > 0 {
				continue
			}
			extracted = []string{leadingSentence(result.Text)}
		}

		for _, part := range extracted {
			if part == "" {
				continue
			}
			if _, ok := seenParts[part]; ok {
				continue
			}
			seenParts[part] = struct{}{}
			parts = append(parts, part)
		}
		citations.add(result.Source, result.URL)
		contributors++
	}

	if len(parts) == 0 {
		resp.Reason = reasonNoSentence
		return resp
	}

	answer := strings.Join(parts, " ")
	if refs := citations.render(); refs != "" {
		answer += "\n\nSources: " + refs
	}

	// Citations are deduplicated by source, so count those rather than chunks.
	resp.Answer = &answer
	resp.Citations = citations.items
	resp.Reason = fmt.Sprintf("Answer generated from %d sources with top score %.3f", len(citations.items), topScore)
	return resp
}

func (g *AnswerGenerator) extract(queryTerms map[string]struct{}, text string) []string {
	if g.policy.SentencesPerSource <= 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}
	return relevantSentences(queryTerms, text, g.policy.SentencesPerSource)
}

type scoredSentence struct {
	text    string
	overlap int
}

// relevantSentences keeps the sentences with the largest query term overlap,
// then drops those without any overlap or shorter than minSentenceLength.
// Selected sentences keep their order of appearance.
func relevantSentences(queryTerms map[string]struct{}, text string, limit int) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 || len(queryTerms) == 0 {
		return nil
	}

	scored := make([]scoredSentence, 0, len(sentences))
	for _, s := range sentences {
		scored = append(scored, scoredSentence{text: s, overlap: tokenOverlapCount(queryTerms, toTokenSet(s))})
	}
	ranked := make([]int, len(scored))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return scored[ranked[i]].overlap > scored[ranked[j]].overlap
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	sort.Ints(ranked)

	out := make([]string, 0, len(ranked))
	for _, idx := range ranked {
		s := scored[idx]
		if s.overlap > 0 && len(s.text) > minSentenceLength {
			out = append(out, s.text)
		}
	}
	return out
}

// splitSentences cuts after '.', '!' or '?' when followed by whitespace or
// the end of the text.
func splitSentences(text string) []string {
	runes := []rune(text)
	out := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isSentenceTerminator(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isSentenceTerminator(runes[j+1]) {
			j++
		}
		if j+1 < len(runes) && !unicode.IsSpace(runes[j+1]) {
			i = j
			continue
		}
		if s := strings.TrimSpace(string(runes[start : j+1])); s != "" {
			out = append(out, s)
		}
		start = j + 1
		i = j
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func leadingSentence(text string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	return sentences[0]
}

func isSentenceTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

type citationList struct {
	items []domain.Citation
	index map[string]int
}

func newCitationList() *citationList {
	return &citationList{items: []domain.Citation{}, index: map[string]int{}}
}

// add numbers a source the first time it is referenced.
func (c *citationList) add(source, url string) {
	key := source + "\x00" + url
	if _, ok := c.index[key]; ok {
		return
	}
	number := len(c.items) + 1
	c.index[key] = number
	c.items = append(c.items, domain.Citation{Number: number, Source: source, URL: url})
}

func (c *citationList) render() string {
	refs := make([]string, 0, len(c.items))
	for _, item := range c.items {
		refs = append(refs, fmt.Sprintf("[%d] %s", item.Number, item.Source))
	}
	return strings.Join(refs, ", ")
}

func tokenOverlapCount(query, sentence map[string]struct{}) int {
	matches := 0
	for token := range query {
		if _, ok := sentence[token]; ok {
			matches++
		}
	}
	return matches
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitWordsLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

// splitWordsLower yields lowercased runs of letters, digits and underscores.
func splitWordsLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
