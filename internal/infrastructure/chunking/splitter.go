package chunking

import (
	"regexp"
	"strings"
)

const (
	DefaultChunkWords   = 300
	DefaultOverlapWords = 50
	// boundaryWindow is how far back from the chunk end a sentence end is searched.
	boundaryWindow = 50
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	disallowedRe = regexp.MustCompile(`[^\p{L}\p{N}_\s.,;:!?\-()]`)
)

// Splitter cuts text into word windows. A window that is not the last one
// ends on the latest sentence end inside its tail when there is one;
// otherwise the next window starts Overlap words before the cut.
type Splitter struct {
	ChunkWords   int
	OverlapWords int
}

func NewSplitter(chunkWords, overlapWords int) *Splitter {
	if chunkWords <= 0 {
		chunkWords = DefaultChunkWords
	}
	if overlapWords < 0 {
		overlapWords = 0
	}
	if overlapWords >= chunkWords {
		overlapWords = chunkWords / 4
	}
	return &Splitter{
		ChunkWords:   chunkWords,
		OverlapWords: overlapWords,
	}
}

func (s *Splitter) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	size, overlap := s.ChunkWords, s.OverlapWords
	if size <= 0 || overlap < 0 || overlap >= size {
		n := NewSplitter(size, overlap)
		size, overlap = n.ChunkWords, n.OverlapWords
	}

	step := size - overlap
	out := make([]string, 0, len(words)/step+1)
	for i := 0; i < len(words); {
		end := min(i+size, len(words))
		window := words[i:end]

		if i+size >= len(words) {
			i += size
		} else if cut := sentenceEnd(window); cut > 0 {
			window = window[:cut]
			i += cut
		} else {
			i += step
		}

		if chunk := CleanText(strings.Join(window, " ")); chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// sentenceEnd returns the length of the window prefix that ends with the last
// sentence terminator in the tail, or 0.
func sentenceEnd(window []string) int {
	floor := max(0, len(window)-boundaryWindow)
	for j := len(window) - 1; j > floor; j-- {
		w := window[j]
		if strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?") {
			return j + 1
		}
	}
	return 0
}

// CleanText collapses whitespace and drops symbols other than basic punctuation.
func CleanText(text string) string {
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = disallowedRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
