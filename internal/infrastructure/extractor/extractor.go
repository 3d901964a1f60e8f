package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/extractor/pdf"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/extractor/plaintext"
)

// ByExtension picks an extractor from the document file extension.
type ByExtension struct {
	byExt map[string]ports.TextExtractor
}

func New(storage ports.ObjectStorage) *ByExtension {
	text := plaintext.NewExtractor(storage)
	return &ByExtension{byExt: map[string]ports.TextExtractor{
		".pdf": pdf.NewExtractor(storage),
		".txt": text,
		".md":  text,
	}}
}

// Register overrides or adds the extractor for ext (".docx", ...).
func (e *ByExtension) Register(ext string, extractor ports.TextExtractor) {
	e.byExt[strings.ToLower(ext)] = extractor
}

func (e *ByExtension) Extract(ctx context.Context, doc domain.SourceDocument) (string, error) {
	ext := strings.ToLower(filepath.Ext(doc.Filename))
	extractor, ok := e.byExt[ext]
	if !ok {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", fmt.Errorf("unsupported file type %q: %s", ext, doc.Filename))
	}
	return extractor.Extract(ctx, doc)
}
