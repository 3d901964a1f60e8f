package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
)

type manifest struct {
	Sources []domain.SourceDocument `yaml:"sources"`
}

// Manifest lists the corpus from a sources file (YAML, or JSON which YAML
// parses as well). When storage is set, entries without a file are skipped.
type Manifest struct {
	path    string
	storage ports.ObjectStorage
	logger  *slog.Logger
}

func NewManifest(path string, storage ports.ObjectStorage, logger *slog.Logger) *Manifest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manifest{path: path, storage: storage, logger: logger}
}

func (m *Manifest) Sources(ctx context.Context) ([]domain.SourceDocument, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	sources, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	if m.storage == nil {
		return sources, nil
	}

	out := make([]domain.SourceDocument, 0, len(sources))
	for _, src := range sources {
		ok, err := m.storage.Exists(ctx, src.Filename)
		if err != nil {
			return nil, fmt.Errorf("check source %s: %w", src.Filename, err)
		}
		if !ok {
			m.logger.Warn("source file missing", slog.String("filename", src.Filename))
			continue
		}
		out = append(out, src)
	}
	return out, nil
}

// ParseManifest validates entries and drops repeated filenames.
func ParseManifest(raw []byte) ([]domain.SourceDocument, error) {
	var doc manifest
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse sources", err)
	}

	seen := make(map[string]struct{}, len(doc.Sources))
	out := make([]domain.SourceDocument, 0, len(doc.Sources))
	for i, src := range doc.Sources {
		src.Filename = strings.TrimSpace(src.Filename)
		src.Title = strings.TrimSpace(src.Title)
		src.URL = strings.TrimSpace(src.URL)
		if src.Filename == "" {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse sources", fmt.Errorf("entry %d has no filename", i))
		}
		if _, dup := seen[src.Filename]; dup {
			continue
		}
		seen[src.Filename] = struct{}{}
		if src.Title == "" {
			src.Title = "Unknown"
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse sources", errors.New("no sources listed"))
	}
	return out, nil
}
