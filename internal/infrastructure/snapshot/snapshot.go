package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/core/ports"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/lexical/bm25"
)

// VectorIndex is a vector backend that can report its size.
type VectorIndex interface {
	ports.VectorIndex
	Len() int
}

// Snapshot is one immutable, fully built generation of the indexes.
type Snapshot struct {
	info    domain.SnapshotInfo
	chunks  map[domain.ChunkID]domain.Chunk
	vector  VectorIndex
	lexical *bm25.Index
}

func New(info domain.SnapshotInfo, chunks []domain.Chunk, vector VectorIndex, lexical *bm25.Index) (*Snapshot, error) {
	if vector == nil || lexical == nil {
		return nil, errors.New("snapshot requires both indexes")
	}
	byID := make(map[domain.ChunkID]domain.Chunk, len(chunks))
	for _, c := range chunks {
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate chunk id %d", c.ID)
		}
		byID[c.ID] = c
	}
	return &Snapshot{info: info, chunks: byID, vector: vector, lexical: lexical}, nil
}

func (s *Snapshot) Info() domain.SnapshotInfo {
	return s.info
}

func (s *Snapshot) Get(_ context.Context, id domain.ChunkID) (domain.Chunk, error) {
	c, ok := s.chunks[id]
	if !ok {
		return domain.Chunk{}, fmt.Errorf("chunk %d in snapshot %s: %w", id, s.info.Version, domain.ErrChunkNotFound)
	}
	return c, nil
}

func (s *Snapshot) Indexes() ports.Indexes {
	return ports.Indexes{
		Version: s.info.Version,
		Chunks:  s,
		Vector:  s.vector,
		Lexical: s.lexical,
	}
}

type Stats struct {
	Version         string
	EmbeddingModel  string
	TotalChunks     int
	VectorIndexSize int
	BM25CorpusSize  int
}

func (s *Snapshot) Stats() Stats {
	return Stats{
		Version:         s.info.Version,
		EmbeddingModel:  s.info.EmbeddingModel,
		TotalChunks:     len(s.chunks),
		VectorIndexSize: s.vector.Len(),
		BM25CorpusSize:  s.lexical.Len(),
	}
}

// Store publishes snapshots by swapping an immutable reference. Readers never
// block and always see a complete snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	return &Store{}
}

// Publish installs snap and returns the snapshot it replaced.
func (s *Store) Publish(snap *Snapshot) *Snapshot {
	return s.current.Swap(snap)
}

// Current returns nil until the first snapshot is published.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Stats reports the served snapshot; ok is false before the first publish.
func (s *Store) Stats() (stats Stats, ok bool) {
	snap := s.current.Load()
	if snap == nil {
		return Stats{}, false
	}
	return snap.Stats(), true
}

func (s *Store) Acquire(context.Context) (ports.Indexes, error) {
	snap := s.current.Load()
	if snap == nil {
		return ports.Indexes{}, domain.WrapError(domain.ErrIndexUnavailable, "acquire snapshot", errors.New("no snapshot published"))
	}
	return snap.Indexes(), nil
}
