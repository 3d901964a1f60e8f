package domain

import "time"

// ChunkID identifies a chunk inside one index snapshot.
type ChunkID int64

// Chunk is an immutable passage of source text with its provenance.
type Chunk struct {
	ID         ChunkID `json:"id"`
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	URL        string  `json:"url"`
	SourceFile string  `json:"source_file"`
	ChunkIndex int     `json:"chunk_index"`
	WordCount  int     `json:"word_count"`
}

// SourceDocument is one entry of the corpus manifest.
type SourceDocument struct {
	Filename string `json:"filename" yaml:"filename"`
	Title    string `json:"title" yaml:"title"`
	URL      string `json:"url" yaml:"url"`
}

// SnapshotInfo describes a built index snapshot.
type SnapshotInfo struct {
	Version          string     `json:"version"`
	ChunkCount       int        `json:"chunk_count"`
	EmbeddingModel   string     `json:"embedding_model"`
	VectorCollection string     `json:"vector_collection,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
}

// EmbeddedChunk pairs a chunk with its dense vector.
type EmbeddedChunk struct {
	Chunk  Chunk
	Vector []float32
}
