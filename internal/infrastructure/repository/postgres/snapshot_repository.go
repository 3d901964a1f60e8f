package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
)

// SnapshotRepository stores index snapshots: one catalog row per version and
// the chunks with their embeddings. A snapshot becomes visible to serving
// processes only once published_at is set.
type SnapshotRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db, now: time.Now}
}

func (r *SnapshotRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/indexer startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS index_snapshots (
	version TEXT PRIMARY KEY,
	chunk_count INTEGER NOT NULL,
	embedding_model TEXT NOT NULL,
	vector_collection TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_index_snapshots_published_at ON index_snapshots(published_at DESC);

CREATE TABLE IF NOT EXISTS chunks (
	snapshot_version TEXT NOT NULL REFERENCES index_snapshots(version) ON DELETE CASCADE,
	id BIGINT NOT NULL,
	source_file TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	chunk_text TEXT NOT NULL,
	word_count INTEGER NOT NULL,
	title TEXT NOT NULL,
	url TEXT NOT NULL,
	embedding JSONB NOT NULL,
	PRIMARY KEY (snapshot_version, id)
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveSnapshot writes the catalog row and every chunk in one transaction.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, info domain.SnapshotInfo, chunks []domain.EmbeddedChunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO index_snapshots (version, chunk_count, embedding_model, vector_collection, created_at)
VALUES ($1,$2,$3,$4,$5)
`, info.Version, info.ChunkCount, info.EmbeddingModel, info.VectorCollection, info.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (snapshot_version, id, source_file, chunk_index, chunk_text, word_count, title, url, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ec := range chunks {
		embedding, err := json.Marshal(ec.Vector)
		if err != nil {
			return fmt.Errorf("marshal embedding of chunk %d: %w", ec.Chunk.ID, err)
		}
		c := ec.Chunk
		if _, err := stmt.ExecContext(ctx,
			info.Version, int64(c.ID), c.SourceFile, c.ChunkIndex, c.Text, c.WordCount, c.Source, c.URL, embedding,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

func (r *SnapshotRepository) MarkPublished(ctx context.Context, version string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE index_snapshots
SET published_at = $2
WHERE version = $1
`, version, r.now().UTC())
	if err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish snapshot rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrSnapshotNotFound, "publish snapshot", fmt.Errorf("version %s", version))
	}
	return nil
}

const snapshotColumns = `version, chunk_count, embedding_model, vector_collection, created_at, published_at`

func (r *SnapshotRepository) LatestPublished(ctx context.Context) (*domain.SnapshotInfo, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+snapshotColumns+`
FROM index_snapshots
WHERE published_at IS NOT NULL
ORDER BY published_at DESC, version DESC
LIMIT 1
`)
	info, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.WrapError(domain.ErrSnapshotNotFound, "latest snapshot", errors.New("no published snapshot"))
	}
	return info, err
}

func (r *SnapshotRepository) GetSnapshot(ctx context.Context, version string) (*domain.SnapshotInfo, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+snapshotColumns+`
FROM index_snapshots
WHERE version = $1
`, version)
	info, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.WrapError(domain.ErrSnapshotNotFound, "get snapshot", fmt.Errorf("version %s", version))
	}
	return info, err
}

// ListSnapshots returns the newest snapshots first.
func (r *SnapshotRepository) ListSnapshots(ctx context.Context, limit int) ([]domain.SnapshotInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+snapshotColumns+`
FROM index_snapshots
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SnapshotInfo, 0)
	for rows.Next() {
		info, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func (r *SnapshotRepository) LoadChunks(ctx context.Context, version string) ([]domain.EmbeddedChunk, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, source_file, chunk_index, chunk_text, word_count, title, url, embedding
FROM chunks
WHERE snapshot_version = $1
ORDER BY id
`, version)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.EmbeddedChunk, 0)
	for rows.Next() {
		var (
			ec           domain.EmbeddedChunk
			id           int64
			embeddingRaw []byte
		)
		if err := rows.Scan(
			&id, &ec.Chunk.SourceFile, &ec.Chunk.ChunkIndex, &ec.Chunk.Text, &ec.Chunk.WordCount,
			&ec.Chunk.Source, &ec.Chunk.URL, &embeddingRaw,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		ec.Chunk.ID = domain.ChunkID(id)
		if err := json.Unmarshal(embeddingRaw, &ec.Vector); err != nil {
			return nil, fmt.Errorf("unmarshal embedding of chunk %d: %w", id, err)
		}
		out = append(out, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*domain.SnapshotInfo, error) {
	var (
		info        domain.SnapshotInfo
		publishedAt sql.NullTime
	)
	err := row.Scan(&info.Version, &info.ChunkCount, &info.EmbeddingModel, &info.VectorCollection, &info.CreatedAt, &publishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		info.PublishedAt = &t
	}
	return &info, nil
}
