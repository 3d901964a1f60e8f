package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kamkaz1/mini-rag-reranker/internal/core/domain"
	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/resilience"
)

const upsertBatchSize = 256

// Client is a small Qdrant REST client. Every index snapshot lives in its
// own collection, so collections are passed per call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu sync.Mutex
	ensured  map[string]int
}

type Option func(*Client)

func WithExecutor(executor *resilience.Executor) Option {
	return func(c *Client) {
		c.executor = executor
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ensured:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type point struct {
	ID      int64        `json:"id"`
	Vector  []float32    `json:"vector"`
	Payload pointPayload `json:"payload"`
}

type pointPayload struct {
	ChunkID    int64  `json:"chunk_id"`
	SourceFile string `json:"source_file,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
}

// IndexChunks creates the collection if needed and upserts one point per
// chunk, keyed by chunk id.
func (c *Client) IndexChunks(ctx context.Context, collection string, chunks []domain.EmbeddedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := c.ensureCollection(ctx, collection, len(chunks[0].Vector)); err != nil {
		return err
	}

	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(chunks))
		points := make([]point, 0, end-start)
		for _, ec := range chunks[start:end] {
			points = append(points, point{
				ID:     int64(ec.Chunk.ID),
				Vector: ec.Vector,
				Payload: pointPayload{
					ChunkID:    int64(ec.Chunk.ID),
					SourceFile: ec.Chunk.SourceFile,
					ChunkIndex: ec.Chunk.ChunkIndex,
					Title:      ec.Chunk.Source,
					URL:        ec.Chunk.URL,
				},
			})
		}

		url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, collection)
		if err := c.doJSON(ctx, http.MethodPut, url, map[string]any{"points": points}, nil, "upsert"); err != nil {
			return err
		}
	}
	return nil
}

// SearchIDs returns up to limit candidates ordered by cosine score, ties by
// chunk id.
func (c *Client) SearchIDs(ctx context.Context, collection string, vector []float32, limit int) ([]domain.Candidate, error) {
	if limit <= 0 {
		return []domain.Candidate{}, nil
	}
	reqBody := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": []string{"chunk_id"},
	}

	var searchResp struct {
		Result []struct {
			Score   float64      `json:"score"`
			Payload pointPayload `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, collection)
	if err := c.doJSON(ctx, http.MethodPost, url, reqBody, &searchResp, "search"); err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, domain.WrapError(domain.ErrIndexUnavailable, "qdrant search", err)
		}
		return nil, err
	}

	out := make([]domain.Candidate, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.Candidate{ChunkID: domain.ChunkID(r.Payload.ChunkID), Score: r.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, nil
}

func (c *Client) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	c.ensureMu.Lock()
	if size, ok := c.ensured[collection]; ok && size == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, collection)
	err := c.doJSON(ctx, http.MethodPut, url, reqBody, nil, "ensure collection")

	// 409 means the collection already exists.
	var statusErr *resilience.StatusError
	if err != nil && !(errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict) {
		return err
	}

	c.ensureMu.Lock()
	c.ensured[collection] = vectorSize
	c.ensureMu.Unlock()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewStatusError("qdrant", operation, resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	if c.executor == nil {
		err = call(ctx)
	} else {
		err = c.executor.Execute(ctx, "qdrant."+strings.ReplaceAll(operation, " ", "_"), call, resilience.ClassifyHTTP)
	}
	return resilience.WrapTemporary("qdrant "+operation, err, resilience.ClassifyHTTP)
}
