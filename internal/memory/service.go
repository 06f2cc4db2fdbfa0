// Package memory provides semantic retrieval over indexed note content.
package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/provider"
)

// SearchResult is a semantically retrieved note snippet.
type SearchResult struct {
	FilePath string
	Content  string
	Score    float32
	Heading  string
}

// Service provides high-level IndexNote/Search operations over the vector
// store. If embedder is nil the service reports itself uninitialized and all
// operations gracefully degrade (no-op IndexNote, empty Search).
type Service struct {
	store    VectorStore
	embedder provider.Embedder
	enabled  bool
}

// NewService creates a semantic search service.
func NewService(store VectorStore, embedder provider.Embedder, enabled bool) *Service {
	return &Service{store: store, embedder: embedder, enabled: enabled}
}

// Enabled reports whether semantic retrieval is switched on.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// IsInitialized reports whether the service has a store and embedder to
// search with.
func (s *Service) IsInitialized() bool {
	return s != nil && s.store != nil && s.embedder != nil
}

// IndexNote chunks a note by heading, embeds each chunk, and upserts it into
// the vector store. Returns the number of chunks indexed.
func (s *Service) IndexNote(ctx context.Context, filePath, content string) (int, error) {
	if !s.IsInitialized() {
		return 0, nil
	}
	chunks := ChunkByHeadings(content)
	for _, chunk := range chunks {
		resp, err := s.embedder.Embed(ctx, &provider.EmbeddingRequest{Input: chunk.Body})
		if err != nil {
			return 0, fmt.Errorf("embed chunk: %w", err)
		}
		id := chunkID(filePath, chunk.Heading, chunk.Body)
		err = s.store.Upsert(ctx, id, resp.Vector, map[string]any{
			"file_path": filePath,
			"heading":   chunk.Heading,
			"content":   chunk.Body,
		})
		if err != nil {
			return 0, fmt.Errorf("upsert chunk: %w", err)
		}
	}
	return len(chunks), nil
}

// Search finds the most relevant note chunks for the given query.
// Gracefully degrades to nil results when uninitialized.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if !s.IsInitialized() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	resp, err := s.embedder.Embed(ctx, &provider.EmbeddingRequest{Input: query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	raw, err := s.store.Search(ctx, resp.Vector, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]SearchResult, len(raw))
	for i, r := range raw {
		filePath, _ := r.Payload["file_path"].(string)
		heading, _ := r.Payload["heading"].(string)
		content, _ := r.Payload["content"].(string)
		results[i] = SearchResult{
			FilePath: filePath,
			Content:  content,
			Score:    r.Score,
			Heading:  heading,
		}
	}
	return results, nil
}

// Chunk is a heading-delimited slice of a note.
type Chunk struct {
	Heading string
	Body    string
}

// ChunkByHeadings splits markdown content at ## headings. Content before the
// first heading becomes a chunk with an empty heading. Blank chunks are
// dropped.
func ChunkByHeadings(content string) []Chunk {
	var chunks []Chunk
	heading := ""
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text != "" {
			chunks = append(chunks, Chunk{Heading: heading, Body: text})
		}
		body = nil
	}

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			heading = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		}
		body = append(body, line)
	}
	flush()
	return chunks
}

// chunkID generates a deterministic ID for a chunk.
func chunkID(filePath, heading, body string) string {
	h := sha256.Sum256([]byte(filePath + ":" + heading + ":" + body))
	return fmt.Sprintf("%x", h[:8])
}
