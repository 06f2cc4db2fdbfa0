package memory

import "context"

// VectorStore stores note chunks with embeddings and finds similar ones.
type VectorStore interface {
	// Upsert stores a chunk with its embedding and metadata.
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error

	// Search finds the most similar chunks.
	Search(ctx context.Context, vector []float32, limit int) ([]StoreResult, error)

	// EnsureCollection makes sure the storage exists.
	EnsureCollection(ctx context.Context) error
}

// StoreResult is a raw hit from the vector store.
type StoreResult struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}
