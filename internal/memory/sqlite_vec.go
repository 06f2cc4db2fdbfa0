package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
)

// SQLiteVecStore implements VectorStore on a SQLite database. Embeddings are
// stored as BLOBs (little-endian float32 arrays) in the note_chunks table.
// Cosine similarity is computed in Go — at the size of a personal note vault
// this is sub-millisecond.
type SQLiteVecStore struct {
	db        *sql.DB
	dimension int
}

// NewSQLiteVecStore creates a new SQLiteVecStore with the given database
// connection and expected embedding dimension.
func NewSQLiteVecStore(db *sql.DB, dimension int) *SQLiteVecStore {
	return &SQLiteVecStore{db: db, dimension: dimension}
}

// EnsureCollection creates the note_chunks table if it does not exist.
func (s *SQLiteVecStore) EnsureCollection(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS note_chunks (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			heading TEXT DEFAULT '',
			content TEXT NOT NULL,
			embedding BLOB,
			version INTEGER DEFAULT 1,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Upsert stores or updates a note chunk with its embedding.
func (s *SQLiteVecStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	filePath, _ := payload["file_path"].(string)
	heading, _ := payload["heading"].(string)
	content, _ := payload["content"].(string)

	blob := encodeFloat32s(vector)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_chunks (id, file_path, heading, content, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			heading = excluded.heading,
			content = excluded.content,
			embedding = excluded.embedding,
			version = note_chunks.version + 1,
			updated_at = CURRENT_TIMESTAMP
	`, id, filePath, heading, content, blob)
	return err
}

// Search finds the top-k most similar chunks by cosine similarity.
func (s *SQLiteVecStore) Search(ctx context.Context, vector []float32, limit int) ([]StoreResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, heading, content, embedding
		FROM note_chunks
		WHERE embedding IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []StoreResult

	for rows.Next() {
		var id, filePath, heading, content string
		var blob []byte

		if err := rows.Scan(&id, &filePath, &heading, &content, &blob); err != nil {
			continue
		}

		stored := decodeFloat32s(blob)
		if len(stored) != len(vector) {
			continue // dimension mismatch, skip
		}

		candidates = append(candidates, StoreResult{
			ID:    id,
			Score: cosineSimilarity(vector, stored),
			Payload: map[string]any{
				"file_path": filePath,
				"heading":   heading,
				"content":   content,
			},
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// DeleteByPath removes every chunk indexed for a note file.
func (s *SQLiteVecStore) DeleteByPath(ctx context.Context, filePath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM note_chunks WHERE file_path = ?`, filePath)
	return err
}

// encodeFloat32s converts a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s converts little-endian bytes back to a float32 slice.
func decodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
