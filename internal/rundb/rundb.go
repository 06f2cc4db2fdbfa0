// Package rundb persists agent run data: task records, token accounting,
// an audit trail of state events, and the long-output cache.
package rundb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT UNIQUE NOT NULL,
	content TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	prompt_tokens INTEGER DEFAULT 0,
	completion_tokens INTEGER DEFAULT 0,
	total_tokens INTEGER DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT,
	event_type TEXT NOT NULL,
	payload TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);

CREATE TABLE IF NOT EXISTS tool_output_cache (
	cache_id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Store is a SQLite-backed run database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection so other stores (e.g. the vector
// store) can share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask inserts a task record and returns its id.
func (s *Store) CreateTask(content string) (string, error) {
	taskID := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO tasks (task_id, content) VALUES (?, ?)`, taskID, content)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return taskID, nil
}

// UpdateTaskStatus records the terminal (or intermediate) status of a task.
func (s *Store) UpdateTaskStatus(taskID, status string) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		status, time.Now(), taskID)
	return err
}

// AddTaskTokens accumulates token usage onto a task record.
func (s *Store) AddTaskTokens(taskID string, prompt, completion, total int) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET
			prompt_tokens = prompt_tokens + ?,
			completion_tokens = completion_tokens + ?,
			total_tokens = total_tokens + ?,
			updated_at = ?
		WHERE task_id = ?
	`, prompt, completion, total, time.Now(), taskID)
	return err
}

// TaskTokens returns the accumulated token counts for a task.
func (s *Store) TaskTokens(taskID string) (prompt, completion, total int, err error) {
	row := s.db.QueryRow(`SELECT prompt_tokens, completion_tokens, total_tokens FROM tasks WHERE task_id = ?`, taskID)
	if err := row.Scan(&prompt, &completion, &total); err != nil {
		return 0, 0, 0, fmt.Errorf("task tokens: %w", err)
	}
	return prompt, completion, total, nil
}

// RecordEvent appends a state event to the audit trail. Best-effort callers
// may ignore the error.
func (s *Store) RecordEvent(taskID, eventType, payload string) error {
	_, err := s.db.Exec(`INSERT INTO events (task_id, event_type, payload) VALUES (?, ?, ?)`,
		taskID, eventType, payload)
	return err
}

// EventCount returns the number of recorded events for a task.
func (s *Store) EventCount(taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

// CacheToolOutput stores a full tool output under a fresh cache id. The
// transcript references the id so the content stays retrievable after the
// loop splices a summary in its place.
func (s *Store) CacheToolOutput(toolName, content string) (string, error) {
	cacheID := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO tool_output_cache (cache_id, tool_name, content) VALUES (?, ?, ?)`,
		cacheID, toolName, content)
	if err != nil {
		return "", fmt.Errorf("cache tool output: %w", err)
	}
	return cacheID, nil
}

// GetCachedOutput retrieves a cached tool output by id.
func (s *Store) GetCachedOutput(cacheID string) (string, error) {
	var content string
	err := s.db.QueryRow(`SELECT content FROM tool_output_cache WHERE cache_id = ?`, cacheID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no cached output: %s", cacheID)
	}
	if err != nil {
		return "", fmt.Errorf("get cached output: %w", err)
	}
	return content, nil
}
