package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolveNotePath joins a note path against the workspace and rejects paths
// that escape it.
func resolveNotePath(scope Scope, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	root, err := filepath.Abs(scope.WorkspacePath)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside workspace: %s", path)
	}
	return full, nil
}

// ReadNoteTool reads the contents of a note in the workspace.
type ReadNoteTool struct{}

func (t *ReadNoteTool) Name() string { return "read_note" }
func (t *ReadNoteTool) Tier() int    { return TierReadOnly }

func (t *ReadNoteTool) Description() string {
	return "Read the contents of a note at the specified workspace-relative path."
}

func (t *ReadNoteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the note to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadNoteTool) Execute(ctx context.Context, params map[string]any, scope Scope) (string, error) {
	path, err := resolveNotePath(scope, GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("note not found: %s", GetString(params, "path", ""))
		}
		return "", fmt.Errorf("read note: %w", err)
	}
	return string(content), nil
}

// WriteNoteTool creates or replaces a note in the workspace.
type WriteNoteTool struct{}

func (t *WriteNoteTool) Name() string { return "write_note" }
func (t *WriteNoteTool) Tier() int    { return TierWrite }

func (t *WriteNoteTool) Description() string {
	return "Write content to a note at the specified workspace-relative path. Creates parent directories if needed."
}

func (t *WriteNoteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the note to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The full note content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteNoteTool) Execute(ctx context.Context, params map[string]any, scope Scope) (string, error) {
	path, err := resolveNotePath(scope, GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	content := GetString(params, "content", "")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write note: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), GetString(params, "path", "")), nil
}

// DeleteNoteTool removes a note from the workspace. Irreversible, so it
// carries the high-risk tier and goes through the approval gate.
type DeleteNoteTool struct{}

func (t *DeleteNoteTool) Name() string { return "delete_note" }
func (t *DeleteNoteTool) Tier() int    { return TierHighRisk }

func (t *DeleteNoteTool) Description() string {
	return "Permanently delete a note at the specified workspace-relative path."
}

func (t *DeleteNoteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the note to delete",
			},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteNoteTool) Execute(ctx context.Context, params map[string]any, scope Scope) (string, error) {
	path, err := resolveNotePath(scope, GetString(params, "path", ""))
	if err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("note not found: %s", GetString(params, "path", ""))
		}
		return "", fmt.Errorf("delete note: %w", err)
	}
	return fmt.Sprintf("Deleted %s", GetString(params, "path", "")), nil
}

// ListNotesTool lists markdown notes under a workspace directory.
type ListNotesTool struct{}

func (t *ListNotesTool) Name() string { return "list_notes" }
func (t *ListNotesTool) Tier() int    { return TierReadOnly }

func (t *ListNotesTool) Description() string {
	return "List markdown notes in the workspace, optionally under a subdirectory."
}

func (t *ListNotesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"dir": map[string]any{
				"type":        "string",
				"description": "Optional workspace-relative directory to list",
			},
		},
	}
}

func (t *ListNotesTool) Execute(ctx context.Context, params map[string]any, scope Scope) (string, error) {
	dir := GetString(params, "dir", ".")
	root, err := resolveNotePath(scope, dir)
	if err != nil {
		return "", err
	}
	var paths []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".md") {
			if rel, err := filepath.Rel(scope.WorkspacePath, path); err == nil {
				paths = append(paths, rel)
			}
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("list notes: %w", walkErr)
	}
	if len(paths) == 0 {
		return "No notes found.", nil
	}
	sort.Strings(paths)
	return strings.Join(paths, "\n"), nil
}

// SearchMatch is a single hit returned by the note search backend.
type SearchMatch struct {
	Path    string
	Heading string
	Snippet string
	Score   float32
}

// SearchNotesTool searches indexed note content semantically. The backend is
// injected so the tool stays decoupled from the memory service wiring.
type SearchNotesTool struct {
	search func(ctx context.Context, query string, limit int) ([]SearchMatch, error)
}

// NewSearchNotesTool creates a search tool backed by the given search func.
func NewSearchNotesTool(search func(ctx context.Context, query string, limit int) ([]SearchMatch, error)) *SearchNotesTool {
	return &SearchNotesTool{search: search}
}

func (t *SearchNotesTool) Name() string { return "search_notes" }
func (t *SearchNotesTool) Tier() int    { return TierReadOnly }

func (t *SearchNotesTool) Description() string {
	return "Search notes by meaning. Returns the most relevant note excerpts for a query."
}

func (t *SearchNotesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to search for",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchNotesTool) Execute(ctx context.Context, params map[string]any, scope Scope) (string, error) {
	query := strings.TrimSpace(GetString(params, "query", ""))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if t.search == nil {
		return "", fmt.Errorf("note search is not available")
	}
	limit := GetInt(params, "limit", 5)
	matches, err := t.search(ctx, query, limit)
	if err != nil {
		return "", fmt.Errorf("search notes: %w", err)
	}
	if len(matches) == 0 {
		return "No matching notes found.", nil
	}
	var sb strings.Builder
	for i, m := range matches {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("[%d] %s", i+1, m.Path))
		if m.Heading != "" {
			sb.WriteString(" § " + m.Heading)
		}
		sb.WriteString(fmt.Sprintf(" (relevance %.0f%%)\n", m.Score*100))
		sb.WriteString(m.Snippet)
	}
	return sb.String(), nil
}
