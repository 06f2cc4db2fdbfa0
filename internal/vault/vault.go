// Package vault indexes the note workspace and resolves [[wikilink]]
// references to note files.
package vault

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Reader reads note content from storage.
type Reader interface {
	ReadFile(path string) (string, error)
}

// OSReader reads notes from the local filesystem.
type OSReader struct{}

func (OSReader) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Index is a case-insensitive note-name to file-path map for a workspace.
type Index struct {
	workspace string
	byName    map[string]string
}

// BuildIndex scans the workspace for markdown notes and builds the name
// index. The note name is the file base name without extension. When two
// notes share a name, the first one found wins.
func BuildIndex(workspace string) (*Index, error) {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	idx := &Index{workspace: root, byName: make(map[string]string)}
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
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		name := strings.ToLower(strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())))
		if _, exists := idx.byName[name]; !exists {
			idx.byName[name] = path
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan workspace: %w", walkErr)
	}
	return idx, nil
}

// Workspace returns the absolute workspace root.
func (i *Index) Workspace() string {
	return i.workspace
}

// Count returns the number of indexed notes.
func (i *Index) Count() int {
	return len(i.byName)
}

// Resolve returns the file path for a note name, case-insensitively.
func (i *Index) Resolve(name string) (string, bool) {
	path, ok := i.byName[strings.ToLower(strings.TrimSpace(name))]
	return path, ok
}

var wikilinkRe = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// ExtractWikilinks returns the note names referenced by [[wikilinks]] in
// text, in order of first appearance. Aliases ([[Name|alias]]) and heading
// anchors ([[Name#heading]]) are stripped to the note name.
func ExtractWikilinks(text string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(text, -1)
	seen := map[string]bool{}
	var names []string
	for _, m := range matches {
		name := m[1]
		if idx := strings.Index(name, "|"); idx >= 0 {
			name = name[:idx]
		}
		if idx := strings.Index(name, "#"); idx >= 0 {
			name = name[:idx]
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, name)
	}
	return names
}

// ResolvedLink is an explicit [[reference]] resolved to a note file and its
// content.
type ResolvedLink struct {
	LinkName string
	FilePath string
	Content  string
}
