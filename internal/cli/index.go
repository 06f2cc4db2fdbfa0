package cli

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed the vault into the semantic search store",
	Run:   runIndex,
}

func runIndex(cmd *cobra.Command, args []string) {
	comp, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer comp.rundb.Close()

	printHeader("Indexing vault")
	if !comp.memory.Enabled() {
		fmt.Println("Semantic search is disabled in config (memory.enabled).")
		os.Exit(1)
	}

	ctx := context.Background()
	root := comp.index.Workspace()
	notes, chunks := 0, 0
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
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("  skip %s: %v\n", path, err)
			return nil
		}
		n, err := comp.memory.IndexNote(ctx, path, string(data))
		if err != nil {
			fmt.Printf("  fail %s: %v\n", path, err)
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		fmt.Printf("  %s (%d chunks)\n", rel, n)
		notes++
		chunks += n
		return nil
	})
	if walkErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", walkErr)
		os.Exit(1)
	}
	fmt.Printf("Indexed %d notes, %d chunks.\n", notes, chunks)
}
