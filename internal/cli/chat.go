package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/agent"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/config"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/memory"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/prompt"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/provider"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/rundb"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/state"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/tools"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/vault"
)

const embeddingDimension = 1536

var (
	chatMode       string
	chatActiveNote string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the vault agent interactively",
	Run:   runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMode, "mode", "m", "chat", "Agent mode: chat, editor, or organizer")
	chatCmd.Flags().StringVarP(&chatActiveNote, "note", "n", "", "Path of the note to treat as active")
}

// components holds everything a command needs wired together.
type components struct {
	cfg      *config.Config
	provider *provider.OpenAIProvider
	registry *tools.Registry
	index    *vault.Index
	memory   *memory.Service
	rundb    *rundb.Store
	logger   *slog.Logger
}

func setup() (*components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("no API key configured (set OPENAI_API_KEY or providers.openai.apiKey)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	prov := provider.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Model.Name)

	if err := os.MkdirAll(cfg.Paths.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := rundb.Open(filepath.Join(cfg.Paths.DataDir, "lumina.db"))
	if err != nil {
		return nil, err
	}

	vecStore := memory.NewSQLiteVecStore(store.DB(), embeddingDimension)
	if err := vecStore.EnsureCollection(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	mem := memory.NewService(vecStore, prov, cfg.Memory.Enabled)

	index, err := vault.BuildIndex(cfg.Paths.Workspace)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("index vault: %w", err)
	}

	registry := tools.NewRegistry()
	registry.Register(&tools.ReadNoteTool{})
	registry.Register(&tools.WriteNoteTool{})
	registry.Register(&tools.DeleteNoteTool{})
	registry.Register(&tools.ListNotesTool{})
	registry.Register(tools.NewSearchNotesTool(func(ctx context.Context, query string, limit int) ([]tools.SearchMatch, error) {
		results, err := mem.Search(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		matches := make([]tools.SearchMatch, len(results))
		for i, r := range results {
			matches[i] = tools.SearchMatch{
				Path:    r.FilePath,
				Heading: r.Heading,
				Snippet: r.Content,
				Score:   r.Score,
			}
		}
		return matches, nil
	}))

	return &components{
		cfg:      cfg,
		provider: prov,
		registry: registry,
		index:    index,
		memory:   mem,
		rundb:    store,
		logger:   logger,
	}, nil
}

func runChat(cmd *cobra.Command, args []string) {
	comp, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer comp.rundb.Close()

	printHeader("Lumina Agent — " + comp.cfg.Model.Name)
	fmt.Printf("Vault: %s (%d notes)\n", comp.index.Workspace(), comp.index.Count())
	fmt.Println("Type a message, 'y'/'n' to answer approval prompts, or /quit to exit.")

	sm := state.NewManager()
	attachRenderer(sm, comp.logger)

	loop := agent.New(agent.Options{
		Provider:      comp.provider,
		State:         sm,
		Registry:      comp.registry,
		Vault:         comp.index,
		Memory:        comp.memory,
		RunDB:         comp.rundb,
		Logger:        comp.logger,
		MaxIterations: comp.cfg.Model.MaxToolIterations,
		AutoApprove:   comp.cfg.Approval.AutoApprove,
	})

	taskCtx := prompt.TaskContext{
		WorkspacePath: comp.index.Workspace(),
		Mode:          prompt.Mode(chatMode),
		Intent:        prompt.IntentChat,
	}
	if chatActiveNote != "" {
		path := chatActiveNote
		if !filepath.IsAbs(path) {
			path = filepath.Join(comp.index.Workspace(), path)
		}
		taskCtx.ActiveNote = path
		if content, err := (vault.OSReader{}).ReadFile(path); err == nil {
			taskCtx.ActiveNoteContent = content
		} else {
			comp.logger.Warn("active note unreadable", "path", path, "error", err)
		}
	}

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print(color.CyanString("you> "))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			loop.Abort()
			return
		case line == "/abort":
			loop.Abort()
		case sm.Status() == state.StatusWaitingApproval:
			loop.ApproveToolCall(line == "y" || line == "yes")
		case sm.Status() == state.StatusRunning:
			fmt.Println(color.HiBlackString("(the agent is still working; /abort to stop it)"))
		default:
			go func(task string) {
				if err := loop.StartTask(ctx, task, taskCtx, nil); err != nil {
					comp.logger.Error("task failed", "error", err)
				}
				usage := sm.TokenUsage()
				fmt.Println(color.HiBlackString("(tokens: %d prompt, %d completion)", usage.PromptTokens, usage.CompletionTokens))
				fmt.Print(color.CyanString("you> "))
			}(line)
			continue
		}
		fmt.Print(color.CyanString("you> "))
	}
}
