package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/memory"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/prompt"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/protocol"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/provider"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/state"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/tools"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/vault"
)

const fatalErrorMessage = "Agent stopped after repeated failures to produce a valid tool call or completion."

// StartTask begins (or continues) a task. Prior history beyond the system
// message is preserved; the system prompt is rebuilt and replaced in place.
// Explicit wikilinks and semantic search results are resolved into the task
// context before the first LLM call. StartTask blocks until the task reaches
// a terminal status or suspends in waiting_user / waiting_approval resolution.
func (l *Loop) StartTask(ctx context.Context, userMessage string, taskCtx prompt.TaskContext, override *provider.ConfigOverride) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.mu.Unlock()

	l.sm.SetCurrentTask(userMessage)
	l.sm.SetConfigOverride(override)
	// A fresh task starts with a full retry budget even when the previous
	// task ended at the fatal threshold.
	l.sm.ResetErrors()
	l.sm.SetStatus(state.StatusRunning)

	if l.rundb != nil {
		taskID, err := l.rundb.CreateTask(userMessage)
		if err != nil {
			l.logger.Warn("create task record failed", "error", err)
		} else {
			l.mu.Lock()
			l.taskID = taskID
			l.mu.Unlock()
		}
	}

	taskCtx.ResolvedLinks = l.resolveWikilinks(userMessage, taskCtx)
	taskCtx.RAGResults = l.searchRelated(runCtx, userMessage, taskCtx)

	systemPrompt := prompt.Build(taskCtx)
	userContent := prompt.BuildUserContent(userMessage, taskCtx)

	// Replace the system message in place when continuing with existing
	// history; otherwise this seeds [system, user].
	l.sm.SetSystemMessage(systemPrompt)
	l.sm.AddMessage(state.Message{Role: state.RoleUser, Content: userContent})

	return l.runLoop(runCtx, taskCtx)
}

// ContinueLoop re-enters the main loop without touching the transcript.
// Used to resume after an external timeout or an error/abort the caller
// wants to retry, without re-sending the user's task.
func (l *Loop) ContinueLoop(ctx context.Context, taskCtx prompt.TaskContext, override *provider.ConfigOverride) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.mu.Unlock()

	if override != nil {
		l.sm.SetConfigOverride(override)
	}
	l.sm.SetStatus(state.StatusRunning)
	return l.runLoop(runCtx, taskCtx)
}

// resolveWikilinks collects [[references]] from the user message and the
// active note, resolves them against the vault index, and loads each note.
// Links are deduplicated by resolved path and the active note itself is
// excluded. Read failures are logged and skipped.
func (l *Loop) resolveWikilinks(userMessage string, taskCtx prompt.TaskContext) []vault.ResolvedLink {
	if l.vault == nil {
		return nil
	}
	names := vault.ExtractWikilinks(userMessage)
	if taskCtx.ActiveNoteContent != "" {
		names = append(names, vault.ExtractWikilinks(taskCtx.ActiveNoteContent)...)
	}
	if len(names) == 0 {
		return nil
	}

	var links []vault.ResolvedLink
	seen := make(map[string]bool)
	for _, name := range names {
		path, ok := l.vault.Resolve(name)
		if !ok {
			l.logger.Debug("wikilink not found in vault", "name", name)
			continue
		}
		if seen[path] || path == taskCtx.ActiveNote {
			continue
		}
		seen[path] = true
		content, err := l.reader.ReadFile(path)
		if err != nil {
			l.logger.Warn("wikilink read failed", "name", name, "path", path, "error", err)
			continue
		}
		links = append(links, vault.ResolvedLink{LinkName: name, FilePath: path, Content: content})
	}
	return links
}

// searchRelated runs semantic retrieval for the task. Skipped for very short
// queries and when retrieval is disabled or uninitialized. Paths already
// covered by an explicit link (or the active note) are excluded.
func (l *Loop) searchRelated(ctx context.Context, userMessage string, taskCtx prompt.TaskContext) []memory.SearchResult {
	if l.memory == nil || !l.memory.Enabled() || !l.memory.IsInitialized() {
		return nil
	}
	query := strings.TrimSpace(userMessage)
	if len(query) < minRAGQueryLen {
		return nil
	}

	results, err := l.memory.Search(ctx, query, ragSearchLimit)
	if err != nil {
		l.logger.Warn("semantic search failed", "error", err)
		return nil
	}

	known := make(map[string]bool, len(taskCtx.ResolvedLinks)+1)
	for _, link := range taskCtx.ResolvedLinks {
		known[link.FilePath] = true
	}
	if taskCtx.ActiveNote != "" {
		known[taskCtx.ActiveNote] = true
	}

	out := results[:0]
	for _, r := range results {
		if known[r.FilePath] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// runLoop repeats the call-parse-execute cycle while the status is running.
func (l *Loop) runLoop(ctx context.Context, taskCtx prompt.TaskContext) error {
	scope := tools.Scope{
		WorkspacePath:  taskCtx.WorkspacePath,
		ActiveNotePath: taskCtx.ActiveNote,
	}

	for iter := 0; l.sm.Status() == state.StatusRunning; iter++ {
		if ctx.Err() != nil {
			l.sm.SetStatus(state.StatusAborted)
			break
		}
		if iter >= l.maxIters {
			l.sm.AddMessage(state.Message{
				Role:    state.RoleAssistant,
				Content: fmt.Sprintf("Stopping: reached the limit of %d tool iterations for a single task.", l.maxIters),
			})
			l.sm.SetStatus(state.StatusError)
			break
		}

		resp, err := l.callProvider(ctx)
		if err != nil {
			if isAbort(ctx, err) {
				l.sm.SetStatus(state.StatusAborted)
				break
			}
			l.sm.EmitError(err)
			if count := l.sm.IncrementErrors(); count >= maxConsecutiveErrors {
				l.sm.AddMessage(state.Message{Role: state.RoleAssistant, Content: fatalErrorMessage + " Last error: " + err.Error()})
				l.sm.SetStatus(state.StatusError)
				break
			}
			l.sm.AddMessage(state.Message{
				Role:    state.RoleUser,
				Content: "The previous request failed: " + err.Error() + ". Please try again.",
			})
			continue
		}

		l.sm.AddTokenUsage(resp.Usage)
		l.recordTokens(resp.Usage)

		var reply protocol.ParsedReply
		if len(resp.ToolCalls) > 0 {
			reply = protocol.DecodeStructured(resp.ToolCalls)
		} else {
			reply = protocol.Parse(resp.Content, l.registry.Names())
		}

		l.sm.AddMessage(state.Message{Role: state.RoleAssistant, Content: assistantContent(resp, reply)})

		if len(reply.ToolCalls) > 0 {
			l.sm.ResetErrors()
			l.dispatch(ctx, reply.ToolCalls, scope)
			if ctx.Err() != nil && l.sm.Status() == state.StatusRunning {
				l.sm.SetStatus(state.StatusAborted)
			}
			continue
		}

		// No tool calls and no completion signal: heuristic gate before
		// accepting the text as a standalone final answer.
		if l.policy.IsFinalAnswer(resp.Content, taskCtx.Mode, taskCtx.Intent) {
			l.sm.SetStatus(state.StatusCompleted)
			break
		}

		if count := l.sm.IncrementErrors(); count >= maxConsecutiveErrors {
			l.sm.AddMessage(state.Message{Role: state.RoleAssistant, Content: fatalErrorMessage})
			l.sm.SetStatus(state.StatusError)
			break
		}
		l.sm.AddMessage(state.Message{Role: state.RoleUser, Content: protocol.NoToolUsedPrompt()})
	}

	final := l.sm.Status()
	l.recordTaskStatus(string(final))
	l.logger.Info("task finished", "status", final, "requests", l.sm.LLMRequestCount())
	return nil
}

// callProvider sends the full transcript plus tool schemas, applying any
// per-task config override.
func (l *Loop) callProvider(ctx context.Context) (*provider.ChatResponse, error) {
	l.sm.BeginLLMRequest()

	req := &provider.ChatRequest{
		Messages: toProviderMessages(l.sm.Messages()),
		Tools:    l.toolDefinitions(),
	}
	if override := l.sm.ConfigOverride(); override != nil {
		req.Model = override.Model
		req.MaxTokens = override.MaxTokens
		req.Temperature = override.Temperature
	}

	resp, err := l.provider.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	return resp, nil
}

// dispatch executes decoded tool calls in order, stopping early on
// completion, ask_user, or abort.
func (l *Loop) dispatch(ctx context.Context, calls []protocol.ToolCall, scope tools.Scope) {
	for _, call := range calls {
		if ctx.Err() != nil {
			return
		}

		switch call.Name {
		case protocol.ActionAttemptCompletion:
			if result := protocol.StringParam(call.Params, "result"); result != "" {
				l.sm.AddMessage(state.Message{Role: state.RoleAssistant, Content: result})
			}
			l.sm.ClearPendingTool()
			l.sm.SetStatus(state.StatusCompleted)
			return

		case protocol.ActionAskUser:
			l.sm.AddMessage(state.Message{Role: state.RoleUser, Content: formatQuestion(call.Params)})
			l.sm.ClearPendingTool()
			l.sm.SetStatus(state.StatusWaitingUser)
			l.sm.ResetErrors()
			return
		}

		l.sm.EmitToolCall(call)

		if l.registry.RequiresApproval(call.Name) {
			approved, err := l.awaitApproval(ctx, call)
			if err != nil {
				l.sm.ClearPendingTool()
				l.sm.SetStatus(state.StatusAborted)
				return
			}
			if !approved {
				if ctx.Err() != nil {
					l.sm.ClearPendingTool()
					l.sm.SetStatus(state.StatusAborted)
					return
				}
				l.sm.AddMessage(state.Message{
					Role:    state.RoleUser,
					Content: fmt.Sprintf("The user rejected the %s call. Do not retry it; take a different approach or ask the user what to do.", call.Name),
				})
				l.sm.ClearPendingTool()
				l.sm.SetStatus(state.StatusRunning)
				continue
			}
			// The pending record is cleared on every transition out of
			// waiting_approval, granted included.
			l.sm.ClearPendingTool()
			l.sm.SetStatus(state.StatusRunning)
		}

		result := l.registry.Execute(ctx, call.Name, call.Params, scope)
		l.appendResult(ctx, call.Name, result)
	}

	l.sm.SetStatus(state.StatusRunning)
	l.sm.ClearPendingTool()
}

// awaitApproval suspends the dispatcher until the human resolves the gate.
// The wait slot is created before the status flips to waiting_approval so an
// automatic approver observing the status change can never fire before the
// waiter is registered.
func (l *Loop) awaitApproval(ctx context.Context, call protocol.ToolCall) (bool, error) {
	if err := l.gate.Request(); err != nil {
		l.logger.Error("approval gate busy", "tool", call.Name, "error", err)
		return false, err
	}
	l.sm.SetPendingTool(call)
	l.sm.SetStatus(state.StatusWaitingApproval)

	approved, err := l.gate.Wait(ctx)
	if err != nil {
		l.sm.ClearPendingTool()
		return false, err
	}
	return approved, nil
}

// appendResult encodes a tool result into the transcript. Long successful
// output is cached in full and replaced by a model-written summary plus a
// cache reference. A failed result gets an extra reflection prompt. The
// consecutive-error counter resets after any result is appended.
func (l *Loop) appendResult(ctx context.Context, toolName string, result tools.Result) {
	content := result.Content
	if result.Success && len(content) > longOutputThreshold {
		content = l.condenseOutput(ctx, toolName, content)
	}

	l.sm.AddMessage(state.Message{
		Role:    state.RoleUser,
		Content: protocol.EncodeResult(toolName, result.Success, content, result.Error),
	})
	if !result.Success {
		l.sm.AddMessage(state.Message{
			Role:    state.RoleUser,
			Content: "The tool call above failed. Diagnose the error, explain what went wrong, and try a corrected approach.",
		})
	}
	l.sm.ResetErrors()
}

// condenseOutput caches the full tool output and returns a summary with a
// cache reference. When the summarization call fails the output is hard
// truncated instead; the cache notice is kept either way.
func (l *Loop) condenseOutput(ctx context.Context, toolName, content string) string {
	cacheID := ""
	if l.rundb != nil {
		id, err := l.rundb.CacheToolOutput(toolName, content)
		if err != nil {
			l.logger.Warn("tool output cache failed", "tool", toolName, "error", err)
		} else {
			cacheID = id
		}
	}

	condensed, err := l.summarize(ctx, content)
	if err != nil {
		l.logger.Warn("output summarization failed", "tool", toolName, "error", err)
		cut := longOutputThreshold
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		condensed = content[:cut] + "\n[...truncated]"
	}

	notice := fmt.Sprintf("\n\n[Output was %d characters; condensed above.", len(content))
	if cacheID != "" {
		notice += " Full content cached under id " + cacheID + "."
	}
	notice += "]"
	return condensed + notice
}

// summarize asks the model for a short summary of oversized tool output,
// scoped to a dedicated summarization prompt.
func (l *Loop) summarize(ctx context.Context, content string) (string, error) {
	resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: state.RoleSystem, Content: "Summarize the following tool output in at most 10 short lines. Keep file paths, counts, and error text verbatim. Output only the summary."},
			{Role: state.RoleUser, Content: content},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	l.sm.AddTokenUsage(resp.Usage)
	l.recordTokens(resp.Usage)
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", errors.New("empty summary")
	}
	return summary, nil
}

// toolDefinitions returns the function-calling schemas for the registry's
// tools plus the two protocol actions.
func (l *Loop) toolDefinitions() []provider.ToolDefinition {
	var defs []provider.ToolDefinition
	for _, t := range l.registry.List() {
		defs = append(defs, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	defs = append(defs,
		provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        protocol.ActionAttemptCompletion,
				Description: "Finish the task and report the result to the user.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"result": map[string]any{"type": "string", "description": "What was accomplished"},
					},
					"required": []string{"result"},
				},
			},
		},
		provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        protocol.ActionAskUser,
				Description: "Ask the user a question and wait for their answer.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{"type": "string"},
						"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []string{"question"},
				},
			},
		},
	)
	return defs
}

// assistantContent renders the reply for the transcript. Structured calls
// are serialized back into tag form so history reads the same regardless of
// which wire form the provider used.
func assistantContent(resp *provider.ChatResponse, reply protocol.ParsedReply) string {
	if !reply.Structured {
		return resp.Content
	}
	formatted := protocol.FormatCalls(reply.ToolCalls)
	if text := strings.TrimSpace(resp.Content); text != "" {
		if formatted == "" {
			return text
		}
		return text + "\n\n" + formatted
	}
	return formatted
}

// formatQuestion renders an ask_user call as a user-facing message with a
// numbered options list, appended as a user-role message so the transcript
// reads naturally on resume.
func formatQuestion(params map[string]any) string {
	var sb strings.Builder
	sb.WriteString("[Agent question] ")
	sb.WriteString(protocol.StringParam(params, "question"))
	for i, opt := range protocol.OptionsFromParams(params) {
		sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt))
	}
	return sb.String()
}

func toProviderMessages(messages []state.Message) []provider.Message {
	out := make([]provider.Message, len(messages))
	for i, m := range messages {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func isAbort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
