package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/prompt"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/provider"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/rundb"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/state"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/tools"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/vault"
)

// mockProvider returns scripted responses (or errors) in call order and
// records how many calls were made.
type mockProvider struct {
	mu        sync.Mutex
	responses []provider.ChatResponse
	errs      []error
	calls     int
}

func (m *mockProvider) Chat(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx < len(m.responses) {
		return &m.responses[idx], nil
	}
	return &provider.ChatResponse{Content: "mock response", Usage: &provider.Usage{TotalTokens: 10}}, nil
}

func (m *mockProvider) DefaultModel() string { return "mock-model" }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingTool records every invocation and returns a fixed output.
type recordingTool struct {
	mu     sync.Mutex
	params []map[string]any
	output string
}

func (r *recordingTool) Name() string        { return "record_op" }
func (r *recordingTool) Description() string { return "records invocations" }
func (r *recordingTool) Parameters() map[string]any {
	return map[string]any{"type": "object"}
}

func (r *recordingTool) Execute(_ context.Context, params map[string]any, _ tools.Scope) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = append(r.params, params)
	if r.output != "" {
		return r.output, nil
	}
	return "recorded", nil
}

func (r *recordingTool) executions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.params)
}

func structuredCall(name string, args map[string]any) provider.ChatResponse {
	return provider.ChatResponse{
		ToolCalls: []provider.ToolCall{{ID: "call_" + name, Name: name, Arguments: args}},
		Usage:     &provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func completionResponse(result string) provider.ChatResponse {
	return structuredCall("attempt_completion", map[string]any{"result": result})
}

func newTestLoop(t *testing.T, mock *mockProvider, extra ...tools.Tool) (*Loop, *state.Manager, string) {
	t.Helper()
	workspace := t.TempDir()
	registry := tools.NewRegistry()
	registry.Register(&tools.ReadNoteTool{})
	registry.Register(&tools.WriteNoteTool{})
	registry.Register(&tools.DeleteNoteTool{})
	for _, tool := range extra {
		registry.Register(tool)
	}

	sm := state.NewManager()
	loop := New(Options{
		Provider:      mock,
		State:         sm,
		Registry:      registry,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		MaxIterations: 10,
	})
	return loop, sm, workspace
}

func actionContext(workspace string) prompt.TaskContext {
	return prompt.TaskContext{
		WorkspacePath: workspace,
		Mode:          prompt.ModeEditor,
		Intent:        prompt.IntentEdit,
	}
}

func findMessage(msgs []state.Message, substr string) *state.Message {
	for i := range msgs {
		if strings.Contains(msgs[i].Content, substr) {
			return &msgs[i]
		}
	}
	return nil
}

func findMessageWithRole(msgs []state.Message, role, substr string) *state.Message {
	for i := range msgs {
		if msgs[i].Role == role && strings.Contains(msgs[i].Content, substr) {
			return &msgs[i]
		}
	}
	return nil
}

func TestCompletionShortCircuitsBatch(t *testing.T) {
	rec := &recordingTool{}
	mock := &mockProvider{responses: []provider.ChatResponse{
		{
			ToolCalls: []provider.ToolCall{
				{ID: "c1", Name: "record_op", Arguments: map[string]any{"step": "1"}},
				{ID: "c2", Name: "attempt_completion", Arguments: map[string]any{"result": "all done"}},
				{ID: "c3", Name: "record_op", Arguments: map[string]any{"step": "3"}},
			},
			Usage: &provider.Usage{TotalTokens: 15},
		},
	}}
	loop, sm, ws := newTestLoop(t, mock, rec)

	if err := loop.StartTask(context.Background(), "do the thing", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if sm.Status() != state.StatusCompleted {
		t.Errorf("status = %s, want completed", sm.Status())
	}
	if rec.executions() != 1 {
		t.Errorf("executions = %d; calls after attempt_completion must be dropped", rec.executions())
	}
	if findMessage(sm.Messages(), "all done") == nil {
		t.Error("completion text must be appended to the transcript")
	}
}

func TestThreeProtocolErrorsEscalate(t *testing.T) {
	longProse := strings.Repeat("I will edit the note for you in a moment. ", 4)
	mock := &mockProvider{responses: []provider.ChatResponse{
		{Content: longProse}, {Content: longProse}, {Content: longProse},
	}}
	loop, sm, ws := newTestLoop(t, mock)

	if err := loop.StartTask(context.Background(), "edit my note", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if sm.Status() != state.StatusError {
		t.Fatalf("status = %s, want error", sm.Status())
	}
	if mock.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", mock.callCount())
	}
	if findMessage(sm.Messages(), fatalErrorMessage) == nil {
		t.Error("fatal message must be in the transcript")
	}
	nudges := 0
	for _, m := range sm.Messages() {
		if strings.Contains(m.Content, "did not use a tool") {
			nudges++
		}
	}
	if nudges != 2 {
		t.Errorf("nudge count = %d, want 2 (no nudge after the fatal third)", nudges)
	}
}

func TestToolResultResetsErrorCounter(t *testing.T) {
	longProse := strings.Repeat("working on it. ", 10)
	rec := &recordingTool{}
	mock := &mockProvider{responses: []provider.ChatResponse{
		{Content: longProse}, // protocol error 1
		{Content: longProse}, // protocol error 2
		structuredCall("record_op", nil), // successful tool result resets the counter
		{Content: longProse}, // protocol error 1 again, not 3
		completionResponse("done"),
	}}
	loop, sm, ws := newTestLoop(t, mock, rec)

	if err := loop.StartTask(context.Background(), "edit my note", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if sm.Status() != state.StatusCompleted {
		t.Errorf("status = %s, want completed (reset must prevent the fatal trip)", sm.Status())
	}
	if rec.executions() != 1 {
		t.Errorf("tool executions = %d", rec.executions())
	}
}

func TestAskUserSuspendsForInput(t *testing.T) {
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("ask_user", map[string]any{"question": "Proceed?", "options": []any{"Yes", "No"}}),
	}}
	loop, sm, ws := newTestLoop(t, mock)

	if err := loop.StartTask(context.Background(), "reorganize everything", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if sm.Status() != state.StatusWaitingUser {
		t.Fatalf("status = %s, want waiting_user", sm.Status())
	}
	if mock.callCount() != 1 {
		t.Errorf("provider calls = %d; the loop must return control to the caller", mock.callCount())
	}

	msg := findMessageWithRole(sm.Messages(), state.RoleUser, "Proceed?")
	if msg == nil {
		t.Fatal("question must be in the transcript")
	}
	if msg.Role != state.RoleUser {
		t.Errorf("question role = %s, want user", msg.Role)
	}
	if !strings.Contains(msg.Content, "1. Yes") || !strings.Contains(msg.Content, "2. No") {
		t.Errorf("options must be a numbered list:\n%s", msg.Content)
	}
	if sm.ConsecutiveErrors() != 0 {
		t.Error("ask_user must reset the error counter")
	}
}

func TestApprovalRejectionSkipsExecution(t *testing.T) {
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("delete_note", map[string]any{"path": "precious.md"}),
		completionResponse("stopped"),
	}}
	loop, sm, ws := newTestLoop(t, mock)

	notePath := filepath.Join(ws, "precious.md")
	if err := os.WriteFile(notePath, []byte("keep me"), 0644); err != nil {
		t.Fatal(err)
	}

	// Reject as soon as the loop flips to waiting_approval. The gate wait is
	// registered before the status change, so resolving here is never lost.
	sm.On(state.EventStatusChange, func(ev state.Event) {
		if p, ok := ev.Payload.(state.StatusChangePayload); ok && p.New == state.StatusWaitingApproval {
			loop.ApproveToolCall(false)
		}
	})

	if err := loop.StartTask(context.Background(), "delete precious.md", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if sm.Status() != state.StatusCompleted {
		t.Errorf("status = %s, want completed", sm.Status())
	}
	if _, err := os.Stat(notePath); err != nil {
		t.Error("rejected delete_note must not execute")
	}
	notice := findMessage(sm.Messages(), "rejected")
	if notice == nil || !strings.Contains(notice.Content, "delete_note") {
		t.Error("rejection notice must reference delete_note")
	}
}

func TestApprovalApprovedExecutes(t *testing.T) {
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("delete_note", map[string]any{"path": "old.md"}),
		completionResponse("deleted"),
	}}
	loop, sm, ws := newTestLoop(t, mock)

	notePath := filepath.Join(ws, "old.md")
	if err := os.WriteFile(notePath, []byte("bye"), 0644); err != nil {
		t.Fatal(err)
	}

	var pendingName string
	sm.On(state.EventStatusChange, func(ev state.Event) {
		if p, ok := ev.Payload.(state.StatusChangePayload); ok && p.New == state.StatusWaitingApproval {
			if pending := sm.PendingTool(); pending != nil {
				pendingName = pending.Name
			}
			loop.ApproveToolCall(true)
		}
	})

	if err := loop.StartTask(context.Background(), "delete old.md", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if sm.Status() != state.StatusCompleted {
		t.Errorf("status = %s, want completed", sm.Status())
	}
	if pendingName != "delete_note" {
		t.Errorf("pending tool during approval = %q", pendingName)
	}
	if _, err := os.Stat(notePath); !os.IsNotExist(err) {
		t.Error("approved delete_note must execute")
	}
}

func TestAbortDuringApprovalWait(t *testing.T) {
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("delete_note", map[string]any{"path": "x.md"}),
	}}
	loop, sm, ws := newTestLoop(t, mock)
	if err := os.WriteFile(filepath.Join(ws, "x.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	sm.On(state.EventStatusChange, func(ev state.Event) {
		if p, ok := ev.Payload.(state.StatusChangePayload); ok && p.New == state.StatusWaitingApproval {
			loop.Abort()
		}
	})

	if err := loop.StartTask(context.Background(), "delete x.md", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if sm.Status() != state.StatusAborted {
		t.Errorf("status = %s, want aborted", sm.Status())
	}
	if _, err := os.Stat(filepath.Join(ws, "x.md")); err != nil {
		t.Error("aborted delete_note must not execute")
	}
}

func TestProviderErrorsEscalate(t *testing.T) {
	mock := &mockProvider{errs: []error{
		errTest("rate limited"), errTest("rate limited"), errTest("rate limited"),
	}}
	loop, sm, ws := newTestLoop(t, mock)

	if err := loop.StartTask(context.Background(), "edit my note", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if sm.Status() != state.StatusError {
		t.Errorf("status = %s, want error after 3 provider failures", sm.Status())
	}
	if findMessage(sm.Messages(), "rate limited") == nil {
		t.Error("raw provider error must be surfaced in the transcript")
	}
}

func TestTaskAbortedViaContext(t *testing.T) {
	mock := &mockProvider{}
	loop, sm, ws := newTestLoop(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := loop.StartTask(ctx, "anything", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}
	if sm.Status() != state.StatusAborted {
		t.Errorf("status = %s, want aborted", sm.Status())
	}
}

func TestWikilinkResolutionDedupesAndExcludesActiveNote(t *testing.T) {
	mock := &mockProvider{responses: []provider.ChatResponse{completionResponse("ok")}}
	loop, sm, ws := newTestLoop(t, mock)

	if err := os.WriteFile(filepath.Join(ws, "Note A.md"), []byte("note a content"), 0644); err != nil {
		t.Fatal(err)
	}
	activePath := filepath.Join(ws, "Current.md")
	if err := os.WriteFile(activePath, []byte("active body mentions [[Note A]] and [[Current]]"), 0644); err != nil {
		t.Fatal(err)
	}
	index, err := vault.BuildIndex(ws)
	if err != nil {
		t.Fatal(err)
	}
	loop.vault = index

	taskCtx := actionContext(ws)
	taskCtx.ActiveNote = activePath
	taskCtx.ActiveNoteContent = "active body mentions [[Note A]] and [[Current]]"

	if err := loop.StartTask(context.Background(), "summarize [[Note A]] and [[note a]]", taskCtx, nil); err != nil {
		t.Fatal(err)
	}

	msgs := sm.Messages()
	userMsg := findMessage(msgs, "## Referenced Notes")
	if userMsg == nil {
		t.Fatalf("referenced notes section missing:\n%+v", msgs)
	}
	if got := strings.Count(userMsg.Content, "note a content"); got != 1 {
		t.Errorf("found %d copies of the linked note, want 1 (dedupe by path)", got)
	}
	if strings.Contains(userMsg.Content, "### [[Current]]") {
		t.Error("the active note must never be injected as a reference")
	}
	if msgs[0].Role != state.RoleSystem {
		t.Error("transcript must start with the system message")
	}
}

func TestLongToolOutputCondensedAndCached(t *testing.T) {
	bigOutput := strings.Repeat("result line with details\n", 400) // > 4000 chars
	rec := &recordingTool{output: bigOutput}
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("record_op", nil),
		{Content: "SUMMARY OF OUTPUT", Usage: &provider.Usage{TotalTokens: 5}},
		completionResponse("done"),
	}}
	loop, sm, ws := newTestLoop(t, mock, rec)

	store, err := rundb.Open(filepath.Join(t.TempDir(), "run.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	loop.rundb = store

	if err := loop.StartTask(context.Background(), "gather the results", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	result := findMessageWithRole(sm.Messages(), state.RoleUser, "tool_result")
	if result == nil {
		t.Fatal("tool result missing from transcript")
	}
	if strings.Contains(result.Content, bigOutput) {
		t.Error("full output must not be spliced into the transcript")
	}
	if !strings.Contains(result.Content, "SUMMARY OF OUTPUT") {
		t.Errorf("summary missing from result:\n%s", result.Content)
	}

	idMatch := regexp.MustCompile(`cached under id ([0-9a-f-]+)`).FindStringSubmatch(result.Content)
	if idMatch == nil {
		t.Fatalf("cache reference missing from result:\n%s", result.Content)
	}
	cached, err := store.GetCachedOutput(idMatch[1])
	if err != nil {
		t.Fatal(err)
	}
	if cached != bigOutput {
		t.Error("cached content must be the full untruncated output")
	}
}

func TestTokenUsageAccumulatesAcrossCalls(t *testing.T) {
	rec := &recordingTool{}
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("record_op", nil), // 15 total
		completionResponse("done"),       // 15 total
	}}
	loop, sm, ws := newTestLoop(t, mock, rec)

	if err := loop.StartTask(context.Background(), "do it", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}
	if got := sm.TokenUsage().TotalTokens; got != 30 {
		t.Errorf("total tokens = %d, want 30", got)
	}
}

func TestContinueLoopReentersWithoutNewPrompt(t *testing.T) {
	longProse := strings.Repeat("still thinking. ", 10)
	mock := &mockProvider{responses: []provider.ChatResponse{
		{Content: longProse}, {Content: longProse}, {Content: longProse}, // trip to error
		completionResponse("recovered"),
	}}
	loop, sm, ws := newTestLoop(t, mock)
	taskCtx := actionContext(ws)

	if err := loop.StartTask(context.Background(), "edit my note", taskCtx, nil); err != nil {
		t.Fatal(err)
	}
	if sm.Status() != state.StatusError {
		t.Fatalf("setup: status = %s, want error", sm.Status())
	}
	countBefore := sm.MessageCount()

	if err := loop.ContinueLoop(context.Background(), taskCtx, nil); err != nil {
		t.Fatal(err)
	}
	if sm.Status() != state.StatusCompleted {
		t.Errorf("status after continue = %s, want completed", sm.Status())
	}

	msgs := sm.Messages()
	systemCount := 0
	for _, m := range msgs {
		if m.Role == state.RoleSystem {
			systemCount++
		}
	}
	if systemCount != 1 {
		t.Errorf("system messages = %d; ContinueLoop must not rebuild the prompt", systemCount)
	}
	if sm.MessageCount() <= countBefore {
		t.Error("continued run should append the completion")
	}
}

func TestFreshTaskResetsErrorBudget(t *testing.T) {
	longProse := strings.Repeat("let me think about that note. ", 4)
	mock := &mockProvider{responses: []provider.ChatResponse{
		{Content: longProse}, {Content: longProse}, {Content: longProse}, // task 1 trips to error
		{Content: longProse}, // first reply of task 2: nudge, not fatal
		completionResponse("finished"),
	}}
	loop, sm, ws := newTestLoop(t, mock)
	taskCtx := actionContext(ws)

	if err := loop.StartTask(context.Background(), "edit my note", taskCtx, nil); err != nil {
		t.Fatal(err)
	}
	if sm.Status() != state.StatusError {
		t.Fatalf("setup: status = %s, want error", sm.Status())
	}

	if err := loop.StartTask(context.Background(), "try something else", taskCtx, nil); err != nil {
		t.Fatal(err)
	}
	if sm.Status() != state.StatusCompleted {
		t.Errorf("status = %s, want completed (a new task starts with a full retry budget)", sm.Status())
	}
}

func TestToolCallEventEmittedForEveryDispatch(t *testing.T) {
	rec := &recordingTool{}
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("record_op", map[string]any{"step": "1"}),
		structuredCall("delete_note", map[string]any{"path": "gone.md"}),
		completionResponse("done"),
	}}
	loop, sm, ws := newTestLoop(t, mock, rec)
	if err := os.WriteFile(filepath.Join(ws, "gone.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	var names []string
	sm.On(state.EventToolCall, func(ev state.Event) {
		if p, ok := ev.Payload.(state.ToolCallPayload); ok {
			names = append(names, p.Name)
		}
	})
	sm.On(state.EventStatusChange, func(ev state.Event) {
		if p, ok := ev.Payload.(state.StatusChangePayload); ok && p.New == state.StatusWaitingApproval {
			loop.ApproveToolCall(true)
		}
	})

	if err := loop.StartTask(context.Background(), "record then delete gone.md", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	if len(names) != 2 || names[0] != "record_op" || names[1] != "delete_note" {
		t.Errorf("tool_call events = %v, want [record_op delete_note] (one per dispatched call, gated or not)", names)
	}
	if rec.executions() != 1 {
		t.Errorf("executions = %d", rec.executions())
	}
}

func TestAutoApproveExecutesWithoutCaller(t *testing.T) {
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("delete_note", map[string]any{"path": "old.md"}),
		completionResponse("deleted"),
	}}
	ws := t.TempDir()
	registry := tools.NewRegistry()
	registry.Register(&tools.DeleteNoteTool{})
	sm := state.NewManager()
	loop := New(Options{
		Provider:      mock,
		State:         sm,
		Registry:      registry,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		MaxIterations: 10,
		AutoApprove:   true,
	})

	notePath := filepath.Join(ws, "old.md")
	if err := os.WriteFile(notePath, []byte("bye"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := loop.StartTask(context.Background(), "delete old.md", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}
	if sm.Status() != state.StatusCompleted {
		t.Errorf("status = %s, want completed", sm.Status())
	}
	if _, err := os.Stat(notePath); !os.IsNotExist(err) {
		t.Error("auto-approved delete_note must execute")
	}
}

func TestPendingToolClearedLeavingApproval(t *testing.T) {
	mock := &mockProvider{responses: []provider.ChatResponse{
		structuredCall("delete_note", map[string]any{"path": "old.md"}),
		completionResponse("deleted"),
	}}
	loop, sm, ws := newTestLoop(t, mock)
	if err := os.WriteFile(filepath.Join(ws, "old.md"), []byte("bye"), 0644); err != nil {
		t.Fatal(err)
	}

	var stale bool
	sm.On(state.EventStatusChange, func(ev state.Event) {
		p, ok := ev.Payload.(state.StatusChangePayload)
		if !ok {
			return
		}
		if p.New == state.StatusWaitingApproval {
			loop.ApproveToolCall(true)
		}
		if p.Previous == state.StatusWaitingApproval && sm.PendingTool() != nil {
			stale = true
		}
	})

	if err := loop.StartTask(context.Background(), "delete old.md", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}
	if stale {
		t.Error("pending tool must be cleared before any transition out of waiting_approval")
	}
	if sm.Status() != state.StatusCompleted {
		t.Errorf("status = %s, want completed", sm.Status())
	}
}

func TestTruncationFallbackKeepsRuneBoundary(t *testing.T) {
	bigOutput := strings.Repeat("笔记内容很长需要截断处理", 120) // 3-byte runes, > 4000 bytes
	rec := &recordingTool{output: bigOutput}
	mock := &mockProvider{
		responses: []provider.ChatResponse{
			structuredCall("record_op", nil),
			{}, // summarization slot, fails via errs
			completionResponse("done"),
		},
		errs: []error{nil, errTest("summarizer down")},
	}
	loop, sm, ws := newTestLoop(t, mock, rec)

	if err := loop.StartTask(context.Background(), "gather the results", actionContext(ws), nil); err != nil {
		t.Fatal(err)
	}

	result := findMessage(sm.Messages(), "[...truncated]")
	if result == nil {
		t.Fatalf("truncation fallback missing from transcript:\n%+v", sm.Messages())
	}
	if !utf8.ValidString(result.Content) {
		t.Error("fallback truncation must cut on a rune boundary")
	}
	if strings.Contains(result.Content, bigOutput) {
		t.Error("full output must not be spliced into the transcript")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
