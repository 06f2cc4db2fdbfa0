// Package agent implements the orchestration loop: it turns a user request
// into a bounded sequence of LLM calls and tool invocations, enforces the
// approval gate on high-risk tools, and injects note context before the
// first call of a task.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/approval"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/memory"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/provider"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/rundb"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/state"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/tools"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/vault"
)

const (
	// maxConsecutiveErrors is the bounded-retry budget. Three protocol or
	// provider failures in a row end the task with StatusError.
	maxConsecutiveErrors = 3
	// longOutputThreshold is the tool result size above which the full
	// content is cached and a summary spliced into the transcript.
	longOutputThreshold = 4000
	// minRAGQueryLen is the minimum user message length for semantic search.
	minRAGQueryLen = 5
	// ragSearchLimit is how many candidates semantic search returns before
	// the prompt builder keeps its top slice.
	ragSearchLimit = 10
	// defaultMaxIterations bounds the call-parse-execute cycle per task.
	defaultMaxIterations = 25
)

// Options configures a Loop. Provider, State, and Registry are required;
// the rest degrade gracefully when nil.
type Options struct {
	Provider provider.LLMProvider
	State    *state.Manager
	Registry *tools.Registry
	Gate     *approval.Gate
	Vault    *vault.Index
	Reader   vault.Reader
	Memory   *memory.Service
	RunDB    *rundb.Store
	Logger   *slog.Logger
	Policy   AnswerPolicy
	// MaxIterations bounds LLM round-trips per task. Zero means the default.
	MaxIterations int
	// AutoApprove resolves every approval request as approved without
	// waiting for a caller. The pending record and events still cycle so
	// subscribers observe the same sequence.
	AutoApprove bool
}

// Loop drives the call-parse-execute cycle for one agent session. A Loop is
// constructed and owned by its caller; it is not a package singleton.
type Loop struct {
	provider provider.LLMProvider
	sm       *state.Manager
	registry *tools.Registry
	gate     *approval.Gate
	vault    *vault.Index
	reader   vault.Reader
	memory   *memory.Service
	rundb    *rundb.Store
	logger   *slog.Logger
	policy   AnswerPolicy
	maxIters int

	mu     sync.Mutex
	cancel context.CancelFunc
	taskID string
}

// New creates an agent loop. When a run database is supplied, status changes
// and tool calls are recorded as audit rows.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reader := opts.Reader
	if reader == nil {
		reader = vault.OSReader{}
	}
	gate := opts.Gate
	if gate == nil {
		gate = approval.NewGate()
	}
	policy := opts.Policy
	if policy == nil {
		policy = HeuristicPolicy{}
	}
	maxIters := opts.MaxIterations
	if maxIters <= 0 {
		maxIters = defaultMaxIterations
	}

	l := &Loop{
		provider: opts.Provider,
		sm:       opts.State,
		registry: opts.Registry,
		gate:     gate,
		vault:    opts.Vault,
		reader:   reader,
		memory:   opts.Memory,
		rundb:    opts.RunDB,
		logger:   logger,
		policy:   policy,
		maxIters: maxIters,
	}

	if l.rundb != nil {
		l.sm.On(state.EventStatusChange, func(ev state.Event) {
			l.recordEvent(string(state.EventStatusChange), ev.Payload)
		})
		l.sm.On(state.EventToolCall, func(ev state.Event) {
			l.recordEvent(string(state.EventToolCall), ev.Payload)
		})
	}
	if opts.AutoApprove {
		// The gate waiter is registered before the status flip, so resolving
		// from this synchronous subscriber is never lost.
		l.sm.On(state.EventStatusChange, func(ev state.Event) {
			if p, ok := ev.Payload.(state.StatusChangePayload); ok && p.New == state.StatusWaitingApproval {
				l.gate.Resolve(true)
			}
		})
	}
	return l
}

// State returns the loop's state manager.
func (l *Loop) State() *state.Manager {
	return l.sm
}

// ApproveToolCall resolves the outstanding approval request. It is a no-op
// when no tool call is waiting for approval.
func (l *Loop) ApproveToolCall(approved bool) {
	l.gate.Resolve(approved)
}

// Abort cancels the running task. An outstanding approval wait is resolved
// as rejected so the dispatcher can unwind.
func (l *Loop) Abort() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.gate.Resolve(false)
	l.sm.ClearPendingTool()
	l.sm.SetStatus(state.StatusAborted)
	l.recordTaskStatus(string(state.StatusAborted))
}

func (l *Loop) recordEvent(eventType string, payload any) {
	l.mu.Lock()
	taskID := l.taskID
	l.mu.Unlock()
	if l.rundb == nil || taskID == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	if err := l.rundb.RecordEvent(taskID, eventType, string(data)); err != nil {
		l.logger.Warn("record event failed", "type", eventType, "error", err)
	}
}

func (l *Loop) recordTaskStatus(status string) {
	l.mu.Lock()
	taskID := l.taskID
	l.mu.Unlock()
	if l.rundb == nil || taskID == "" {
		return
	}
	if err := l.rundb.UpdateTaskStatus(taskID, status); err != nil {
		l.logger.Warn("update task status failed", "error", err)
	}
}

func (l *Loop) recordTokens(usage *provider.Usage) {
	l.mu.Lock()
	taskID := l.taskID
	l.mu.Unlock()
	if l.rundb == nil || taskID == "" || usage == nil {
		return
	}
	if err := l.rundb.AddTaskTokens(taskID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens); err != nil {
		l.logger.Warn("record token usage failed", "error", err)
	}
}
