// Package state holds the conversation transcript and run state for an agent
// task, and publishes typed events to subscribers.
package state

import (
	"sync"
	"time"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/protocol"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/provider"
)

// Status is the run status of the agent. Exactly one is active at a time.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusWaitingUser     Status = "waiting_user"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusAborted         Status = "aborted"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventType identifies the kind of state event.
type EventType string

const (
	EventStatusChange EventType = "status_change"
	EventMessage      EventType = "message"
	EventToolCall     EventType = "tool_call"
	EventError        EventType = "error"
)

// Event is a single state change notification. Every event carries a
// timestamp.
type Event struct {
	Type      EventType
	Payload   any
	Timestamp time.Time
}

// StatusChangePayload is the payload of a status_change event.
type StatusChangePayload struct {
	Previous Status
	New      Status
}

// ToolCallPayload is the payload of a tool_call event.
type ToolCallPayload struct {
	Name   string
	Params map[string]any
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Error string
}

// TokenUsage accumulates token counts across LLM calls in a task.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type subscriber struct {
	id        int
	eventType EventType
	fn        func(Event)
}

// Manager owns the transcript, run status, counters, and event dispatch.
// All mutation goes through its methods; accessors return defensive copies.
type Manager struct {
	mu                sync.Mutex
	status            Status
	messages          []Message
	pendingTool       *protocol.ToolCall
	consecutiveErrors int
	currentTask       string
	configOverride    *provider.ConfigOverride
	tokenUsage        TokenUsage
	llmRequestCount   int
	llmRequestStart   time.Time
	subs              []subscriber
	nextSubID         int
}

// NewManager creates a state manager in the idle status.
func NewManager() *Manager {
	return &Manager{status: StatusIdle}
}

// On registers a handler for the given event type and returns an unsubscribe
// function. Handlers run synchronously in registration order; a panicking
// handler never prevents later handlers from running.
func (m *Manager) On(eventType EventType, fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs = append(m.subs, subscriber{id: id, eventType: eventType, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) emit(eventType EventType, payload any) {
	m.mu.Lock()
	handlers := make([]func(Event), 0, len(m.subs))
	for _, s := range m.subs {
		if s.eventType == eventType {
			handlers = append(handlers, s.fn)
		}
	}
	m.mu.Unlock()

	event := Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for _, fn := range handlers {
		func() {
			defer func() { _ = recover() }()
			fn(event)
		}()
	}
}

// Status returns the current run status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetStatus transitions to next. Setting the current status again is a no-op
// and emits no event.
func (m *Manager) SetStatus(next Status) {
	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	previous := m.status
	m.status = next
	m.mu.Unlock()

	m.emit(EventStatusChange, StatusChangePayload{Previous: previous, New: next})
}

// AddMessage appends a message to the transcript and emits a message event.
func (m *Manager) AddMessage(msg Message) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	m.emit(EventMessage, msg)
}

// Messages returns a copy of the transcript. Mutating the returned slice
// never affects internal state.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessageCount returns the transcript length.
func (m *Manager) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// SetSystemMessage replaces the leading system message in place, or prepends
// one when the transcript does not start with a system message.
func (m *Manager) SetSystemMessage(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) > 0 && m.messages[0].Role == RoleSystem {
		m.messages[0].Content = content
		return
	}
	m.messages = append([]Message{{Role: RoleSystem, Content: content}}, m.messages...)
}

// SetPendingTool records the single tool call awaiting approval.
func (m *Manager) SetPendingTool(call protocol.ToolCall) {
	m.mu.Lock()
	copied := call
	m.pendingTool = &copied
	m.mu.Unlock()
}

// EmitToolCall publishes a tool_call event. The dispatcher emits one for
// every registry call it executes, approval-gated or not.
func (m *Manager) EmitToolCall(call protocol.ToolCall) {
	m.emit(EventToolCall, ToolCallPayload{Name: call.Name, Params: call.Params})
}

// PendingTool returns the tool call awaiting approval, or nil.
func (m *Manager) PendingTool() *protocol.ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingTool == nil {
		return nil
	}
	copied := *m.pendingTool
	return &copied
}

// ClearPendingTool clears the pending tool record.
func (m *Manager) ClearPendingTool() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingTool = nil
}

// ConsecutiveErrors returns the current consecutive error count.
func (m *Manager) ConsecutiveErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveErrors
}

// IncrementErrors bumps the consecutive error counter and returns the new
// value.
func (m *Manager) IncrementErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveErrors++
	return m.consecutiveErrors
}

// ResetErrors clears the consecutive error counter.
func (m *Manager) ResetErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveErrors = 0
}

// EmitError publishes an error event without changing status.
func (m *Manager) EmitError(err error) {
	if err == nil {
		return
	}
	m.emit(EventError, ErrorPayload{Error: err.Error()})
}

// CurrentTask returns the text of the task being processed.
func (m *Manager) CurrentTask() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTask
}

// SetCurrentTask records the task being processed.
func (m *Manager) SetCurrentTask(task string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTask = task
}

// ConfigOverride returns the per-task LLM config override, or nil.
func (m *Manager) ConfigOverride() *provider.ConfigOverride {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configOverride == nil {
		return nil
	}
	copied := *m.configOverride
	return &copied
}

// SetConfigOverride records the per-task LLM config override. Nil clears it.
func (m *Manager) SetConfigOverride(override *provider.ConfigOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if override == nil {
		m.configOverride = nil
		return
	}
	copied := *override
	m.configOverride = &copied
}

// AddTokenUsage accumulates token usage. A nil usage is a no-op.
func (m *Manager) AddTokenUsage(usage *provider.Usage) {
	if usage == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenUsage.PromptTokens += usage.PromptTokens
	m.tokenUsage.CompletionTokens += usage.CompletionTokens
	m.tokenUsage.TotalTokens += usage.TotalTokens
}

// TokenUsage returns the accumulated token usage.
func (m *Manager) TokenUsage() TokenUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenUsage
}

// BeginLLMRequest bumps the request counter and records the request start
// time.
func (m *Manager) BeginLLMRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmRequestCount++
	m.llmRequestStart = time.Now()
}

// LLMRequestCount returns the number of LLM requests made in this session.
func (m *Manager) LLMRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.llmRequestCount
}

// LLMRequestStartTime returns the start time of the most recent LLM request.
func (m *Manager) LLMRequestStartTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.llmRequestStart
}

// Reset restores every field to its initial value. Subscribers stay
// registered; reset is for test isolation and task teardown, not event
// teardown.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusIdle
	m.messages = nil
	m.pendingTool = nil
	m.consecutiveErrors = 0
	m.currentTask = ""
	m.configOverride = nil
	m.tokenUsage = TokenUsage{}
	m.llmRequestCount = 0
	m.llmRequestStart = time.Time{}
}
