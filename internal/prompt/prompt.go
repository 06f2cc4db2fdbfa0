// Package prompt assembles the system prompt and user content for a task.
// Building is pure: no I/O, deterministic for a given TaskContext.
package prompt

import (
	"fmt"
	"strings"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/memory"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/vault"
)

// Mode selects the agent's role definition.
type Mode string

const (
	ModeChat      Mode = "chat"
	ModeEditor    Mode = "editor"
	ModeOrganizer Mode = "organizer"
)

// IsActionOriented reports whether the mode expects the agent to act on the
// vault rather than converse.
func IsActionOriented(mode Mode) bool {
	return mode == ModeEditor || mode == ModeOrganizer
}

// Task intents.
const (
	IntentChat     = "chat"
	IntentQuestion = "question"
	IntentCreate   = "create"
	IntentEdit     = "edit"
	IntentOrganize = "organize"
)

// IsExplicitAction reports whether the intent names a concrete vault action.
func IsExplicitAction(intent string) bool {
	switch intent {
	case IntentCreate, IntentEdit, IntentOrganize:
		return true
	}
	return false
}

// TaskContext carries everything the builder needs for one task. Immutable
// per call into the loop; the loop enriches ResolvedLinks and RAGResults
// before first use.
type TaskContext struct {
	WorkspacePath     string
	ActiveNote        string
	ActiveNoteContent string
	Mode              Mode
	Intent            string
	ResolvedLinks     []vault.ResolvedLink
	RAGResults        []memory.SearchResult
}

// Excerpt budgets for memory sections layered onto the user content.
const (
	maxLinkExcerptChars = 1500
	maxRAGExcerptChars  = 600
	maxRAGResults       = 3
)

// Build returns the system prompt for the context's mode.
func Build(ctx TaskContext) string {
	var sb strings.Builder
	sb.WriteString("# Lumina Note Agent\n\n")
	sb.WriteString(roleDefinition(ctx.Mode))
	sb.WriteString("\n\n## Workspace\n")
	sb.WriteString("The note vault root is: " + ctx.WorkspacePath + "\n")
	if ctx.ActiveNote != "" {
		sb.WriteString("The user currently has this note open: " + ctx.ActiveNote + "\n")
	}
	sb.WriteString(`
## Tool Protocol
Invoke tools with pseudo-XML tags, one block per call:

<tool_name>
<param>value</param>
</tool_name>

When the task is done, finish with:

<attempt_completion>
<result>What you accomplished</result>
</attempt_completion>

When you need input from the user, ask with:

<ask_user>
<question>Your question</question>
<options>["Option A", "Option B"]</options>
</ask_user>

Tool results arrive in <tool_result> blocks in the next user message.
Every reply must contain a tool call, an attempt_completion, or an ask_user
unless you are answering a direct question.`)
	return sb.String()
}

func roleDefinition(mode Mode) string {
	switch mode {
	case ModeEditor:
		return "You are a note editing assistant. You modify note content on the " +
			"user's behalf: rewriting sections, fixing structure, applying edits " +
			"precisely. Read a note before changing it, and keep changes minimal."
	case ModeOrganizer:
		return "You are a vault organization assistant. You restructure the note " +
			"vault: moving, renaming, linking, and splitting notes. Explain a " +
			"reorganization before destructive steps."
	default:
		return "You are a knowledgeable note-taking assistant. You answer questions " +
			"about the user's notes, using the provided note context and tools to " +
			"look things up. Prefer answering from context over guessing."
	}
}

// BuildUserContent layers the memory sections onto the task text: current
// note, then explicit references (higher priority, larger excerpt budget),
// then related notes from retrieval. Sections are delimited and labeled so
// the model's reply format is unaffected.
func BuildUserContent(task string, ctx TaskContext) string {
	var sb strings.Builder
	sb.WriteString(task)

	if ctx.ActiveNote != "" && ctx.ActiveNoteContent != "" {
		sb.WriteString("\n\n---\n## Current Note: " + ctx.ActiveNote + "\n\n")
		sb.WriteString(ctx.ActiveNoteContent)
	}

	if len(ctx.ResolvedLinks) > 0 {
		sb.WriteString("\n\n---\n## Referenced Notes\n")
		for _, link := range ctx.ResolvedLinks {
			sb.WriteString(fmt.Sprintf("\n### [[%s]] (%s)\n\n", link.LinkName, link.FilePath))
			sb.WriteString(truncateWithEllipsis(link.Content, maxLinkExcerptChars))
			sb.WriteString("\n")
		}
	}

	if len(ctx.RAGResults) > 0 {
		sb.WriteString("\n\n---\n## Related Notes (from search)\n")
		count := 0
		for _, result := range ctx.RAGResults {
			if count >= maxRAGResults {
				break
			}
			label := result.FilePath
			if result.Heading != "" {
				label += " § " + result.Heading
			}
			sb.WriteString(fmt.Sprintf("\n### %s (relevance %.0f%%)\n\n", label, result.Score*100))
			sb.WriteString(truncateWithEllipsis(result.Content, maxRAGExcerptChars))
			sb.WriteString("\n")
			count++
		}
	}

	return sb.String()
}

func truncateWithEllipsis(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(s) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return s[:maxChars]
	}
	return s[:maxChars-3] + "..."
}
