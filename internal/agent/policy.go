package agent

import (
	"strings"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/prompt"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/protocol"
)

// AnswerPolicy decides whether a reply with no tool call and no completion
// signal counts as a valid standalone answer. The default is a heuristic
// over reply shape and task intent; tests and callers can substitute a
// stricter or looser policy.
type AnswerPolicy interface {
	IsFinalAnswer(reply string, mode prompt.Mode, intent string) bool
}

// HeuristicPolicy is the default answer policy.
type HeuristicPolicy struct{}

const shortReplyChars = 50

// IsFinalAnswer accepts a plain-text reply as final when the task is
// conversational, or the mode and intent do not demand an action, or the
// reply reads like a short answer or a question back to the user. A reply
// that still contains a tag-like fragment is never accepted; it is treated
// as a malformed tool call.
func (HeuristicPolicy) IsFinalAnswer(reply string, mode prompt.Mode, intent string) bool {
	if protocol.HasLikelyToolTag(reply) {
		return false
	}
	if intent == prompt.IntentChat {
		return true
	}
	if !prompt.IsActionOriented(mode) && !prompt.IsExplicitAction(intent) {
		return true
	}
	cleaned := strings.TrimSpace(protocol.StripThinking(reply))
	if len(cleaned) < shortReplyChars || strings.Contains(cleaned, "?") {
		if !prompt.IsExplicitAction(intent) || intent == prompt.IntentQuestion {
			return true
		}
	}
	return false
}
