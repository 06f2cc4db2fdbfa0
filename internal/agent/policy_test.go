package agent

import (
	"strings"
	"testing"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/prompt"
)

func TestHeuristicPolicy(t *testing.T) {
	p := HeuristicPolicy{}
	longStatement := strings.Repeat("I have finished editing the note as requested. ", 3)

	cases := []struct {
		name   string
		reply  string
		mode   prompt.Mode
		intent string
		want   bool
	}{
		{"chat intent always final", longStatement, prompt.ModeChat, prompt.IntentChat, true},
		{"chat intent in editor mode", longStatement, prompt.ModeEditor, prompt.IntentChat, true},
		{"non-action mode and intent", longStatement, prompt.ModeChat, prompt.IntentQuestion, true},
		{"editor mode with edit intent", longStatement, prompt.ModeEditor, prompt.IntentEdit, false},
		{"short reply with question intent", "Done.", prompt.ModeEditor, prompt.IntentQuestion, true},
		{"question mark back to the user", "Which note did you mean: daily or weekly? Both exist in the vault and could match.", prompt.ModeEditor, prompt.IntentQuestion, true},
		{"short reply with edit intent", "Done.", prompt.ModeEditor, prompt.IntentEdit, false},
		{"malformed tool tag", "Let me call <read_note>\n<path>a.md</path>\n</read_note>", prompt.ModeChat, prompt.IntentChat, false},
		{"tag inside fence is prose", "Use this syntax:\n```\n<read_note></read_note>\n```", prompt.ModeChat, prompt.IntentChat, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.IsFinalAnswer(tc.reply, tc.mode, tc.intent); got != tc.want {
				t.Errorf("IsFinalAnswer = %v, want %v", got, tc.want)
			}
		})
	}
}
