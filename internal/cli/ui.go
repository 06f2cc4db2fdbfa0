package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fatih/color"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/protocol"
	"github.com/blueberrycongee/Lumina-Note-sub000/internal/state"
)

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

// attachRenderer subscribes console rendering and structured logging to the
// state event stream. Console output is itself a subscriber, not a side
// channel inside the loop.
func attachRenderer(sm *state.Manager, logger *slog.Logger) {
	sm.On(state.EventMessage, func(ev state.Event) {
		msg, ok := ev.Payload.(state.Message)
		if !ok {
			return
		}
		switch {
		case msg.Role == state.RoleAssistant:
			fmt.Println(color.GreenString("agent> ") + msg.Content)
		case strings.HasPrefix(msg.Content, "<tool_result"):
			fmt.Println(color.HiBlackString(firstLine(msg.Content)))
		}
	})

	sm.On(state.EventToolCall, func(ev state.Event) {
		payload, ok := ev.Payload.(state.ToolCallPayload)
		if !ok {
			return
		}
		fmt.Println(color.YellowString("tool>  %s %s", payload.Name, compactParams(payload.Params)))
	})

	sm.On(state.EventStatusChange, func(ev state.Event) {
		payload, ok := ev.Payload.(state.StatusChangePayload)
		if !ok {
			return
		}
		logger.Debug("status change", "from", payload.Previous, "to", payload.New)
		switch payload.New {
		case state.StatusWaitingApproval:
			fmt.Println(color.RedString("approval needed — approve? [y/N]"))
		case state.StatusWaitingUser:
			fmt.Println(color.MagentaString("(the agent is waiting for your answer)"))
		case state.StatusCompleted:
			fmt.Println(color.HiBlackString("(task completed)"))
		case state.StatusError:
			fmt.Println(color.RedString("(task failed)"))
		case state.StatusAborted:
			fmt.Println(color.HiBlackString("(task aborted)"))
		}
	})

	sm.On(state.EventError, func(ev state.Event) {
		payload, ok := ev.Payload.(state.ErrorPayload)
		if !ok {
			return
		}
		logger.Error("agent error", "error", payload.Error)
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func compactParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	if path := protocol.StringParam(params, "path"); path != "" {
		return path
	}
	parts := make([]string, 0, len(params))
	for k := range params {
		parts = append(parts, k)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
