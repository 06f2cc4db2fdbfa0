// Package protocol decodes LLM replies into tool calls and encodes tool
// results back into messages the model can read.
//
// Two wire forms are supported: structured function calls returned by the
// provider (preferred) and pseudo-XML tags embedded in free text. Both decode
// into the same ParsedReply; callers never touch the raw text past decode time.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/blueberrycongee/Lumina-Note-sub000/internal/provider"
)

// Reserved tool names handled by the agent loop itself, never routed through
// the tool registry.
const (
	ActionAttemptCompletion = "attempt_completion"
	ActionAskUser           = "ask_user"
)

// IsProtocolAction reports whether name is a reserved protocol action.
func IsProtocolAction(name string) bool {
	return name == ActionAttemptCompletion || name == ActionAskUser
}

// ToolCall is a single decoded tool invocation.
type ToolCall struct {
	ID     string
	Name   string
	Params map[string]any
	Raw    string
}

// ParsedReply is the decoded form of an LLM reply.
type ParsedReply struct {
	ToolCalls    []ToolCall
	IsCompletion bool
	Structured   bool
}

// Parse scans replyText for tag-delimited tool calls. Only tags whose name is
// in knownTools (or a protocol action) are recognized; everything else is
// treated as prose. Tags inside fenced code blocks are ignored.
func Parse(replyText string, knownTools []string) ParsedReply {
	recognized := make(map[string]bool, len(knownTools)+2)
	for _, name := range knownTools {
		recognized[strings.TrimSpace(name)] = true
	}
	recognized[ActionAttemptCompletion] = true
	recognized[ActionAskUser] = true

	masked := maskFencedBlocks(replyText)

	var reply ParsedReply
	pos := 0
	for pos < len(masked) {
		open := strings.IndexByte(masked[pos:], '<')
		if open < 0 {
			break
		}
		open += pos
		name, nameEnd := readTagName(masked, open)
		if name == "" || !recognized[name] {
			pos = open + 1
			continue
		}
		closeTag := "</" + name + ">"
		end := strings.Index(masked[nameEnd:], closeTag)
		if end < 0 {
			pos = open + 1
			continue
		}
		end += nameEnd
		inner := replyText[nameEnd:end]
		call := ToolCall{
			Name:   name,
			Params: parseParams(inner, name),
			Raw:    replyText[open : end+len(closeTag)],
		}
		reply.ToolCalls = append(reply.ToolCalls, call)
		if name == ActionAttemptCompletion {
			reply.IsCompletion = true
		}
		pos = end + len(closeTag)
	}
	return reply
}

// DecodeStructured converts provider function calls into a ParsedReply.
// When the provider returns structured calls they take precedence over any
// tag text in the reply; callers should not Parse the text separately.
func DecodeStructured(calls []provider.ToolCall) ParsedReply {
	reply := ParsedReply{Structured: true}
	for _, tc := range calls {
		params := tc.Arguments
		if params == nil {
			params = map[string]any{}
		}
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:     tc.ID,
			Name:   tc.Name,
			Params: params,
		})
		if tc.Name == ActionAttemptCompletion {
			reply.IsCompletion = true
		}
	}
	return reply
}

// EncodeResult wraps a tool result in a tagged block addressed to the tool,
// suitable for appending to the transcript as the next user-role message.
func EncodeResult(toolName string, success bool, content, errText string) string {
	if success {
		return fmt.Sprintf("<tool_result tool=%q>\n%s\n</tool_result>", toolName, strings.TrimSpace(content))
	}
	body := strings.TrimSpace(errText)
	if body == "" {
		body = strings.TrimSpace(content)
	}
	return fmt.Sprintf("<tool_result tool=%q status=\"error\">\n%s\n</tool_result>", toolName, body)
}

// NoToolUsedPrompt is the fixed nudge injected when the model replied without
// a tool call or an explicit completion.
func NoToolUsedPrompt() string {
	return "You did not use a tool in your previous response. Respond with a tool " +
		"call in the required tag format, or use <attempt_completion> with a " +
		"<result> to finish the task, or <ask_user> with a <question> if you " +
		"need input from the user."
}

// FormatCalls serializes decoded calls back into tag form. The loop uses this
// in structured mode so the transcript reads the same regardless of which
// wire form the provider used.
func FormatCalls(calls []ToolCall) string {
	var sb strings.Builder
	for i, call := range calls {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if call.Raw != "" {
			sb.WriteString(call.Raw)
			continue
		}
		sb.WriteString("<" + call.Name + ">\n")
		for _, key := range sortedKeys(call.Params) {
			sb.WriteString(fmt.Sprintf("<%s>%s</%s>\n", key, paramString(call.Params[key]), key))
		}
		sb.WriteString("</" + call.Name + ">")
	}
	return sb.String()
}

// OptionsFromParams extracts the options list of an ask_user call. The value
// may arrive as a JSON array, a native list, or newline-separated text.
func OptionsFromParams(params map[string]any) []string {
	raw, ok := params["options"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s := strings.TrimSpace(fmt.Sprint(item))
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		if strings.HasPrefix(trimmed, "[") {
			var list []string
			if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
				return list
			}
		}
		var out []string
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
			if line != "" {
				out = append(out, line)
			}
		}
		return out
	default:
		return nil
	}
}

// StringParam returns a string parameter, tolerating non-string JSON values.
func StringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// HasLikelyToolTag reports whether text contains a tag-like substring that
// suggests a malformed tool call, after removing <thinking> blocks and fenced
// code. Used by the final-answer heuristic.
func HasLikelyToolTag(text string) bool {
	cleaned := StripThinking(maskFencedBlocks(text))
	pos := 0
	for pos < len(cleaned) {
		open := strings.IndexByte(cleaned[pos:], '<')
		if open < 0 {
			return false
		}
		open += pos
		name, nameEnd := readTagName(cleaned, open)
		if name != "" && strings.Contains(cleaned[nameEnd:], "</"+name+">") {
			return true
		}
		pos = open + 1
	}
	return false
}

// StripThinking removes <thinking>...</thinking> blocks from text.
func StripThinking(text string) string {
	for {
		start := strings.Index(text, "<thinking>")
		if start < 0 {
			return text
		}
		end := strings.Index(text[start:], "</thinking>")
		if end < 0 {
			return text[:start]
		}
		text = text[:start] + text[start+end+len("</thinking>"):]
	}
}

// maskFencedBlocks replaces the contents of ``` fenced regions with spaces so
// tag scans skip them while byte offsets stay aligned with the original text.
func maskFencedBlocks(text string) string {
	out := []byte(text)
	pos := 0
	for {
		start := strings.Index(text[pos:], "```")
		if start < 0 {
			break
		}
		start += pos
		end := strings.Index(text[start+3:], "```")
		if end < 0 {
			for i := start; i < len(out); i++ {
				out[i] = ' '
			}
			break
		}
		end += start + 3 + 3
		for i := start; i < end; i++ {
			out[i] = ' '
		}
		pos = end
	}
	return string(out)
}

// readTagName reads an opening tag name starting at the '<' at offset open.
// Returns the name and the offset just past the closing '>'. Returns "" when
// the bytes at open do not form a plain opening tag.
func readTagName(text string, open int) (string, int) {
	i := open + 1
	start := i
	for i < len(text) && isTagNameByte(text[i]) {
		i++
	}
	if i == start || i >= len(text) || text[i] != '>' {
		return "", 0
	}
	return text[start:i], i + 1
}

func isTagNameByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// parseParams extracts <key>value</key> pairs from the inner text of a tool
// tag. A bare attempt_completion body with no tags becomes the result param.
func parseParams(inner, toolName string) map[string]any {
	params := map[string]any{}
	pos := 0
	for pos < len(inner) {
		open := strings.IndexByte(inner[pos:], '<')
		if open < 0 {
			break
		}
		open += pos
		key, keyEnd := readTagName(inner, open)
		if key == "" {
			pos = open + 1
			continue
		}
		closeTag := "</" + key + ">"
		end := strings.Index(inner[keyEnd:], closeTag)
		if end < 0 {
			pos = open + 1
			continue
		}
		end += keyEnd
		params[key] = strings.TrimSpace(inner[keyEnd:end])
		pos = end + len(closeTag)
	}
	if len(params) == 0 && toolName == ActionAttemptCompletion {
		if body := strings.TrimSpace(inner); body != "" {
			params["result"] = body
		}
	}
	return params
}

func paramString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case map[string]any, []any, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
