package toolgov

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ExtractedCall is a tool call recovered from assistant content markup.
type ExtractedCall struct {
	ID        string
	Name      string
	Arguments string
}

// Recognized markup shapes. Extraction is strictly opt-in and strictly
// scoped: anything that does not match one of these exactly leaves the
// content untouched, so genuine model errors stay visible.
var (
	invokeRe  = regexp.MustCompile(`(?s)<invoke name="([a-zA-Z0-9_]+)">\s*(\{.*?\})\s*</invoke>`)
	bracketRe = regexp.MustCompile(`(?s)\[tool_call:([a-zA-Z0-9_]+)\]\s*(\{.*\})`)
	fencedRe  = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
)

// ExtractFromContent scans content for one embedded tool call. It returns the
// call, the content with the markup removed, and whether a shape matched.
func ExtractFromContent(content string) (*ExtractedCall, string, bool) {
	if m := invokeRe.FindStringSubmatchIndex(content); m != nil {
		name := content[m[2]:m[3]]
		args := content[m[4]:m[5]]
		rest := strings.TrimSpace(content[:m[0]] + content[m[1]:])
		return newCall(name, args), rest, true
	}

	if m := bracketRe.FindStringSubmatchIndex(content); m != nil {
		name := content[m[2]:m[3]]
		args := content[m[4]:m[5]]
		rest := strings.TrimSpace(content[:m[0]] + content[m[1]:])
		return newCall(name, args), rest, true
	}

	if m := fencedRe.FindStringSubmatchIndex(content); m != nil {
		blob := content[m[2]:m[3]]
		// The fenced form must be a {"name": ..., "arguments": ...} document;
		// arbitrary fenced JSON is not a tool call.
		var doc struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(blob), &doc); err != nil || doc.Name == "" || len(doc.Arguments) == 0 {
			return nil, content, false
		}
		args := string(doc.Arguments)
		// Arguments given as a JSON string are unwrapped once.
		var inner string
		if err := json.Unmarshal(doc.Arguments, &inner); err == nil {
			args = inner
		}
		rest := strings.TrimSpace(content[:m[0]] + content[m[1]:])
		return newCall(doc.Name, args), rest, true
	}

	return nil, content, false
}

func newCall(name, args string) *ExtractedCall {
	return &ExtractedCall{
		ID:        "call_" + uuid.NewString(),
		Name:      name,
		Arguments: args,
	}
}
