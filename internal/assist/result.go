package assist

import (
	"encoding/json"
	"strings"

	"codeloft/api/internal/store"
)

// Command is a suggested shell invocation, e.g. {"npm", ["install"]}.
type Command struct {
	MainItem string   `json:"mainItem"`
	Commands []string `json:"commands"`
}

// Result is the structured form of a model reply. Text is always set; the
// other fields are present only when the model produced them.
type Result struct {
	Text         string         `json:"text"`
	FileTree     store.FileTree `json:"fileTree,omitempty"`
	BuildCommand *Command       `json:"buildCommand,omitempty"`
	StartCommand *Command       `json:"startCommand,omitempty"`
}

const fallbackText = "I've processed your request."

// Parse interprets a raw model reply: a strict JSON parse first, then a
// plain-text fallback so the output is always displayable.
func Parse(raw string) Result {
	cleaned := stripFences(strings.TrimSpace(raw))

	var result Result
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return Result{Text: raw}
	}
	if result.Text == "" {
		if result.FileTree == nil && result.BuildCommand == nil && result.StartCommand == nil {
			// Valid JSON but not our shape (e.g. a bare number or array).
			return Result{Text: raw}
		}
		result.Text = fallbackText
	}
	return result
}

// CommandSummary renders the suggested build/start commands as a chat line,
// or "" when the result carries none.
func (r Result) CommandSummary() string {
	var lines []string
	if r.BuildCommand != nil {
		lines = append(lines, "Build: "+r.BuildCommand.MainItem+" "+strings.Join(r.BuildCommand.Commands, " "))
	}
	if r.StartCommand != nil {
		lines = append(lines, "Start: "+r.StartCommand.MainItem+" "+strings.Join(r.StartCommand.Commands, " "))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Suggested commands:\n" + strings.Join(lines, "\n")
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
