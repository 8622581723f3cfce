package llm

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
)

const snippetLimit = 300

// ExtractObject recovers a JSON object from a model response string.
//
// Ordered attempts, first success wins:
//  1. strip a wrapping markdown fence and parse directly,
//  2. parse the substring from the first '{' to the last '}'.
//
// The greedy brace match is a known approximation: braces inside string
// literals or multiple independent objects can defeat it.
func ExtractObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		// Single-line fenced content is kept intact.
		if len(lines) > 2 {
			lines = lines[1 : len(lines)-1]
		}
		trimmed = strings.TrimSpace(strings.Join(lines, "\n"))
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(trimmed), &result); err == nil {
		return result, nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		result = nil
		if err := json.Unmarshal([]byte(candidate), &result); err == nil {
			return result, nil
		}
	}

	// Only a bounded snippet leaves this function; raw model output is never
	// surfaced to callers.
	return nil, xerrors.New(CodeMalformedOutput,
		"model returned invalid JSON",
		xerrors.WithMetadata("snippet", Snippet(trimmed)))
}

// Snippet returns a single-line diagnostic excerpt of at most 300 bytes,
// cut on a rune boundary so the excerpt stays valid UTF-8.
func Snippet(text string) string {
	if len(text) > snippetLimit {
		cut := snippetLimit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return strings.ReplaceAll(text, "\n", " ")
}
