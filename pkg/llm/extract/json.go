package extract

import (
	"encoding/json"
	"strings"
)

// jsonPatterns cover the whitespace variations models produce when emitting
// a tool call as a bare JSON object in free text.
var jsonPatterns = []string{
	`{"tool":`,
	`{ "tool":`,
	`{"tool" :`,
	`{ "tool" :`,
}

// proseMarkers are phrases that indicate an argument key is leaked
// conversational text rather than a parameter name. Models occasionally
// stutter mid-call and mix prose into the JSON.
var proseMarkers = []string{
	"I'll", "Let me", "Here's", "I can", "I need", "First", "Now", "The ",
}

// JSONDetector recognizes tool calls encoded as {"tool": ..., "args": {...}}
// objects embedded in free text. It is the most generic detector and runs
// last.
type JSONDetector struct{}

// NewJSONDetector creates the JSON-in-text detector.
func NewJSONDetector() *JSONDetector { return &JSONDetector{} }

func (d *JSONDetector) Name() string         { return "json" }
func (d *JSONDetector) Format() SourceFormat { return FormatJSON }

// Detect scans for complete JSON tool-call objects. An object whose closing
// brace has not arrived yet is skipped entirely: judgment is deferred until
// more text is available.
func (d *JSONDetector) Detect(text string) []Match {
	var out []Match
	search := 0
	for search < len(text) {
		rel := firstJSONPatternIndex(text[search:])
		if rel < 0 {
			break
		}
		start := search + rel
		end, ok := completeJSONObjectEnd(text[start:])
		if !ok {
			break // incomplete object at the tail, defer
		}
		raw := text[start : start+end+1]
		if m, found := parseJSONCall(raw); found {
			m.Start = start
			m.End = start + end + 1
			m.Candidate.Raw = raw
			out = append(out, m)
		}
		search = start + end + 1
	}
	return out
}

// parseJSONCall decodes one matched object. An unparsable args payload
// produces a malformed-flagged candidate rather than nothing, so validation
// can surface the failure to the model.
func parseJSONCall(raw string) (Match, bool) {
	var call struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return Match{}, false
	}
	if call.Tool == "" {
		return Match{}, false
	}

	c := Candidate{ToolName: call.Tool, Arguments: map[string]interface{}{}}
	if len(call.Args) > 0 {
		var args map[string]interface{}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			c.Malformed = true
		} else if argsContainProse(args) {
			c.Malformed = true
		} else {
			c.Arguments = args
		}
	}
	return Match{Candidate: c}, true
}

// argsContainProse detects keys that are leaked model prose: over-long keys,
// keys containing newlines, or keys carrying common response phrases.
func argsContainProse(args map[string]interface{}) bool {
	for key := range args {
		if len(key) > 100 || strings.Contains(key, "\n") {
			return true
		}
		for _, marker := range proseMarkers {
			if strings.Contains(key, marker) {
				return true
			}
		}
	}
	return false
}

func firstJSONPatternIndex(text string) int {
	best := -1
	for _, p := range jsonPatterns {
		if pos := strings.Index(text, p); pos >= 0 && (best < 0 || pos < best) {
			best = pos
		}
	}
	return best
}

func lastJSONPatternIndex(text string) int {
	best := -1
	for _, p := range jsonPatterns {
		if pos := strings.LastIndex(text, p); pos > best {
			best = pos
		}
	}
	return best
}

// completeJSONObjectEnd returns the byte index of the closing brace of the
// first complete JSON object in text, tracking string and escape state so
// braces inside string values do not miscount.
func completeJSONObjectEnd(text string) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	started := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
				started = true
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 && started {
					return i, true
				}
			}
		}
	}
	return 0, false
}
