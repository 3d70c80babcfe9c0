package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// parameterRegex captures <parameter name="key">value</parameter> children
// inside an invoke element.
var parameterRegex = regexp.MustCompile(`(?s)<parameter\s+name="([^"]*)"\s*>(.*?)</parameter>`)

// InvokeDetector recognizes the invoke dialect:
//
//	<invoke name="shell"><parameter name="args">{"command": "ls -la"}</parameter></invoke>
//
// Arguments arrive either as a JSON payload in an "args" parameter or as one
// named parameter per argument. It is the most specific dialect and runs
// first.
type InvokeDetector struct {
	schemas SchemaLookup
}

// NewInvokeDetector creates the invoke-dialect detector. The schema lookup
// may be nil, in which case bare bodies are read permissively.
func NewInvokeDetector(schemas SchemaLookup) *InvokeDetector {
	return &InvokeDetector{schemas: schemas}
}

func (d *InvokeDetector) Name() string         { return "invoke" }
func (d *InvokeDetector) Format() SourceFormat { return FormatInvokeXML }

// Detect scans for complete <invoke> elements. An element whose closing tag
// has not arrived yet is skipped: judgment is deferred until more text is
// available.
func (d *InvokeDetector) Detect(text string) []Match {
	var out []Match
	search := 0
	for {
		rel := strings.Index(text[search:], "<invoke")
		if rel < 0 {
			break
		}
		start := search + rel
		end, ok := elementEnd(text[start:])
		if !ok {
			break // incomplete element at the tail, defer
		}
		raw := text[start : start+end]
		if c, found := d.parse(raw); found {
			out = append(out, Match{Start: start, End: start + end, Candidate: c})
		}
		search = start + end
	}
	return out
}

func (d *InvokeDetector) parse(raw string) (Candidate, bool) {
	tagEnd := strings.IndexByte(raw, '>')
	if tagEnd < 0 {
		return Candidate{}, false
	}
	attrs := parseAttributes(raw[1:tagEnd])
	name := attrs["name"]
	if name == "" {
		return Candidate{}, false
	}

	c := Candidate{ToolName: name, Raw: raw, Arguments: map[string]interface{}{}}
	body := raw[tagEnd+1:]
	if idx := strings.LastIndex(body, "</invoke>"); idx >= 0 {
		body = body[:idx]
	}

	params := parameterRegex.FindAllStringSubmatch(body, -1)
	if len(params) == 0 {
		// No parameter children: bare inner content is either a JSON
		// payload or, for command-taking tools, a raw command line.
		content := strings.TrimSpace(body)
		if content == "" {
			return c, true
		}
		if args, ok := decodeArgsJSON(content); ok {
			c.Arguments = args
		} else if d.takesCommand(name) {
			c.Arguments = map[string]interface{}{"command": collapseWhitespace(content)}
		} else {
			c.Malformed = true
		}
		return c, true
	}

	for _, p := range params {
		key, value := p[1], strings.TrimSpace(p[2])
		if key == "args" {
			if args, ok := decodeArgsJSON(value); ok {
				for k, v := range args {
					c.Arguments[k] = v
				}
			} else if looksLikeJSON(value) {
				// The payload was meant to be JSON but does not parse.
				c.Malformed = true
			} else if d.takesCommand(name) {
				c.Arguments["command"] = collapseWhitespace(value)
			} else {
				c.Malformed = true
			}
			continue
		}
		if key != "" {
			c.Arguments[key] = value
		}
	}
	return c, true
}

// takesCommand reports whether the named tool declares a "command" argument.
// Unknown tools stay permissive: the validator rejects them by name anyway.
func (d *InvokeDetector) takesCommand(name string) bool {
	if d.schemas == nil {
		return true
	}
	schema, ok := d.schemas(name)
	if !ok {
		return true
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = props["command"]
	return ok
}

// decodeArgsJSON parses a JSON object argument payload. Non-object JSON is
// rejected so a bare string or array is not silently accepted as arguments.
func decodeArgsJSON(content string) (map[string]interface{}, bool) {
	if !looksLikeJSON(content) {
		return nil, false
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(content), &args); err != nil {
		return nil, false
	}
	return args, true
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
