package extract

import "strings"

// ToolAttrDetector recognizes the attribute dialect:
//
//	<tool name="shell" command="ls -la"/>
//
// The tool name and every argument arrive as key="value" attributes on a
// single tag. Attribute values are plain strings here; the validator coerces
// them against the tool's declared schema.
type ToolAttrDetector struct{}

// NewToolAttrDetector creates the attribute-dialect detector.
func NewToolAttrDetector() *ToolAttrDetector { return &ToolAttrDetector{} }

func (d *ToolAttrDetector) Name() string         { return "tool_attr" }
func (d *ToolAttrDetector) Format() SourceFormat { return FormatToolAttrXML }

// Detect scans for complete <tool name="..."> elements. The bare-element
// dialect (<tool> with no attributes) belongs to the ToolXMLDetector and is
// not matched here.
func (d *ToolAttrDetector) Detect(text string) []Match {
	var out []Match
	search := 0
	for {
		rel := strings.Index(text[search:], "<tool name=")
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

func (d *ToolAttrDetector) parse(raw string) (Candidate, bool) {
	tagEnd := strings.IndexByte(raw, '>')
	if tagEnd < 0 {
		return Candidate{}, false
	}
	attrs := parseAttributes(raw[1:tagEnd])
	name := attrs["name"]
	if name == "" {
		return Candidate{}, false
	}

	args := make(map[string]interface{}, len(attrs)-1)
	for k, v := range attrs {
		if k != "name" {
			args[k] = v
		}
	}
	return Candidate{ToolName: name, Arguments: args, Raw: raw}, true
}
