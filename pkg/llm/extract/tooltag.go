package extract

import (
	"encoding/xml"
	"strings"
)

// maxElementSize bounds how much text a single tool element may span.
const maxElementSize = 10 * 1024 * 1024

// toolElement mirrors the element dialect's XML structure.
type toolElement struct {
	XMLName   xml.Name       `xml:"tool"`
	ToolName  string         `xml:"tool_name"`
	Arguments argumentsBlock `xml:"arguments"`
}

// argumentsBlock holds the raw inner XML of the arguments element.
type argumentsBlock struct {
	InnerXML []byte `xml:",innerxml"`
}

// ToolXMLDetector recognizes the element dialect:
//
//	<tool>
//	<tool_name>shell</tool_name>
//	<arguments>
//	  <command>ls -la</command>
//	</arguments>
//	</tool>
//
// Each argument is one child element under <arguments>; values are plain
// strings here and coerced against the tool's schema by the validator.
type ToolXMLDetector struct{}

// NewToolXMLDetector creates the element-dialect detector.
func NewToolXMLDetector() *ToolXMLDetector { return &ToolXMLDetector{} }

func (d *ToolXMLDetector) Name() string         { return "tool_xml" }
func (d *ToolXMLDetector) Format() SourceFormat { return FormatToolXML }

// Detect scans for complete <tool>...</tool> elements. Only the bare tag
// form is matched; <tool name="..."> belongs to the attribute dialect.
func (d *ToolXMLDetector) Detect(text string) []Match {
	var out []Match
	search := 0
	for {
		start, ok := d.nextBareToolTag(text, search)
		if !ok {
			break
		}
		end, complete := elementEnd(text[start:])
		if !complete {
			break // incomplete element at the tail, defer
		}
		if end > maxElementSize {
			search = start + len("<tool>")
			continue
		}
		raw := text[start : start+end]
		if c, found := d.parse(raw); found {
			out = append(out, Match{Start: start, End: start + end, Candidate: c})
		}
		search = start + end
	}
	return out
}

// nextBareToolTag finds the next "<tool>" or "<tool\n" opening, skipping
// "<tool name=" and "<tool_name>" occurrences.
func (d *ToolXMLDetector) nextBareToolTag(text string, from int) (int, bool) {
	for {
		rel := strings.Index(text[from:], "<tool")
		if rel < 0 {
			return 0, false
		}
		pos := from + rel
		rest := text[pos+len("<tool"):]
		if strings.HasPrefix(rest, ">") || strings.HasPrefix(rest, "\n") || strings.HasPrefix(rest, "\r") {
			return pos, true
		}
		from = pos + len("<tool")
	}
}

func (d *ToolXMLDetector) parse(raw string) (Candidate, bool) {
	var el toolElement
	if err := unmarshalXMLWithFallback([]byte(raw), &el); err != nil {
		return Candidate{}, false
	}
	if el.ToolName == "" {
		return Candidate{}, false
	}

	c := Candidate{ToolName: el.ToolName, Raw: raw, Arguments: map[string]interface{}{}}
	if len(el.Arguments.InnerXML) > 0 {
		wrapped := append([]byte("<arguments>"), el.Arguments.InnerXML...)
		wrapped = append(wrapped, []byte("</arguments>")...)
		args, err := xmlChildrenToMap(wrapped, "arguments")
		if err != nil {
			// Recognized call with an unparsable argument payload: flag it
			// and let validation surface the failure to the model.
			c.Malformed = true
		} else {
			c.Arguments = args
		}
	}
	return c, true
}
