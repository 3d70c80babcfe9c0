// Package extract recognizes tool invocations embedded in model output.
//
// Providers deliver tool calls in one of several incompatible encodings: a
// native structured payload, JSON embedded in free text, or one of a few
// pseudo-XML dialects. None of them self-declare. The extractor applies a
// priority-ordered set of format detectors (most specific dialect first) to
// the aggregated text and produces candidate invocations with provenance;
// native payloads, when present, are taken verbatim and text detection is
// skipped for the turn.
package extract

import (
	"encoding/json"
	"sort"

	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/logging"
)

// SourceFormat identifies which encoding a candidate was recognized in.
type SourceFormat string

const (
	// FormatNative marks calls delivered as structured payloads out-of-band
	// from text.
	FormatNative SourceFormat = "native"
	// FormatInvokeXML marks the <invoke name="..."><parameter ...> dialect.
	FormatInvokeXML SourceFormat = "invoke_xml"
	// FormatToolAttrXML marks the attribute dialect <tool name="..." arg="v"/>.
	FormatToolAttrXML SourceFormat = "tool_attr_xml"
	// FormatToolXML marks the element dialect <tool><tool_name>...</tool_name>.
	FormatToolXML SourceFormat = "tool_xml"
	// FormatJSON marks JSON objects embedded in free text.
	FormatJSON SourceFormat = "json"
)

// Candidate is one recognized tool invocation, prior to validation.
type Candidate struct {
	// Identity deduplicates the call within a turn: the native call id when
	// present, else a stable hash of (tool, arguments, turn).
	Identity string

	ToolName  string
	Arguments map[string]interface{}

	SourceFormat SourceFormat
	SourceOffset int

	// Malformed flags a recognized call whose argument payload could not be
	// parsed. Malformed candidates are passed through to the validator
	// rather than silently dropped, so the failure becomes visible to the
	// model in the next turn.
	Malformed bool

	// Raw holds the matched text for diagnostics on malformed candidates.
	Raw string
}

// Detector recognizes complete, well-formed calls of one text dialect.
//
// A detector must not guess: a partial pattern at the tail of the available
// text yields no match. Adding a dialect means adding one implementation.
type Detector interface {
	Name() string
	Format() SourceFormat
	// Detect scans text and returns every complete match with its span.
	Detect(text string) []Match
}

// Match is a detector hit with its byte span in the scanned text.
type Match struct {
	Start     int
	End       int
	Candidate Candidate
}

// SchemaLookup reports the declared argument schema for a tool name. The
// extractor consults it before reading a bare invoke body as a command line,
// so an argument is never invented for a tool that cannot take it.
type SchemaLookup func(toolName string) (map[string]interface{}, bool)

// Extractor applies the registered detectors in priority order.
type Extractor struct {
	detectors []Detector
	schemas   SchemaLookup
	log       *logging.Logger
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithSchemaLookup supplies tool schemas for argument-shape decisions.
// Without it, bare invoke bodies are read permissively.
func WithSchemaLookup(lookup SchemaLookup) ExtractorOption {
	return func(e *Extractor) { e.schemas = lookup }
}

// NewExtractor creates an extractor with the default detector set, most
// specific dialect first, most generic last.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	log, _ := logging.NewLogger("extract")
	e := &Extractor{log: log}
	for _, opt := range opts {
		opt(e)
	}
	e.detectors = []Detector{
		NewInvokeDetector(e.schemas),
		NewToolAttrDetector(),
		NewToolXMLDetector(),
		NewJSONDetector(),
	}
	return e
}

// Extract produces the ordered candidate list for one turn.
//
// If the provider delivered native structured calls, those are converted
// verbatim and text detection is skipped entirely: the native payload is
// authoritative for the turn. Otherwise each detector runs against the
// aggregated text and the highest-priority non-overlapping match set is kept,
// scanning left to right.
func (e *Extractor) Extract(turn int, text string, native []llm.NativeToolCall) []Candidate {
	if len(native) > 0 {
		return e.fromNative(turn, native)
	}
	if text == "" {
		return nil
	}

	type scored struct {
		m        Match
		priority int
	}
	var all []scored
	for pri, det := range e.detectors {
		for _, m := range det.Detect(text) {
			if m.Candidate.ToolName == "" {
				e.log.Printf("dropping %s match at offset %d: empty tool name", det.Name(), m.Start)
				continue
			}
			m.Candidate.SourceFormat = det.Format()
			m.Candidate.SourceOffset = m.Start
			all = append(all, scored{m: m, priority: pri})
		}
	}
	if len(all) == 0 {
		return nil
	}

	// Left-to-right selection: earliest start wins, ties go to the
	// higher-priority (more specific) detector, then the shorter span.
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].m.Start != all[j].m.Start {
			return all[i].m.Start < all[j].m.Start
		}
		if all[i].priority != all[j].priority {
			return all[i].priority < all[j].priority
		}
		return all[i].m.End < all[j].m.End
	})

	var out []Candidate
	lastEnd := -1
	for _, s := range all {
		if s.m.Start < lastEnd {
			continue
		}
		c := s.m.Candidate
		if c.Malformed {
			c.Identity = malformedIdentity(c.ToolName, c.Raw, turn)
		} else {
			c.Identity = callIdentity(c.ToolName, c.Arguments, turn)
		}
		out = append(out, c)
		lastEnd = s.m.End
	}
	return out
}

// fromNative converts structured payloads verbatim. Calls with empty tool
// names are logged and skipped, never surfaced as candidates.
func (e *Extractor) fromNative(turn int, calls []llm.NativeToolCall) []Candidate {
	out := make([]Candidate, 0, len(calls))
	for _, call := range calls {
		if call.Name == "" {
			e.log.Printf("skipping native tool call with empty name (id=%s)", call.ID)
			continue
		}
		c := Candidate{
			ToolName:     call.Name,
			SourceFormat: FormatNative,
			SourceOffset: -1,
			Identity:     call.ID,
		}
		if len(call.Arguments) > 0 {
			var args map[string]interface{}
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				c.Malformed = true
				c.Raw = string(call.Arguments)
			} else {
				c.Arguments = args
			}
		}
		if c.Arguments == nil && !c.Malformed {
			c.Arguments = map[string]interface{}{}
		}
		if c.Identity == "" {
			if c.Malformed {
				c.Identity = malformedIdentity(c.ToolName, c.Raw, turn)
			} else {
				c.Identity = callIdentity(c.ToolName, c.Arguments, turn)
			}
		}
		out = append(out, c)
	}
	return out
}

// HasIncompleteCall reports whether the tail of the text looks like a tool
// call that started but did not finish before the stream ended. The turn
// loop uses this to tell the model its output was truncated.
func (e *Extractor) HasIncompleteCall(text string) bool {
	if pos := lastJSONPatternIndex(text); pos >= 0 {
		if _, ok := completeJSONObjectEnd(text[pos:]); !ok {
			return true
		}
	}
	if pos := lastIndex(text, "<invoke"); pos >= 0 && !hasCompleteElement(text[pos:]) {
		return true
	}
	if pos := lastToolTagIndex(text); pos >= 0 && !hasCompleteElement(text[pos:]) {
		return true
	}
	return false
}

// lastToolTagIndex finds the last "<tool" opening that is actually a tool
// tag, skipping <tool_name> children and other tags sharing the prefix.
func lastToolTagIndex(text string) int {
	for pos := lastIndex(text, "<tool"); pos >= 0; pos = lastIndex(text[:pos], "<tool") {
		rest := text[pos+len("<tool"):]
		if rest == "" {
			return pos // tag cut off right at the prefix
		}
		switch rest[0] {
		case '>', ' ', '\t', '\n', '\r', '/':
			return pos
		}
	}
	return -1
}

func lastIndex(s, sub string) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
