package agent

import (
	"fmt"

	"github.com/loomhq/loom/pkg/agent/tools"
	"github.com/loomhq/loom/pkg/llm/extract"
	"github.com/loomhq/loom/pkg/logging"
)

// CheckedInvocation is the validator's per-candidate verdict. Either the
// invocation passed and is ready to dispatch, or Reject holds the synthetic
// failed result that takes its place in history.
type CheckedInvocation struct {
	Invocation ToolInvocation
	Reject     *ToolResult
}

// Validator checks extracted candidates against the tool manifest and
// collapses duplicates. It is stateless between calls and idempotent: the
// same candidate list always yields the same verdicts.
type Validator struct {
	registry *tools.Registry
	log      *logging.Logger
}

// NewValidator creates a validator over the given read-only registry.
func NewValidator(registry *tools.Registry) *Validator {
	log, _ := logging.NewLogger("validate")
	return &Validator{registry: registry, log: log}
}

// Validate screens candidates in order and returns one verdict per surviving
// candidate.
//
// Rejections become synthetic failed results rather than silent drops, so
// the model sees its mistake next turn: malformed payloads, unknown tool
// names, and schema violations all fail through. Candidates with an empty
// tool name yield nothing at all (logged only). Duplicate identities within
// the turn collapse to one occurrence; when a native-format and a
// text-format candidate share an identity, the native one is authoritative.
func (v *Validator) Validate(candidates []extract.Candidate) []CheckedInvocation {
	deduped := dedupe(candidates)

	verdicts := make([]CheckedInvocation, 0, len(deduped))
	for _, c := range deduped {
		if c.ToolName == "" {
			v.log.Debugf("dropping candidate with empty tool name at offset %d", c.SourceOffset)
			continue
		}
		verdicts = append(verdicts, v.check(c))
	}
	return verdicts
}

// check validates one candidate against the manifest.
func (v *Validator) check(c extract.Candidate) CheckedInvocation {
	if c.Malformed {
		r := failedResult(c.Identity, c.ToolName, ErrorKindParse,
			fmt.Sprintf("arguments for %q could not be parsed", c.ToolName))
		return CheckedInvocation{Reject: &r}
	}

	tool, known := v.registry.Get(c.ToolName)
	if !known {
		r := failedResult(c.Identity, c.ToolName, ErrorKindUnknownTool,
			fmt.Sprintf("no tool named %q is available", c.ToolName))
		return CheckedInvocation{Reject: &r}
	}

	coerced, err := tools.ValidateArgs(tool.Schema(), c.Arguments)
	if err != nil {
		r := failedResult(c.Identity, c.ToolName, ErrorKindValidation, err.Error())
		return CheckedInvocation{Reject: &r}
	}

	return CheckedInvocation{Invocation: ToolInvocation{
		Identity:     c.Identity,
		ToolName:     c.ToolName,
		Arguments:    coerced,
		SourceFormat: string(c.SourceFormat),
		SourceOffset: c.SourceOffset,
	}}
}

// dedupe collapses candidates sharing an identity, preferring native-format
// occurrences and otherwise keeping the first.
func dedupe(candidates []extract.Candidate) []extract.Candidate {
	out := make([]extract.Candidate, 0, len(candidates))
	byIdentity := make(map[string]int, len(candidates))

	for _, c := range candidates {
		prev, seen := byIdentity[c.Identity]
		if !seen {
			byIdentity[c.Identity] = len(out)
			out = append(out, c)
			continue
		}
		if c.SourceFormat == extract.FormatNative && out[prev].SourceFormat != extract.FormatNative {
			out[prev] = c
		}
	}
	return out
}
