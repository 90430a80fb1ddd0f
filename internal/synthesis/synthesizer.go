// Package synthesis composes the final user-facing answer from step
// outcomes. Output is deterministic: identical inputs yield byte-identical
// answers.
package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/taskweave/taskweave"
)

// Synthesizer renders outcomes into one answer. It is stateless and pure;
// a single instance serves concurrent runs.
type Synthesizer struct{}

// New creates a Synthesizer.
func New() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize implements taskweave.Synthesizer. Every success payload is
// incorporated in plan order with stable key ordering; every failure is
// enumerated with its reason. When nothing succeeded the answer is an
// explicit failure summary, never a fabricated result.
func (s *Synthesizer) Synthesize(query string, plan *taskweave.Plan, outcomes []taskweave.Outcome) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Request: %s\n", query)

	if plan.Len() == 0 {
		b.WriteString("\nNo executable plan could be produced for this request, so no tools were invoked.\n")
		return b.String()
	}

	var successes, failures []taskweave.Outcome
	for _, out := range outcomes {
		if out.Succeeded() {
			successes = append(successes, out)
		} else {
			failures = append(failures, out)
		}
	}

	if len(successes) == 0 {
		fmt.Fprintf(&b, "\nAll %d step(s) failed; no results are available.\n", len(outcomes))
	} else {
		b.WriteString("\nResults:\n")
		for _, out := range successes {
			fmt.Fprintf(&b, "- %s (%s):\n", out.StepID, out.ToolName)
			writeValue(&b, out.Payload, "    ")
		}
	}

	if len(failures) > 0 {
		b.WriteString("\nFailed steps:\n")
		for _, out := range failures {
			fmt.Fprintf(&b, "- %s (%s): %s\n", out.StepID, out.ToolName, out.Reason)
		}
	}

	return b.String()
}

// writeValue renders a payload value with recursively sorted map keys so
// the output is stable across runs.
func writeValue(b *strings.Builder, value any, indent string) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch child := v[k].(type) {
			case map[string]any, []any:
				fmt.Fprintf(b, "%s%s:\n", indent, k)
				writeValue(b, child, indent+"  ")
			default:
				fmt.Fprintf(b, "%s%s: %v\n", indent, k, child)
			}
		}

	case []any:
		for _, item := range v {
			switch child := item.(type) {
			case map[string]any, []any:
				fmt.Fprintf(b, "%s-\n", indent)
				writeValue(b, child, indent+"  ")
			default:
				fmt.Fprintf(b, "%s- %v\n", indent, child)
			}
		}

	default:
		fmt.Fprintf(b, "%s%v\n", indent, v)
	}
}
