// Package agent provides the reasoning steps that drive a run: a rule-based
// fallback that needs no model, and an LLM stepper built on iris providers.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/tool"
)

var (
	writePattern = regexp.MustCompile(`^write\s+(?P<path>[^:]+)::(?P<content>[\s\S]*)$`)
	readPattern  = regexp.MustCompile(`^read\s+(?P<path>.+)$`)
)

// RuleStepper maps a few literal commands onto built-in tools:
//
//	write <path>::<content>   proposes write_file
//	read <path>               proposes read_file
//
// Anything else is echoed back as the final answer. Once the run has
// resolved a tool call, the next step reports the outcomes and finishes.
type RuleStepper struct {
	// NewID generates tool call ids. If nil, uses uuid.NewString.
	NewID func() string
}

// NextAction implements runtime.Stepper.
func (s RuleStepper) NextAction(_ context.Context, in runtime.StepInput) (runtime.Action, error) {
	if len(in.History) > 0 {
		return runtime.Action{Final: summarize(in.History)}, nil
	}

	text := strings.TrimSpace(in.UserText)
	if m := writePattern.FindStringSubmatch(text); m != nil {
		return s.propose("write_file", map[string]any{
			"path":    strings.TrimSpace(m[writePattern.SubexpIndex("path")]),
			"content": m[writePattern.SubexpIndex("content")],
		}), nil
	}
	if m := readPattern.FindStringSubmatch(text); m != nil {
		return s.propose("read_file", map[string]any{
			"path": strings.TrimSpace(m[readPattern.SubexpIndex("path")]),
		}), nil
	}
	return runtime.Action{Final: "Echo: " + text}, nil
}

func (s RuleStepper) propose(name string, args map[string]any) runtime.Action {
	newID := s.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return runtime.Action{ToolCalls: []tool.Call{{ID: newID(), Name: name, Args: args}}}
}

// summarize renders one line per resolved call, oldest first.
func summarize(history []runtime.ToolOutcome) string {
	lines := make([]string, 0, len(history))
	for _, o := range history {
		switch {
		case o.Rejected && o.Reason != "":
			lines = append(lines, fmt.Sprintf("%s was rejected: %s", o.Call.Name, o.Reason))
		case o.Rejected:
			lines = append(lines, fmt.Sprintf("%s was rejected.", o.Call.Name))
		case o.Result.OK:
			lines = append(lines, fmt.Sprintf("%s: %s", o.Call.Name, o.Result.Output))
		default:
			lines = append(lines, fmt.Sprintf("%s failed: %s", o.Call.Name, o.Result.Output))
		}
	}
	return strings.Join(lines, "\n")
}

var _ runtime.Stepper = RuleStepper{}
