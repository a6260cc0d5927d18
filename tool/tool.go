// Package tool defines the tool-call contract used by petalrun runs and the
// registry that executes calls against built-in tools.
//
// Registry.Execute never returns an error: unknown tools, tool failures, and
// panics are all reported as a Result with OK=false, so a run can keep going
// after any single failed call.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxReasonLength bounds the free-text reason attached to a decision.
const MaxReasonLength = 500

// ErrInvalidDecision is returned by Decision.Validate.
var ErrInvalidDecision = errors.New("tool: invalid decision")

// Call is one proposed tool invocation. Args is an open mapping validated by
// the tool itself.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// DecisionKind is the human verdict on a pending call.
type DecisionKind string

const (
	Approve DecisionKind = "approve"
	Reject  DecisionKind = "reject"
)

// Decision resolves one pending call.
type Decision struct {
	CallID   string       `json:"call_id"`
	Decision DecisionKind `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
}

// Validate checks the decision kind, call id, and reason length.
func (d Decision) Validate() error {
	if strings.TrimSpace(d.CallID) == "" {
		return fmt.Errorf("%w: call id is required", ErrInvalidDecision)
	}
	switch d.Decision {
	case Approve, Reject:
	default:
		return fmt.Errorf("%w: decision must be %q or %q, got %q", ErrInvalidDecision, Approve, Reject, d.Decision)
	}
	if len(d.Reason) > MaxReasonLength {
		return fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidDecision, MaxReasonLength)
	}
	return nil
}

// Result is the outcome of executing one call.
type Result struct {
	CallID string `json:"call_id"`
	OK     bool   `json:"ok"`
	Output string `json:"output"`
}

// Tool is a single executable tool.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON schema of the tool's arguments.
	Schema() json.RawMessage

	// RequiresApproval reports whether the tool has side effects a human
	// should confirm.
	RequiresApproval() bool

	// Run executes the tool with cwd as its root directory.
	Run(ctx context.Context, cwd string, args map[string]any) (string, error)
}

// Spec describes a tool for reasoning steps and API listings.
type Spec struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Schema           json.RawMessage `json:"schema"`
	RequiresApproval bool            `json:"requires_approval"`
}

// SpecOf returns the description of t.
func SpecOf(t Tool) Spec {
	return Spec{
		Name:             t.Name(),
		Description:      t.Description(),
		Schema:           t.Schema(),
		RequiresApproval: t.RequiresApproval(),
	}
}

// stringArg returns args[key] as a string. Missing keys yield "" and ok=false.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	default:
		return fmt.Sprint(s), true
	}
}
