package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	iristools "github.com/petal-labs/iris/tools"

	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/tool"
)

// NoOutput is the final answer used when the model returns neither text nor tool calls.
const NoOutput = "I have no output."

// IrisStepper asks an iris chat provider for the next action, offering the
// run's allowed tools as callable functions.
type IrisStepper struct {
	provider iriscore.Provider
	model    string
	tools    *tool.Registry
	newID    func() string
}

// IrisStepperConfig configures an IrisStepper.
type IrisStepperConfig struct {
	Provider iriscore.Provider

	// Model is used when the run does not name one.
	Model string

	// Tools are offered to the model, filtered per run by its allow-list.
	// If nil, uses tool.DefaultRegistry.
	Tools *tool.Registry

	// NewID generates tool call ids (for testing). If nil, uses uuid.NewString.
	NewID func() string
}

// NewIrisStepper creates a stepper over an iris provider.
func NewIrisStepper(cfg IrisStepperConfig) (*IrisStepper, error) {
	if cfg.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.DefaultRegistry()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &IrisStepper{
		provider: cfg.Provider,
		model:    cfg.Model,
		tools:    cfg.Tools,
		newID:    cfg.NewID,
	}, nil
}

// NewProviderStepper creates an IrisStepper for the named provider
// (openai, anthropic, ollama, ...) from the iris provider registry.
func NewProviderStepper(name, apiKey, model string, tools *tool.Registry) (*IrisStepper, error) {
	provider, err := providers.Create(name, apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return NewIrisStepper(IrisStepperConfig{Provider: provider, Model: model, Tools: tools})
}

// NextAction implements runtime.Stepper.
func (s *IrisStepper) NextAction(ctx context.Context, in runtime.StepInput) (runtime.Action, error) {
	resp, err := s.provider.Chat(ctx, s.toRequest(in))
	if err != nil {
		return runtime.Action{}, fmt.Errorf("provider chat failed: %w", err)
	}
	if resp == nil {
		return runtime.Action{}, errors.New("provider chat returned no response")
	}
	return s.fromResponse(resp), nil
}

// toRequest builds the chat request for one step: system prompt, the user
// message, then every resolved call as an assistant call plus its tool result.
func (s *IrisStepper) toRequest(in runtime.StepInput) *iriscore.ChatRequest {
	offered := s.tools.Filter(in.AllowedTools)

	messages := make([]iriscore.Message, 0, 2+2*len(in.History))
	messages = append(messages,
		iriscore.Message{Role: iriscore.RoleSystem, Content: systemPrompt(in.Cwd, offered.Names())},
		iriscore.Message{Role: iriscore.RoleUser, Content: in.UserText},
	)

	for _, o := range in.History {
		args, _ := json.Marshal(o.Call.Args)
		messages = append(messages,
			iriscore.Message{
				Role: iriscore.RoleAssistant,
				ToolCalls: []iriscore.ToolCall{{
					ID:        o.Call.ID,
					Name:      o.Call.Name,
					Arguments: args,
				}},
			},
			iriscore.Message{
				Role:        iriscore.RoleTool,
				ToolResults: []iriscore.ToolResult{toolResult(o)},
			},
		)
	}

	model := in.Model
	if model == "" {
		model = s.model
	}

	specs := offered.Describe()
	defs := make([]iriscore.Tool, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, toolDef{spec: spec})
	}

	return &iriscore.ChatRequest{
		Model:    iriscore.ModelID(model),
		Messages: messages,
		Tools:    defs,
	}
}

func toolResult(o runtime.ToolOutcome) iriscore.ToolResult {
	if o.Rejected {
		content := "Rejected by user."
		if o.Reason != "" {
			content = "Rejected by user: " + o.Reason
		}
		return iriscore.ToolResult{CallID: o.Call.ID, Content: content, IsError: true}
	}
	return iriscore.ToolResult{
		CallID:  o.Call.ID,
		Content: o.Result.Output,
		IsError: !o.Result.OK,
	}
}

// fromResponse turns tool calls into proposals and plain output into a final answer.
func (s *IrisStepper) fromResponse(resp *iriscore.ChatResponse) runtime.Action {
	if len(resp.ToolCalls) == 0 {
		text := strings.TrimSpace(resp.Output)
		if text == "" {
			text = NoOutput
		}
		return runtime.Action{Final: text}
	}

	calls := make([]tool.Call, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		calls[i] = tool.Call{
			ID:   s.newID(),
			Name: tc.Name,
			Args: parseArgs(tc.Arguments),
		}
	}
	return runtime.Action{ToolCalls: calls}
}

// parseArgs decodes tool arguments, keeping anything that is not a JSON
// object under "_raw".
func parseArgs(raw json.RawMessage) map[string]any {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{"_raw": string(raw)}
	}
	return args
}

func systemPrompt(cwd string, allowed []string) string {
	allowedStr := "(none)"
	if len(allowed) > 0 {
		allowedStr = strings.Join(allowed, ", ")
	}
	return "You are a senior coding agent. You must be precise, safe, and actionable.\n" +
		"Working directory: " + cwd + "\n" +
		"Allowed tools: " + allowedStr + "\n\n" +
		"Rules:\n" +
		"1) If you need to inspect or change files, use tools instead of guessing.\n" +
		"2) Prefer small, correct steps.\n" +
		"3) When calling a tool, only call allowed tools and provide valid JSON args.\n" +
		"4) If no tool is needed, respond with a clear final answer.\n"
}

// toolDef exposes a tool.Spec as an iris tool definition.
type toolDef struct {
	spec tool.Spec
}

func (d toolDef) Name() string        { return d.spec.Name }
func (d toolDef) Description() string { return d.spec.Description }

func (d toolDef) Schema() iristools.ToolSchema {
	schema := d.spec.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return iristools.ToolSchema{JSONSchema: schema}
}

var (
	_ runtime.Stepper = (*IrisStepper)(nil)
	_ iriscore.Tool   = toolDef{}
)
