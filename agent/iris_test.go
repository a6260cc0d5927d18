package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/tool"
)

// mockProvider implements iriscore.Provider for testing.
type mockProvider struct {
	id           string
	chatResponse *iriscore.ChatResponse
	chatError    error
	capturedReq  *iriscore.ChatRequest
}

func (m *mockProvider) ID() string { return m.id }

func (m *mockProvider) Chat(_ context.Context, req *iriscore.ChatRequest) (*iriscore.ChatResponse, error) {
	m.capturedReq = req
	if m.chatError != nil {
		return nil, m.chatError
	}
	return m.chatResponse, nil
}

func (m *mockProvider) StreamChat(context.Context, *iriscore.ChatRequest) (*iriscore.ChatStream, error) {
	return nil, nil
}

func (m *mockProvider) Models() []iriscore.ModelInfo {
	return []iriscore.ModelInfo{{ID: "mock-model"}}
}

func (m *mockProvider) Supports(f iriscore.Feature) bool {
	return f == iriscore.FeatureChat
}

func newTestStepper(t *testing.T, mock *mockProvider) *IrisStepper {
	t.Helper()
	s, err := NewIrisStepper(IrisStepperConfig{Provider: mock, Model: "default-model", NewID: fixedID})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewIrisStepper_RequiresProvider(t *testing.T) {
	if _, err := NewIrisStepper(IrisStepperConfig{}); err == nil {
		t.Fatal("expected error without provider")
	}
}

func TestNewProviderStepper_UnknownProvider(t *testing.T) {
	_, err := NewProviderStepper("definitely-not-a-provider", "", "", nil)
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	if !strings.Contains(err.Error(), "definitely-not-a-provider") {
		t.Errorf("error = %q, want provider name", err)
	}
}

func TestIrisStepper_FinalAnswer(t *testing.T) {
	mock := &mockProvider{chatResponse: &iriscore.ChatResponse{Output: "  All done.  "}}
	s := newTestStepper(t, mock)

	action, err := s.NextAction(context.Background(), runtime.StepInput{UserText: "hi", Cwd: "/work"})
	if err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	if action.Final != "All done." || len(action.ToolCalls) != 0 {
		t.Errorf("action = %+v", action)
	}

	req := mock.capturedReq
	if req == nil {
		t.Fatal("no request captured")
	}
	if req.Model != "default-model" {
		t.Errorf("Model = %q, want default-model", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != iriscore.RoleSystem {
		t.Errorf("first role = %q, want system", req.Messages[0].Role)
	}
	sys := req.Messages[0].Content
	if !strings.Contains(sys, "Working directory: /work\n") || !strings.Contains(sys, "Allowed tools: echo, read_file, write_file\n") {
		t.Errorf("system prompt = %q", sys)
	}
	if req.Messages[1].Role != iriscore.RoleUser || req.Messages[1].Content != "hi" {
		t.Errorf("user message = %+v", req.Messages[1])
	}
	if len(req.Tools) != 3 {
		t.Errorf("tools offered = %d, want 3", len(req.Tools))
	}
}

func TestIrisStepper_EmptyOutput(t *testing.T) {
	mock := &mockProvider{chatResponse: &iriscore.ChatResponse{Output: "   "}}
	action, err := newTestStepper(t, mock).NextAction(context.Background(), runtime.StepInput{UserText: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if action.Final != NoOutput {
		t.Errorf("Final = %q, want %q", action.Final, NoOutput)
	}
}

func TestIrisStepper_ToolCalls(t *testing.T) {
	mock := &mockProvider{chatResponse: &iriscore.ChatResponse{
		ToolCalls: []iriscore.ToolCall{
			{ID: "provider-1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
			{ID: "provider-2", Name: "echo", Arguments: json.RawMessage(`not json`)},
			{ID: "provider-3", Name: "echo"},
		},
	}}
	action, err := newTestStepper(t, mock).NextAction(context.Background(), runtime.StepInput{
		UserText:     "go",
		Model:        "run-model",
		AllowedTools: []string{"read_file", "echo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(action.ToolCalls) != 3 {
		t.Fatalf("tool calls = %d, want 3", len(action.ToolCalls))
	}
	if c := action.ToolCalls[0]; c.ID != "call-1" || c.Name != "read_file" || c.Args["path"] != "a.txt" {
		t.Errorf("call 0 = %+v", c)
	}
	if raw := action.ToolCalls[1].Args["_raw"]; raw != "not json" {
		t.Errorf("call 1 _raw = %v", raw)
	}
	if args := action.ToolCalls[2].Args; args == nil || len(args) != 0 {
		t.Errorf("call 2 args = %v, want empty map", args)
	}

	req := mock.capturedReq
	if req.Model != "run-model" {
		t.Errorf("Model = %q, want run-model", req.Model)
	}
	if len(req.Tools) != 2 {
		t.Errorf("tools offered = %d, want 2", len(req.Tools))
	}
	if !strings.Contains(req.Messages[0].Content, "Allowed tools: echo, read_file\n") {
		t.Errorf("system prompt = %q", req.Messages[0].Content)
	}
}

func TestIrisStepper_HistoryMessages(t *testing.T) {
	mock := &mockProvider{chatResponse: &iriscore.ChatResponse{Output: "ok"}}
	history := []runtime.ToolOutcome{
		{
			Call:   tool.Call{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a.txt"}},
			Result: tool.Result{CallID: "c1", OK: true, Output: "contents"},
		},
		{
			Call:     tool.Call{ID: "c2", Name: "write_file", Args: map[string]any{"path": "b.txt"}},
			Rejected: true,
			Reason:   "too risky",
		},
	}
	_, err := newTestStepper(t, mock).NextAction(context.Background(), runtime.StepInput{UserText: "go", History: history})
	if err != nil {
		t.Fatal(err)
	}

	msgs := mock.capturedReq.Messages
	if len(msgs) != 6 {
		t.Fatalf("messages = %d, want 6", len(msgs))
	}

	call := msgs[2]
	if call.Role != iriscore.RoleAssistant || len(call.ToolCalls) != 1 || call.ToolCalls[0].ID != "c1" {
		t.Fatalf("assistant call message = %+v", call)
	}
	var args map[string]any
	if err := json.Unmarshal(call.ToolCalls[0].Arguments, &args); err != nil || args["path"] != "a.txt" {
		t.Errorf("arguments = %s", call.ToolCalls[0].Arguments)
	}

	result := msgs[3]
	if result.Role != iriscore.RoleTool || len(result.ToolResults) != 1 {
		t.Fatalf("tool result message = %+v", result)
	}
	if tr := result.ToolResults[0]; tr.CallID != "c1" || tr.Content != "contents" || tr.IsError {
		t.Errorf("tool result = %+v", tr)
	}

	rejected := msgs[5].ToolResults[0]
	if rejected.CallID != "c2" || rejected.Content != "Rejected by user: too risky" || !rejected.IsError {
		t.Errorf("rejected result = %+v", rejected)
	}
}

func TestIrisStepper_ProviderError(t *testing.T) {
	mock := &mockProvider{chatError: errors.New("rate limited")}
	_, err := newTestStepper(t, mock).NextAction(context.Background(), runtime.StepInput{UserText: "go"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
}

func TestToolDef_Schema(t *testing.T) {
	d := toolDef{spec: tool.Spec{Name: "x", Description: "does x"}}
	if d.Name() != "x" || d.Description() != "does x" {
		t.Errorf("toolDef = %q %q", d.Name(), d.Description())
	}
	if got := string(d.Schema().JSONSchema); got != `{"type":"object","properties":{}}` {
		t.Errorf("empty schema = %s", got)
	}
}
