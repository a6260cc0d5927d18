package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalrun/bus"
	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/server"
	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/tool"
)

// echoOnce proposes one echo call, then finishes with the echoed output.
var echoOnce = runtime.StepperFunc(func(_ context.Context, in runtime.StepInput) (runtime.Action, error) {
	if len(in.History) > 0 {
		return runtime.Action{Final: "done: " + in.History[0].Result.Output}, nil
	}
	return runtime.Action{ToolCalls: []tool.Call{{ID: "call-1", Name: "echo", Args: map[string]any{"text": in.UserText}}}}, nil
})

type testEnv struct {
	store *store.MemStore
	runs  *runtime.Registry
	srv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemStore(0)
	b := bus.NewMemBus(bus.MemBusConfig{})
	reg := runtime.NewRegistry(runtime.RegistryConfig{
		Store:   st,
		Bus:     b,
		Stepper: echoOnce,
	})
	srv := server.NewServer(server.ServerConfig{
		Store:        st,
		Bus:          b,
		Runs:         reg,
		DefaultModel: "test-model",
		KeepAlive:    time.Minute,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
		b.Close()
		ts.Close()
	})
	return &testEnv{store: st, runs: reg, srv: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

func (e *testEnv) createSession(t *testing.T, body string) string {
	t.Helper()
	resp, data := e.do(t, http.MethodPost, "/api/sessions", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, body = %s", resp.StatusCode, data)
	}
	return decode[struct {
		SessionID string `json:"session_id"`
	}](t, data).SessionID
}

func (e *testEnv) waitForStatus(t *testing.T, runID string, status store.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.store.GetRun(context.Background(), runID)
		if err == nil && run.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, status)
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.runs.Active() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("runs never finished")
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]bool](t, data); !got["ok"] {
		t.Errorf("body = %s", data)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", origin)
	}
}

func TestServer_ListTools(t *testing.T) {
	env := newTestEnv(t)
	_, data := env.do(t, http.MethodGet, "/api/tools", "")
	got := decode[struct {
		Tools []tool.Spec `json:"tools"`
	}](t, data)
	var names []string
	for _, s := range got.Tools {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "echo,read_file,write_file" {
		t.Errorf("tools = %v", names)
	}
}

func TestServer_Sessions(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()

	parent := env.createSession(t, `{"title":"parent","cwd":"`+dir+`"}`)
	child := env.createSession(t, `{"parent_session_id":"`+parent+`"}`)

	resp, data := env.do(t, http.MethodGet, "/api/sessions/"+child, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	sess := decode[store.Session](t, data)
	if sess.Title != server.DefaultSessionTitle || sess.ParentID != parent {
		t.Errorf("child = %+v", sess)
	}

	_, data = env.do(t, http.MethodGet, "/api/sessions", "")
	if top := decode[[]store.Session](t, data); len(top) != 1 || top[0].ID != parent {
		t.Errorf("top-level sessions = %+v", top)
	}
	_, data = env.do(t, http.MethodGet, "/api/sessions?parent_id="+parent, "")
	if kids := decode[[]store.Session](t, data); len(kids) != 1 || kids[0].ID != child {
		t.Errorf("child sessions = %+v", kids)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/sessions/"+parent, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/sessions/"+child, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("child after cascade delete status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_SessionErrors(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "missing parent", method: http.MethodPost, path: "/api/sessions", body: `{"parent_session_id":"nope"}`, status: 404, code: "NOT_FOUND"},
		{name: "long title", method: http.MethodPost, path: "/api/sessions", body: `{"title":"` + strings.Repeat("x", 201) + `"}`, status: 400, code: "VALIDATION_ERROR"},
		{name: "unknown field", method: http.MethodPost, path: "/api/sessions", body: `{"name":"x"}`, status: 400, code: "INVALID_JSON"},
		{name: "unknown session", method: http.MethodGet, path: "/api/sessions/nope", status: 404, code: "NOT_FOUND"},
		{name: "delete unknown", method: http.MethodDelete, path: "/api/sessions/nope", status: 404, code: "NOT_FOUND"},
		{name: "bad limit", method: http.MethodGet, path: "/api/sessions?limit=0", status: 400, code: "INVALID_QUERY"},
		{name: "messages of unknown", method: http.MethodGet, path: "/api/sessions/nope/messages", status: 404, code: "NOT_FOUND"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := env.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.status, data)
			}
			if got := decode[errorBody](t, data).Error.Code; got != tc.code {
				t.Errorf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestServer_RunWithApproval(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t, `{"cwd":"`+t.TempDir()+`"}`)

	resp, data := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/runs", `{"user_message":"hi","allowed_tools":["echo"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, body = %s", resp.StatusCode, data)
	}
	started := decode[struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}](t, data)
	if started.RunID == "" || started.Status != "running" {
		t.Fatalf("start response = %s", data)
	}
	env.waitForStatus(t, started.RunID, store.RunPaused)

	resp, data = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/runs", `{"user_message":"again"}`)
	if resp.StatusCode != http.StatusConflict || decode[errorBody](t, data).Error.Code != "RUN_ACTIVE" {
		t.Errorf("second start = %d %s, want 409 RUN_ACTIVE", resp.StatusCode, data)
	}
	resp, _ = env.do(t, http.MethodDelete, "/api/sessions/"+sid, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete during run status = %d, want 409", resp.StatusCode)
	}

	_, data = env.do(t, http.MethodGet, "/api/sessions/"+sid+"/runs/latest", "")
	latest := decode[struct {
		ID          string   `json:"id"`
		Status      string   `json:"status"`
		Model       string   `json:"model"`
		Active      bool     `json:"active"`
		Pending     []string `json:"pending"`
		MaxSteps    int      `json:"max_steps"`
		AutoApprove bool     `json:"auto_approve"`
	}](t, data)
	if latest.ID != started.RunID || latest.Status != "paused" || !latest.Active {
		t.Errorf("latest = %s", data)
	}
	if latest.Model != "test-model" || latest.MaxSteps != runtime.DefaultMaxSteps {
		t.Errorf("defaults not applied: %s", data)
	}
	if len(latest.Pending) != 1 || latest.Pending[0] != "call-1" {
		t.Errorf("pending = %v, want [call-1]", latest.Pending)
	}

	decisionPath := "/api/sessions/" + sid + "/runs/" + started.RunID + "/tools/call-1/decision"
	resp, data = env.do(t, http.MethodPost, decisionPath, `{"decision":"approve"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision status = %d, body = %s", resp.StatusCode, data)
	}
	env.waitForStatus(t, started.RunID, store.RunCompleted)
	env.waitIdle(t)

	_, data = env.do(t, http.MethodGet, "/api/sessions/"+sid+"/messages", "")
	msgs := decode[[]store.Message](t, data)
	if len(msgs) != 2 {
		t.Fatalf("messages = %s", data)
	}
	if msgs[0].Role != store.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != store.RoleAssistant || msgs[1].Content != "done: hi" {
		t.Errorf("final message = %+v", msgs[1])
	}

	_, data = env.do(t, http.MethodGet, "/api/sessions/"+sid+"/runs/latest", "")
	if got := decode[map[string]any](t, data); got["active"] != false || got["status"] != "completed" {
		t.Errorf("latest after completion = %s", data)
	}
}

func TestServer_StartRunValidation(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t, `{}`)
	path := "/api/sessions/" + sid + "/runs"

	for _, tc := range []struct {
		name    string
		body    string
		status  int
		details []string
	}{
		{name: "missing message", body: `{}`, status: 400},
		{name: "blank message", body: `{"user_message":"  "}`, status: 400},
		{name: "zero steps", body: `{"user_message":"x","max_steps":0}`, status: 400},
		{name: "too many steps", body: `{"user_message":"x","max_steps":501}`, status: 400},
		{name: "unknown tool", body: `{"user_message":"x","allowed_tools":["echo","rm","shell"]}`, status: 400, details: []string{"rm", "shell"}},
		{name: "bad json", body: `{"user_message":`, status: 400},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodPost, path, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.status, data)
			}
			if tc.details != nil {
				got := decode[errorBody](t, data).Error.Details
				if strings.Join(got, ",") != strings.Join(tc.details, ",") {
					t.Errorf("details = %v, want %v", got, tc.details)
				}
			}
		})
	}

	resp, _ := env.do(t, http.MethodPost, "/api/sessions/nope/runs", `{"user_message":"x"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/sessions/"+sid+"/runs/latest", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("latest without runs status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_CancelRun(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t, `{}`)

	_, data := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/runs", `{"user_message":"hi"}`)
	runID := decode[struct {
		RunID string `json:"run_id"`
	}](t, data).RunID
	env.waitForStatus(t, runID, store.RunPaused)

	resp, _ := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/runs/other/cancel", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel wrong run status = %d, want 404", resp.StatusCode)
	}

	resp, data = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/runs/"+runID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", resp.StatusCode, data)
	}
	env.waitForStatus(t, runID, store.RunCancelled)
	env.waitIdle(t)

	resp, _ = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/runs/"+runID+"/cancel", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel finished run status = %d, want 404", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/api/sessions/"+sid, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete after cancel status = %d, want 204", resp.StatusCode)
	}
}

func TestServer_DecisionErrors(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t, `{}`)
	base := "/api/sessions/" + sid + "/runs/"

	for _, tc := range []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "bad decision", path: base + "r1/tools/c1/decision", body: `{"decision":"maybe"}`, status: 400, code: "VALIDATION_ERROR"},
		{name: "long reason", path: base + "r1/tools/c1/decision", body: `{"decision":"reject","reason":"` + strings.Repeat("x", 501) + `"}`, status: 400, code: "VALIDATION_ERROR"},
		{name: "no live run", path: base + "r1/tools/c1/decision", body: `{"decision":"approve"}`, status: 404, code: "RUN_NOT_FOUND"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodPost, tc.path, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.status, data)
			}
			if got := decode[errorBody](t, data).Error.Code; got != tc.code {
				t.Errorf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestServer_RejectDecision(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t, `{}`)

	_, data := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/runs", `{"user_message":"hi"}`)
	runID := decode[struct {
		RunID string `json:"run_id"`
	}](t, data).RunID

	// Decisions are queued, so one sent before the pause is still consumed.
	resp, data := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/runs/"+runID+"/tools/call-1/decision", `{"decision":"reject","reason":"no"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision status = %d, body = %s", resp.StatusCode, data)
	}
	env.waitForStatus(t, runID, store.RunCompleted)

	events, err := env.store.ListEventsAfter(context.Background(), sid, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var rejected bool
	for _, e := range events {
		if e.Type == string(runtime.EventToolCallRejected) && e.Payload["reason"] == "no" {
			rejected = true
		}
	}
	if !rejected {
		t.Errorf("no tool.call.rejected event with reason in %+v", events)
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	st := store.NewMemStore(0)
	b := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { b.Close() })
	srv := server.NewServer(server.ServerConfig{
		Store:   st,
		Bus:     b,
		Runs:    runtime.NewRegistry(runtime.RegistryConfig{Store: st, Bus: b, Stepper: echoOnce}),
		MaxBody: 16,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"title":"`+strings.Repeat("x", 64)+`"}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestServer_EventStreamRoute(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/api/sessions/nope/events/stream", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stream of unknown session status = %d, want 404", resp.StatusCode)
	}
}
