package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/tool"
)

// DefaultMaxSteps bounds a run when RunConfig.MaxSteps is not set.
const DefaultMaxSteps = 50

// EventSource is the meta source of every envelope a Runner publishes.
const EventSource = "runner"

// Action is what a reasoning step decided to do next. A step with tool
// calls never completes the run, even if Final is also set.
type Action struct {
	ToolCalls []tool.Call
	Final     string
}

// ToolOutcome records how one proposed call was resolved.
type ToolOutcome struct {
	Call     tool.Call
	Rejected bool
	Reason   string
	Result   tool.Result
}

// StepInput is the conversation state handed to a reasoning step.
type StepInput struct {
	SessionID    string
	RunID        string
	Step         int
	UserText     string
	Cwd          string
	Model        string
	AllowedTools []string

	// History holds every resolved tool call of the run, oldest first.
	History []ToolOutcome
}

// Stepper decides the next action of a run.
type Stepper interface {
	NextAction(ctx context.Context, in StepInput) (Action, error)
}

// StepperFunc adapts a function to Stepper.
type StepperFunc func(ctx context.Context, in StepInput) (Action, error)

func (f StepperFunc) NextAction(ctx context.Context, in StepInput) (Action, error) {
	return f(ctx, in)
}

// Executor runs tool calls. Execute must always return a result.
type Executor interface {
	Execute(ctx context.Context, call tool.Call, cwd string) tool.Result
}

// RunStore is the part of the durable store a Runner writes to.
type RunStore interface {
	UpdateRunStatus(ctx context.Context, runID string, status store.RunStatus) error
	AddMessage(ctx context.Context, m store.Message) (store.Message, error)
	AddEvent(ctx context.Context, e store.Event) error
}

// RunConfig describes one run.
type RunConfig struct {
	SessionID    string
	RunID        string
	Cwd          string
	Model        string
	AutoApprove  bool
	MaxSteps     int
	AllowedTools []string
}

// RunnerDeps are the collaborators of a Runner.
type RunnerDeps struct {
	Store   RunStore
	Bus     EventPublisher
	Stepper Stepper
	Tools   Executor

	// Handler observes every envelope after it was persisted and published.
	Handler EventHandler

	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// Runner drives the reasoning/tool loop of one run. Run is called once;
// Cancel and SubmitDecision are safe for concurrent use.
type Runner struct {
	cfg     RunConfig
	deps    RunnerDeps
	logger  *slog.Logger
	topic   string
	allowed map[string]struct{}

	decisions *decisionQueue
	cancelCh  chan struct{}
	cancel    sync.Once
	done      chan struct{}

	// emitMu serializes status writes and publishes so that nothing is
	// written after the terminal event.
	emitMu   sync.Mutex
	finished bool
	status   store.RunStatus

	pendingMu sync.Mutex
	pending   map[string]tool.Call

	history []ToolOutcome
}

// NewRunner creates a runner for cfg. cfg.SessionID and cfg.RunID must be set.
func NewRunner(cfg RunConfig, deps RunnerDeps) *Runner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	cfg.AllowedTools = slices.Clone(cfg.AllowedTools)
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedTools) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedTools))
		for _, name := range cfg.AllowedTools {
			allowed[name] = struct{}{}
		}
	}

	return &Runner{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With("session_id", cfg.SessionID, "run_id", cfg.RunID),
		topic:     SessionTopic(cfg.SessionID),
		allowed:   allowed,
		decisions: newDecisionQueue(),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
		status:    store.RunStarting,
		pending:   make(map[string]tool.Call),
	}
}

// ID returns the run id.
func (r *Runner) ID() string { return r.cfg.RunID }

// SessionID returns the owning session id.
func (r *Runner) SessionID() string { return r.cfg.SessionID }

// Config returns the run configuration.
func (r *Runner) Config() RunConfig { return r.cfg }

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Status returns the last status written for the run.
func (r *Runner) Status() store.RunStatus {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	return r.status
}

// Finished reports whether the run has emitted its terminal event.
func (r *Runner) Finished() bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	return r.finished
}

// Pending returns the ids of calls awaiting resolution, sorted.
func (r *Runner) Pending() []string {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SubmitDecision queues a decision for the run. It never blocks and is
// accepted in any state; decisions for unknown call ids are ignored when
// consumed.
func (r *Runner) SubmitDecision(d tool.Decision) {
	r.decisions.push(d)
}

// Cancel stops the run before its next step, marks it cancelled, and emits
// run.cancelled. Calling it again, or after the run finished, does nothing.
func (r *Runner) Cancel() {
	r.cancel.Do(func() { close(r.cancelCh) })
	r.finish(store.RunCancelled, EventRunCancelled, map[string]any{})
}

func (r *Runner) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// Run executes the loop until a terminal state. Errors never escape: they
// end the run as failed with one run.error event.
func (r *Runner) Run(ctx context.Context, userText string) {
	defer close(r.done)
	stop := context.AfterFunc(ctx, r.Cancel)
	defer stop()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "panic", p)
			r.fail(fmt.Errorf("panic: %v", p))
		}
	}()

	err := r.loop(ctx, userText)
	switch {
	case r.cancelled():
		if err != nil {
			r.logger.Debug("run error after cancel", "error", err)
		}
		// Waits on emitMu for a Cancel that is still writing, so the
		// terminal event is stored before Done closes.
		r.finish(store.RunCancelled, EventRunCancelled, map[string]any{})
	case err != nil:
		r.logger.Error("run failed", "error", err)
		r.fail(err)
	}
}

func (r *Runner) loop(ctx context.Context, userText string) error {
	if r.cancelled() {
		return nil
	}
	if err := r.setStatus(store.RunRunning); err != nil {
		return err
	}
	if err := r.emit(EventRunStarted, map[string]any{
		"model":         r.cfg.Model,
		"auto_approve":  r.cfg.AutoApprove,
		"max_steps":     r.cfg.MaxSteps,
		"allowed_tools": slices.Clone(r.cfg.AllowedTools),
	}); err != nil {
		return err
	}
	if err := r.addMessage(store.RoleUser, userText); err != nil {
		return err
	}

	// The reasoning step is interrupted by Cancel; tool execution is not.
	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()
	go func() {
		select {
		case <-r.cancelCh:
			cancelStep()
		case <-stepCtx.Done():
		}
	}()

	step := 0
	for step < r.cfg.MaxSteps {
		if r.cancelled() {
			return nil
		}
		step++
		if err := r.emit(EventStepStarted, map[string]any{"step": step}); err != nil {
			return err
		}

		action, err := r.nextAction(stepCtx, StepInput{
			SessionID:    r.cfg.SessionID,
			RunID:        r.cfg.RunID,
			Step:         step,
			UserText:     userText,
			Cwd:          r.cfg.Cwd,
			Model:        r.cfg.Model,
			AllowedTools: slices.Clone(r.cfg.AllowedTools),
			History:      slices.Clone(r.history),
		})
		if err != nil {
			return fmt.Errorf("reasoning step %d: %w", step, err)
		}
		if r.cancelled() {
			return nil
		}

		if len(action.ToolCalls) > 0 {
			if name, ok := r.firstDisallowed(action.ToolCalls); ok {
				return r.complete(step, r.disallowedMessage(name), "tool_not_allowed", false)
			}
			if err := r.handleToolCalls(ctx, step, action.ToolCalls); err != nil {
				return err
			}
			continue
		}

		if final := strings.TrimSpace(action.Final); final != "" {
			return r.complete(step, action.Final, "", false)
		}
		r.logger.Debug("reasoning step produced no output", "step", step)
	}

	if r.cancelled() {
		return nil
	}
	msg := fmt.Sprintf("Stopped after reaching the step limit (%d) without a final answer.", r.cfg.MaxSteps)
	return r.complete(step, msg, "max_steps", true)
}

// nextAction invokes the stepper, converting a panic into an error.
func (r *Runner) nextAction(ctx context.Context, in StepInput) (action Action, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if r.deps.Stepper == nil {
		return Action{}, errors.New("no reasoning step configured")
	}
	return r.deps.Stepper.NextAction(ctx, in)
}

func (r *Runner) firstDisallowed(calls []tool.Call) (string, bool) {
	if r.allowed == nil {
		return "", false
	}
	for _, c := range calls {
		if _, ok := r.allowed[c.Name]; !ok {
			return c.Name, true
		}
	}
	return "", false
}

func (r *Runner) disallowedMessage(name string) string {
	return fmt.Sprintf("Tool '%s' is not allowed. Allowed tools: %s.\nPlease rephrase or allow this tool.",
		name, strings.Join(r.cfg.AllowedTools, ", "))
}

// complete persists the final answer, emits assistant.final, and ends the
// run as completed.
func (r *Runner) complete(step int, text, reason string, exhausted bool) error {
	if err := r.addMessage(store.RoleAssistant, text); err != nil {
		return err
	}
	data := map[string]any{"text": text, "step": step}
	if reason != "" {
		data["reason"] = reason
	}
	if err := r.emit(EventAssistantFinal, data); err != nil {
		return err
	}
	done := map[string]any{"steps_used": step}
	if exhausted {
		done["exhausted"] = true
	}
	r.finish(store.RunCompleted, EventRunCompleted, done)
	return nil
}

func (r *Runner) handleToolCalls(ctx context.Context, step int, calls []tool.Call) error {
	proposed := make([]map[string]any, 0, len(calls))
	r.pendingMu.Lock()
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
		if calls[i].Args == nil {
			calls[i].Args = map[string]any{}
		}
		r.pending[calls[i].ID] = calls[i]
		proposed = append(proposed, map[string]any{
			"id":   calls[i].ID,
			"name": calls[i].Name,
			"args": calls[i].Args,
		})
	}
	r.pendingMu.Unlock()

	if err := r.emit(EventToolCallsProposed, map[string]any{
		"tools":        proposed,
		"auto_approve": r.cfg.AutoApprove,
		"step":         step,
	}); err != nil {
		return err
	}

	if r.cfg.AutoApprove {
		for _, call := range calls {
			if r.cancelled() {
				return nil
			}
			if err := r.execute(ctx, call); err != nil {
				return err
			}
			r.resolve(call.ID)
		}
		return nil
	}

	if err := r.setStatus(store.RunPaused); err != nil {
		return err
	}
	if err := r.emit(EventRunPaused, map[string]any{
		"reason": "awaiting_tool_approval",
		"step":   step,
	}); err != nil {
		return err
	}
	return r.awaitDecisions(ctx)
}

// awaitDecisions consumes decisions until no call is pending or the run is
// cancelled.
func (r *Runner) awaitDecisions(ctx context.Context) error {
	for r.pendingCount() > 0 {
		d, ok := r.decisions.next(r.cancelCh)
		if !ok {
			return nil
		}
		call, ok := r.lookupPending(d.CallID)
		if !ok {
			r.logger.Debug("ignoring decision for unknown call", "call_id", d.CallID)
			continue
		}

		switch d.Decision {
		case tool.Approve:
			if err := r.emit(EventToolCallApproved, map[string]any{
				"tool_id": call.ID,
				"name":    call.Name,
			}); err != nil {
				return err
			}
			if err := r.execute(ctx, call); err != nil {
				return err
			}
		case tool.Reject:
			data := map[string]any{
				"tool_id": call.ID,
				"name":    call.Name,
			}
			if d.Reason != "" {
				data["reason"] = d.Reason
			}
			if err := r.emit(EventToolCallRejected, data); err != nil {
				return err
			}
			r.history = append(r.history, ToolOutcome{Call: call, Rejected: true, Reason: d.Reason})
		default:
			r.logger.Debug("ignoring malformed decision", "call_id", d.CallID, "decision", d.Decision)
			continue
		}
		r.resolve(call.ID)
	}

	if r.cancelled() {
		return nil
	}
	if err := r.setStatus(store.RunRunning); err != nil {
		return err
	}
	return r.emit(EventRunResumed, map[string]any{})
}

// execute runs call to completion. Cancellation does not interrupt a call
// that has started.
func (r *Runner) execute(ctx context.Context, call tool.Call) error {
	res := r.deps.Tools.Execute(context.WithoutCancel(ctx), call, r.cfg.Cwd)
	res.CallID = call.ID
	r.history = append(r.history, ToolOutcome{Call: call, Result: res})
	return r.emit(EventToolResult, map[string]any{
		"tool_id": call.ID,
		"name":    call.Name,
		"ok":      res.OK,
		"output":  res.Output,
	})
}

func (r *Runner) pendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

func (r *Runner) lookupPending(id string) (tool.Call, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	c, ok := r.pending[id]
	return c, ok
}

func (r *Runner) resolve(id string) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

func (r *Runner) addMessage(role store.Role, content string) error {
	if r.Finished() {
		return nil
	}
	_, err := r.deps.Store.AddMessage(context.Background(), store.Message{
		SessionID: r.cfg.SessionID,
		RunID:     r.cfg.RunID,
		Role:      role,
		Content:   content,
		CreatedAt: r.deps.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("runtime: add %s message: %w", role, err)
	}
	return nil
}

// setStatus persists a live status. It is a no-op once the run finished.
func (r *Runner) setStatus(status store.RunStatus) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.finished {
		return nil
	}
	if err := r.deps.Store.UpdateRunStatus(context.Background(), r.cfg.RunID, status); err != nil {
		return fmt.Errorf("runtime: update run status %s: %w", status, err)
	}
	r.status = status
	return nil
}

// emit persists and publishes one non-terminal event. Events after the
// terminal event are dropped.
func (r *Runner) emit(kind EventKind, data map[string]any) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.finished {
		r.logger.Debug("event dropped after run finished", "kind", kind)
		return nil
	}
	return r.publishLocked(kind, data)
}

// finish writes the terminal status and event exactly once.
func (r *Runner) finish(status store.RunStatus, kind EventKind, data map[string]any) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.finished {
		return false
	}
	r.finished = true
	r.status = status

	if err := r.deps.Store.UpdateRunStatus(context.Background(), r.cfg.RunID, status); err != nil {
		r.logger.Error("failed to persist terminal status", "status", status, "error", err)
	}
	if err := r.publishLocked(kind, data); err != nil {
		r.logger.Error("failed to publish terminal event", "kind", kind, "error", err)
	}
	return true
}

func (r *Runner) fail(err error) {
	r.finish(store.RunFailed, EventRunError, map[string]any{"error": err.Error()})
}

// publishLocked persists the envelope inside the bus commit hook, so the
// store holds every event before any subscriber sees it. emitMu must be held.
func (r *Runner) publishLocked(kind EventKind, data map[string]any) error {
	env, err := r.deps.Bus.PublishFunc(r.topic, PublishInput{
		Type:          kind,
		Data:          data,
		Source:        EventSource,
		CorrelationID: r.cfg.RunID,
		Timestamp:     r.deps.Now().UnixMilli(),
	}, func(env Envelope) error {
		return r.deps.Store.AddEvent(context.Background(), EventRecord(r.cfg.SessionID, env))
	})
	if err != nil {
		return fmt.Errorf("runtime: emit %s: %w", kind, err)
	}
	r.logger.Debug("event published", "kind", kind, "seq", env.Seq())
	if r.deps.Handler != nil {
		r.deps.Handler(env)
	}
	return nil
}
