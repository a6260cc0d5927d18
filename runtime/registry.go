package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/tool"
)

var (
	// ErrRunActive is returned by Start when the session already has a live run.
	ErrRunActive = errors.New("runtime: session already has an active run")

	// ErrTooManyRuns is returned by Start when the concurrent run cap is reached.
	ErrTooManyRuns = errors.New("runtime: too many concurrent runs")

	// ErrRunNotFound is returned when no live run matches a session and run id.
	ErrRunNotFound = errors.New("runtime: run not found")

	// ErrRunFinished is returned when a decision targets a run that already ended.
	ErrRunFinished = errors.New("runtime: run already finished")

	// ErrRegistryClosed is returned by Start after Shutdown.
	ErrRegistryClosed = errors.New("runtime: registry is shut down")

	// ErrInvalidDecision is returned by Decide for malformed decisions.
	ErrInvalidDecision = tool.ErrInvalidDecision
)

// DefaultMaxConcurrentRuns caps live runs when RegistryConfig leaves it unset.
const DefaultMaxConcurrentRuns = 64

// RunRecorder is the store surface the registry needs: run creation plus
// everything a Runner writes.
type RunRecorder interface {
	RunStore
	CreateRun(ctx context.Context, r store.Run) (store.Run, error)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Store   RunRecorder
	Bus     EventPublisher
	Stepper Stepper

	// Tools is filtered per run by RunConfig.AllowedTools.
	Tools *tool.Registry

	// WrapExecutor, if set, decorates the per-run executor (e.g. for tracing).
	WrapExecutor func(Executor) Executor

	Handler EventHandler
	Logger  *slog.Logger
	Now     func() time.Time

	// MaxConcurrent caps live runs across all sessions (default: 64).
	MaxConcurrent int64
}

// Registry owns the single live Runner of each session.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	sem    *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*Runner
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates a run registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentRuns
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.DefaultRegistry()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		logger:     cfg.Logger,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		baseCtx:    base,
		cancelBase: cancel,
		runs:       make(map[string]*Runner),
	}
}

// Start creates the run record and launches a Runner for the session on its
// own goroutine. The run outlives ctx; ctx only bounds record creation.
func (g *Registry) Start(ctx context.Context, cfg RunConfig, userText string) (*Runner, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrRegistryClosed
	}
	if _, ok := g.runs[cfg.SessionID]; ok {
		return nil, ErrRunActive
	}
	if !g.sem.TryAcquire(1) {
		return nil, ErrTooManyRuns
	}

	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	rec, err := g.cfg.Store.CreateRun(ctx, store.Run{
		ID:           cfg.RunID,
		SessionID:    cfg.SessionID,
		Model:        cfg.Model,
		AutoApprove:  cfg.AutoApprove,
		MaxSteps:     cfg.MaxSteps,
		AllowedTools: cfg.AllowedTools,
	})
	if err != nil {
		g.sem.Release(1)
		return nil, fmt.Errorf("runtime: create run: %w", err)
	}
	cfg.RunID = rec.ID

	var exec Executor = g.cfg.Tools.Filter(cfg.AllowedTools)
	if g.cfg.WrapExecutor != nil {
		exec = g.cfg.WrapExecutor(exec)
	}
	r := NewRunner(cfg, RunnerDeps{
		Store:   g.cfg.Store,
		Bus:     g.cfg.Bus,
		Stepper: g.cfg.Stepper,
		Tools:   exec,
		Handler: g.cfg.Handler,
		Logger:  g.logger,
		Now:     g.cfg.Now,
	})
	g.runs[cfg.SessionID] = r
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()
		defer g.sem.Release(1)
		defer g.remove(r)
		r.Run(g.baseCtx, userText)
	}()

	g.logger.Info("run started", "session_id", cfg.SessionID, "run_id", cfg.RunID)
	return r, nil
}

func (g *Registry) remove(r *Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.runs[r.SessionID()]; ok && cur == r {
		delete(g.runs, r.SessionID())
	}
}

// Get returns the live runner of a session.
func (g *Registry) Get(sessionID string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[sessionID]
	return r, ok
}

// Active returns the number of live runs.
func (g *Registry) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runs)
}

func (g *Registry) lookup(sessionID, runID string) (*Runner, error) {
	r, ok := g.Get(sessionID)
	if !ok || r.ID() != runID {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// Cancel cancels the live run matching sessionID and runID.
func (g *Registry) Cancel(sessionID, runID string) error {
	r, err := g.lookup(sessionID, runID)
	if err != nil {
		return err
	}
	r.Cancel()
	return nil
}

// Decide routes a decision to the live run matching sessionID and runID.
func (g *Registry) Decide(sessionID, runID string, d tool.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r, err := g.lookup(sessionID, runID)
	if err != nil {
		return err
	}
	if r.Finished() {
		return ErrRunFinished
	}
	r.SubmitDecision(d)
	return nil
}

// Shutdown refuses new runs, cancels every live run, and waits for them to
// return or for ctx to end.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	runs := make([]*Runner, 0, len(g.runs))
	for _, r := range g.runs {
		runs = append(runs, r)
	}
	g.mu.Unlock()

	for _, r := range runs {
		r.Cancel()
	}
	g.cancelBase()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
