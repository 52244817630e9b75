// Package entry implements the Process Entry state machine (spec.md 4.D):
// the one-per-declared-process object that owns a single child process at
// a time, spawns it, streams its output into a Log Buffer, monitors its
// exit, and applies the Backoff & Restart Policy and Health Checker.
//
// It generalizes the teacher's internal/agentctl/process.Manager (a
// single hard-coded ACP-agent subprocess with atomic.Value status) to an
// arbitrary named process with a richer state machine, dependency
// awareness, and auto-restart, while keeping the teacher's "one owned
// child, pipes captured, a dedicated exit-waiter goroutine" shape.
package entry

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/sentinel/internal/common/logger"
	"github.com/kdlbs/sentinel/internal/sentinel/config"
	"github.com/kdlbs/sentinel/internal/sentinel/errs"
	"github.com/kdlbs/sentinel/internal/sentinel/events"
	"github.com/kdlbs/sentinel/internal/sentinel/health"
	"github.com/kdlbs/sentinel/internal/sentinel/ioreader"
	"github.com/kdlbs/sentinel/internal/sentinel/logbuf"
	"github.com/kdlbs/sentinel/internal/sentinel/restart"
	"github.com/kdlbs/sentinel/internal/tracing"
)

// Phase is the ProcessState sum type's tag (spec.md 3).
type Phase string

const (
	Stopped  Phase = "Stopped"
	Starting Phase = "Starting"
	Running  Phase = "Running"
	Stopping Phase = "Stopping"
	Crashed  Phase = "Crashed"
	Failed   Phase = "Failed"
)

// Status is the full ProcessState value: Crashed carries an exit code,
// Failed carries a reason, the rest carry nothing extra.
type Status struct {
	Phase    Phase
	ExitCode *int
	Reason   string
}

func (s Status) String() string {
	switch s.Phase {
	case Crashed:
		code := 0
		if s.ExitCode != nil {
			code = *s.ExitCode
		}
		return fmt.Sprintf("Crashed{%d}", code)
	case Failed:
		return fmt.Sprintf("Failed{%s}", s.Reason)
	default:
		return string(s.Phase)
	}
}

// Options configures timing defaults not carried on ProcessConfig itself.
type Options struct {
	SpawnTimeout           time.Duration
	DefaultGracefulTimeout time.Duration
}

// Snapshot is the read-only view returned by Status(), safe to share
// outside the Entry.
type Snapshot struct {
	Name         string
	State        Status
	PID          int
	StartedAt    *time.Time
	StoppedAt    *time.Time
	RestartCount uint32
	Health       health.Status
	HealthError  string
}

// Entry owns exactly one child process across its lifetime and is
// exclusively mutated by the Supervisor Facade through its public methods.
type Entry struct {
	name      string
	cfgMu     sync.RWMutex
	cfg       config.ProcessConfig
	globalEnv map[string]string

	opts   Options
	logger *logger.Logger
	pub    events.Publisher
	Log    *logbuf.Buffer

	// mailbox serializes Start/Stop/Restart so at most one transition is
	// in flight, per spec.md 4.D and 5. A plain mutex is sufficient
	// because every transition's body already suspends at the right
	// points (spawn, readers, exit, backoff sleep) — there is no
	// separate queue of pending work to reorder.
	mailbox sync.Mutex

	mu           sync.RWMutex
	status       Status
	startedAt    *time.Time
	stoppedAt    *time.Time
	restartCount uint32
	healthStatus health.Status
	healthErr    string

	cmd          *exec.Cmd
	stopping     bool
	checker      *health.Checker
	restartTmr   *time.Timer
	restartAbort chan struct{}

	entryCtx    context.Context
	entryCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an Entry in Stopped state. The health checker and the
// scheduled-restart sleep watch an entry-scoped cancellation token
// cancelled only by Close; the readers and the monitor do not watch it
// and end when the child's pipes close and the child exits.
func New(cfg config.ProcessConfig, globalEnv map[string]string, opts Options, log *logger.Logger, pub events.Publisher) *Entry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Entry{
		name:        cfg.Name,
		cfg:         cfg,
		globalEnv:   globalEnv,
		opts:        opts,
		logger:      log.WithProcessName(cfg.Name),
		pub:         pub,
		Log:         logbuf.New(logbuf.DefaultCapacity, logbuf.MaxLineBytes),
		status:      Status{Phase: Stopped},
		healthStatus: health.Unknown,
		entryCtx:    ctx,
		entryCancel: cancel,
	}
	return e
}

// Name returns the entry's process name.
func (e *Entry) Name() string { return e.name }

// Config returns the entry's current (shared-immutable) config.
func (e *Entry) Config() config.ProcessConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetConfig replaces the entry's config. Per spec.md 4.H, this only
// applies to a stopped Entry cleanly; if running, the new config takes
// effect on the entry's next spawn.
func (e *Entry) SetConfig(cfg config.ProcessConfig) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.cfg = cfg
}

// Status returns a point-in-time snapshot. Pure query, no mailbox needed.
func (e *Entry) Status() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pid := 0
	if e.cmd != nil && e.cmd.Process != nil {
		pid = e.cmd.Process.Pid
	}
	return Snapshot{
		Name:         e.name,
		State:        e.status,
		PID:          pid,
		StartedAt:    e.startedAt,
		StoppedAt:    e.stoppedAt,
		RestartCount: e.restartCount,
		Health:       e.healthStatus,
		HealthError:  e.healthErr,
	}
}

// SamplePID reports the entry's current child PID, for the Metrics
// Sampler's per-entry attribution (spec.md 4.I); satisfies
// metrics.Target.
func (e *Entry) SamplePID() (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.status.Phase != Running || e.cmd == nil || e.cmd.Process == nil {
		return 0, false
	}
	return e.cmd.Process.Pid, true
}

// IsRunning reports whether the entry has reached Running, satisfying
// scheduler.Target so the Dependency Scheduler can poll readiness without
// importing this package's concrete type.
func (e *Entry) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.Phase == Running
}

// MarkFailed forces the entry into Failed{reason} without touching the
// child process. The Dependency Scheduler calls this when this entry's
// own dependency never reached Running in time, so the entry never gets
// a Start call at all (spec.md 4.G).
func (e *Entry) MarkFailed(reason string) {
	e.mailbox.Lock()
	defer e.mailbox.Unlock()
	phase := e.currentPhase()
	if phase == Running || phase == Starting || phase == Stopping {
		return
	}
	e.setStatus(Status{Phase: Failed, Reason: reason})
}

// Logs returns the last limit captured lines. Pure query.
func (e *Entry) Logs(limit int) []logbuf.Line { return e.Log.Snapshot(limit) }

// SearchLogs returns every retained line containing q. Pure query.
func (e *Entry) SearchLogs(q string) []logbuf.Line { return e.Log.Search(q) }

// ClearLogs drops all retained log lines.
func (e *Entry) ClearLogs() { e.Log.Clear() }

func (e *Entry) setStatus(to Status) {
	e.mu.Lock()
	from := e.status
	e.status = to
	now := time.Now()
	switch to.Phase {
	case Starting:
		// started_at is set once spawn actually succeeds, not here.
	case Running:
		if e.startedAt == nil || from.Phase != Running {
			e.startedAt = &now
		}
	case Stopped, Crashed, Failed:
		e.stoppedAt = &now
	}
	e.mu.Unlock()

	e.logger.Info("state transition", zap.String("from", string(from.Phase)), zap.String("to", string(to.Phase)))
	e.pub.Publish(events.StateChanged, events.StateChangedData{
		Name: e.name, From: string(from.Phase), To: string(to.Phase), At: now,
	}.AsMap())
}

func (e *Entry) currentPhase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.Phase
}

// Start spawns the child process, per spec.md 4.D. Must be called from
// Stopped, Crashed, or Failed.
func (e *Entry) Start(ctx context.Context) error {
	e.mailbox.Lock()
	defer e.mailbox.Unlock()
	return e.startLocked(ctx, true)
}

// startLocked performs the actual spawn. resetCount controls whether
// restart_count is zeroed — true for explicit user-initiated starts,
// false when the Restart Policy (E) relaunches automatically.
func (e *Entry) startLocked(ctx context.Context, resetCount bool) error {
	phase := e.currentPhase()
	if phase != Stopped && phase != Crashed && phase != Failed {
		return &errs.IllegalTransition{Name: e.name, From: string(phase), Op: "start"}
	}

	if resetCount {
		e.mu.Lock()
		e.restartCount = 0
		e.mu.Unlock()
	}

	e.setStatus(Status{Phase: Starting})

	_, span := tracing.StartEntrySpan(ctx, "sentineld", "entry.start", e.name)
	defer span.End()

	cfg := e.Config()
	if len(cfg.Args) == 0 && cfg.Command == "" {
		e.setStatus(Status{Phase: Failed, Reason: "no command configured"})
		span.RecordError(fmt.Errorf("no command configured"))
		return &errs.SpawnFailed{Name: e.name, OSError: fmt.Errorf("no command configured")}
	}

	spawnCtx := context.Background()
	timeout := e.opts.SpawnTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cmd := exec.CommandContext(spawnCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = cfg.ResolvedEnv(e.globalEnv)
	cmd.Stdin = nil
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.setStatus(Status{Phase: Failed, Reason: err.Error()})
		span.RecordError(err)
		return &errs.SpawnFailed{Name: e.name, OSError: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.setStatus(Status{Phase: Failed, Reason: err.Error()})
		span.RecordError(err)
		return &errs.SpawnFailed{Name: e.name, OSError: err}
	}

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	select {
	case err := <-started:
		if err != nil {
			e.setStatus(Status{Phase: Failed, Reason: err.Error()})
			span.RecordError(err)
			return &errs.SpawnFailed{Name: e.name, OSError: err}
		}
	case <-time.After(timeout):
		e.setStatus(Status{Phase: Failed, Reason: "spawn timed out"})
		span.RecordError(fmt.Errorf("spawn timed out after %s", timeout))
		return &errs.SpawnFailed{Name: e.name, OSError: fmt.Errorf("spawn timed out after %s", timeout)}
	}

	e.mu.Lock()
	e.cmd = cmd
	e.stopping = false
	e.mu.Unlock()

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		ioreader.Run(stdout, logbuf.Stdout, e.Log, e.logger, e.onLine)
	}()
	go func() {
		defer e.wg.Done()
		ioreader.Run(stderr, logbuf.Stderr, e.Log, e.logger, e.onLine)
	}()
	go e.monitor(cmd)

	if hc := cfg.HealthCheck; hc != nil {
		checker := health.New(*hc, e.logger, e.onHealthChange)
		e.mu.Lock()
		e.checker = checker
		e.healthStatus = health.Unknown
		e.mu.Unlock()
		checker.Start(e.entryCtx)
	}

	e.setStatus(Status{Phase: Running})
	return nil
}

func (e *Entry) onLine(line logbuf.Line) {
	e.pub.Publish(events.LogAppended, map[string]any{"name": e.name, "seq": line.Seq, "stream": string(line.Stream)})
}

func (e *Entry) onHealthChange(r health.Result) {
	e.mu.Lock()
	e.healthStatus = r.Status
	e.healthErr = r.LastError
	e.mu.Unlock()
	e.pub.Publish(events.HealthChanged, map[string]any{
		"name": e.name, "status": string(r.Status), "error": r.LastError, "correlation_id": r.CorrelationID,
	})
}

// monitor awaits the child's exit and classifies the outcome per
// spec.md 4.D's monitor task rules.
func (e *Entry) monitor(cmd *exec.Cmd) {
	defer e.wg.Done()

	err := cmd.Wait()

	var exitCode int
	if err == nil {
		exitCode = 0
	} else if ee, ok := err.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
	} else {
		exitCode = -1
	}

	e.mu.Lock()
	wasStopping := e.stopping
	e.mu.Unlock()

	if e.checker != nil {
		e.checker.Stop()
		e.mu.Lock()
		e.checker = nil
		e.mu.Unlock()
	}

	if wasStopping {
		e.setStatus(Status{Phase: Stopped})
		return
	}

	if exitCode == 0 {
		e.setStatus(Status{Phase: Stopped})
		return
	}

	code := exitCode
	e.setStatus(Status{Phase: Crashed, ExitCode: &code})
	e.afterCrash()
}

// afterCrash applies the Backoff & Restart Policy (spec.md 4.E).
func (e *Entry) afterCrash() {
	cfg := e.Config()
	if !cfg.AutoRestart {
		return
	}

	e.mu.Lock()
	count := e.restartCount
	e.mu.Unlock()

	policy := restart.Policy{AutoRestart: cfg.AutoRestart, MaxRestarts: cfg.MaxRestarts, RestartDelayMS: cfg.RestartDelayMS}
	decision := policy.Evaluate(int(count))

	if decision.Exhausted {
		e.pub.Publish(events.RestartBudgetExhausted, map[string]any{"name": e.name})
		return
	}
	if !decision.ShouldRestart {
		return
	}

	e.mu.Lock()
	e.restartCount++
	e.mu.Unlock()

	e.pub.Publish(events.RestartScheduled, map[string]any{"name": e.name, "delay_ms": decision.Delay.Milliseconds()})

	timer := time.NewTimer(decision.Delay)
	abort := make(chan struct{})
	e.mu.Lock()
	e.restartTmr = timer
	e.restartAbort = abort
	e.mu.Unlock()

	select {
	case <-timer.C:
	case <-abort:
		timer.Stop()
		return
	case <-e.entryCtx.Done():
		timer.Stop()
		return
	}

	e.mu.Lock()
	e.restartTmr = nil
	e.restartAbort = nil
	e.mu.Unlock()

	// If the user stopped or removed the entry while we were sleeping,
	// the scheduled restart is cancelled (spec.md 4.E).
	if e.currentPhase() != Crashed {
		return
	}

	e.mailbox.Lock()
	defer e.mailbox.Unlock()
	if e.currentPhase() != Crashed {
		return
	}
	if err := e.startLocked(context.Background(), false); err != nil {
		e.logger.Warn("scheduled restart failed", zap.Error(err))
	}
}

// Stop requests a graceful shutdown, escalating to a hard kill after
// graceful. It always completes: the call returns only once the child
// has been reaped (spec.md 4.D, 5).
func (e *Entry) Stop(ctx context.Context, graceful time.Duration) error {
	e.mailbox.Lock()
	defer e.mailbox.Unlock()
	return e.stopLocked(ctx, graceful)
}

func (e *Entry) stopLocked(ctx context.Context, graceful time.Duration) error {
	_, span := tracing.StartEntrySpan(ctx, "sentineld", "entry.stop", e.name)
	defer span.End()

	phase := e.currentPhase()
	if phase == Stopped {
		return nil
	}
	if phase == Crashed {
		// A Crashed entry may be sleeping out its backoff delay awaiting a
		// scheduled restart (afterCrash). stop_process must cancel that
		// pending restart rather than reject the call, per spec.md 4.E
		// ("if the Entry is stop()ped ... while sleeping, the scheduled
		// restart is cancelled").
		e.mu.Lock()
		if e.restartTmr != nil {
			e.restartTmr.Stop()
			e.restartTmr = nil
		}
		if e.restartAbort != nil {
			close(e.restartAbort)
			e.restartAbort = nil
		}
		e.mu.Unlock()
		e.setStatus(Status{Phase: Stopped})
		return nil
	}
	if phase != Starting && phase != Running {
		return &errs.IllegalTransition{Name: e.name, From: string(phase), Op: "stop"}
	}

	if graceful <= 0 {
		graceful = e.opts.DefaultGracefulTimeout
		if graceful <= 0 {
			graceful = 5 * time.Second
		}
	}

	e.mu.Lock()
	e.stopping = true
	cmd := e.cmd
	if e.restartTmr != nil {
		e.restartTmr.Stop()
		e.restartTmr = nil
	}
	e.mu.Unlock()

	e.setStatus(Status{Phase: Stopping})

	if cmd == nil || cmd.Process == nil {
		e.setStatus(Status{Phase: Stopped})
		return nil
	}

	pid := cmd.Process.Pid
	if err := terminateProcessGroup(pid); err != nil {
		e.logger.Debug("terminate signal failed", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(graceful):
		if err := killProcessGroup(pid); err != nil {
			e.logger.Warn("kill signal failed", zap.Error(err))
		}
		<-done
	}

	return nil
}

// Restart stops then starts the entry. Per spec.md 4.E and the invariant
// in spec.md 8 ("restart_count ... resets only on user-initiated
// start()/restart()"), an explicit Restart resets restart_count to 0
// rather than incrementing it — only automatic, policy-driven relaunches
// (afterCrash) advance the counter.
func (e *Entry) Restart(ctx context.Context, graceful time.Duration) error {
	e.mailbox.Lock()
	defer e.mailbox.Unlock()

	phase := e.currentPhase()
	if phase == Starting || phase == Running {
		if err := e.stopLocked(ctx, graceful); err != nil {
			return err
		}
	}
	return e.startLocked(ctx, true)
}

// Close tears down the Entry's entry-scoped background tasks. Called only
// when a config reload removes the entry's name.
func (e *Entry) Close() {
	_ = e.Stop(context.Background(), e.opts.DefaultGracefulTimeout)
	e.entryCancel()
}
