// Package supervisor implements the Supervisor Facade (spec.md 4.H): the
// single aggregate owning every declared process's Entry, the Dependency
// Scheduler, the Metrics Sampler, and the event publisher the rest of the
// daemon talks to. Grounded on the teacher's instance manager
// (internal/agentctl/instance), which owns a map of named agent instances
// behind a read-biased lock and exposes the same load/start/stop/status
// shape this Facade generalizes to arbitrary supervised processes.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/sentinel/internal/common/logger"
	"github.com/kdlbs/sentinel/internal/sentinel/config"
	"github.com/kdlbs/sentinel/internal/sentinel/entry"
	"github.com/kdlbs/sentinel/internal/sentinel/errs"
	"github.com/kdlbs/sentinel/internal/sentinel/events"
	"github.com/kdlbs/sentinel/internal/sentinel/logbuf"
	"github.com/kdlbs/sentinel/internal/sentinel/metrics"
	"github.com/kdlbs/sentinel/internal/sentinel/scheduler"
)

// Options configures a Supervisor's timing defaults and metrics knobs.
type Options struct {
	SpawnTimeout           time.Duration
	DefaultGracefulTimeout time.Duration
	DependencyDeadline     time.Duration
	MetricsPeriod          time.Duration
	MetricsHistory         int
}

// Supervisor is the single top-level aggregate a daemon process wires up.
// It owns the Entries map behind a read-biased lock, per spec.md 5
// ("mutations are rare and serialized; entry internals are private").
type Supervisor struct {
	opts   Options
	logger *logger.Logger
	pub    events.Publisher

	mu      sync.RWMutex
	entries map[string]*entry.Entry
	cfg     *config.GlobalConfig

	sampler *metrics.Sampler
}

// New builds an empty Supervisor. Call Load to populate it from a config.
func New(opts Options, log *logger.Logger, pub events.Publisher) *Supervisor {
	s := &Supervisor{
		opts:    opts,
		logger:  log.WithFields(zap.String("component", "supervisor")),
		pub:     pub,
		entries: make(map[string]*entry.Entry),
	}
	s.sampler = metrics.New(s, pub, log, metrics.Options{
		Period:        opts.MetricsPeriod,
		HistorySize:   opts.MetricsHistory,
		AttributeTree: true,
	})
	return s
}

// Bootstrap launches the Metrics Sampler's background task. Entries are
// started independently via Start per spec.md 4.H.
func (s *Supervisor) Bootstrap(ctx context.Context) {
	s.sampler.Start(ctx)
}

// Close stops every entry (reverse dependency order) and halts the
// Metrics Sampler, per spec.md 5 ("dropping the Supervisor triggers an
// orderly stop of every Entry").
func (s *Supervisor) Close(ctx context.Context) {
	s.sampler.Stop()

	s.mu.RLock()
	cfg := s.cfg
	targets := s.targetsLocked()
	s.mu.RUnlock()

	if cfg != nil {
		scheduler.StopAll(ctx, cfg.Processes, targets, s.opts.DefaultGracefulTimeout)
	}
	s.mu.Lock()
	for _, e := range s.entries {
		e.Close()
	}
	s.mu.Unlock()
}

// entryOptions derives per-entry Options from the Supervisor's defaults.
func (s *Supervisor) entryOptions() entry.Options {
	return entry.Options{SpawnTimeout: s.opts.SpawnTimeout, DefaultGracefulTimeout: s.opts.DefaultGracefulTimeout}
}

// Load replaces the Supervisor's entire process set from cfg, creating a
// fresh Stopped Entry per declared process. Intended for first-time
// bring-up; subsequent documents go through Reload.
func (s *Supervisor) Load(cfg *config.GlobalConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.entries = make(map[string]*entry.Entry, len(cfg.Processes))
	for _, p := range cfg.Processes {
		s.entries[p.Name] = entry.New(p, cfg.GlobalEnv, s.entryOptions(), s.logger, s.pub)
	}
}

// Reload diffs cfg against the current process set (spec.md 4.H): added
// names get a fresh Stopped Entry, removed names are stopped then
// dropped, and kept names have their config swapped — live if stopped,
// deferred to the next spawn otherwise. Reload is idempotent: an
// unchanged document (per config.GlobalConfig.Equal) is a no-op, per
// spec.md 8 invariant 8 and SPEC_FULL.md's config-diff-reuse supplement.
func (s *Supervisor) Reload(ctx context.Context, cfg *config.GlobalConfig) error {
	s.mu.Lock()
	if s.cfg != nil && s.cfg.Equal(cfg) {
		s.mu.Unlock()
		return nil
	}

	want := make(map[string]config.ProcessConfig, len(cfg.Processes))
	for _, p := range cfg.Processes {
		want[p.Name] = p
	}

	var toRemove []*entry.Entry
	for name, e := range s.entries {
		if _, ok := want[name]; !ok {
			toRemove = append(toRemove, e)
			delete(s.entries, name)
		}
	}

	for name, p := range want {
		if e, ok := s.entries[name]; ok {
			e.SetConfig(p)
			continue
		}
		s.entries[name] = entry.New(p, cfg.GlobalEnv, s.entryOptions(), s.logger, s.pub)
	}
	s.cfg = cfg
	s.mu.Unlock()

	for _, e := range toRemove {
		_ = e.Stop(ctx, s.opts.DefaultGracefulTimeout)
		e.Close()
	}
	return nil
}

func (s *Supervisor) get(name string) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, &errs.UnknownProcess{Name: name}
	}
	return e, nil
}

// targetsLocked builds the scheduler.Target map for the current entry
// set. Caller must hold s.mu (read or write).
func (s *Supervisor) targetsLocked() map[string]scheduler.Target {
	out := make(map[string]scheduler.Target, len(s.entries))
	for name, e := range s.entries {
		out[name] = e
	}
	return out
}

// Start starts the named entry, or every entry in dependency-wave order
// if name is "*", per spec.md 4.H and 4.G.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	if name == "*" {
		s.mu.RLock()
		cfg := s.cfg
		targets := s.targetsLocked()
		s.mu.RUnlock()
		if cfg == nil {
			return nil
		}
		deadline := s.opts.DependencyDeadline
		return scheduler.StartAll(ctx, cfg.Processes, targets, deadline)
	}
	e, err := s.get(name)
	if err != nil {
		return err
	}
	return e.Start(ctx)
}

// Stop stops the named entry, or every entry in reverse dependency order
// if name is "*". Stopping a single entry that other running entries
// declare as depends_on does not cascade-stop them (SPEC_FULL.md's
// supplemented DependentsStillRunning feature instead emits a warning
// event rather than inventing new blocking semantics).
func (s *Supervisor) Stop(ctx context.Context, name string, graceful time.Duration) error {
	if graceful <= 0 {
		graceful = s.opts.DefaultGracefulTimeout
	}
	if name == "*" {
		s.mu.RLock()
		cfg := s.cfg
		targets := s.targetsLocked()
		s.mu.RUnlock()
		if cfg == nil {
			return nil
		}
		scheduler.StopAll(ctx, cfg.Processes, targets, graceful)
		return nil
	}
	e, err := s.get(name)
	if err != nil {
		return err
	}
	if err := e.Stop(ctx, graceful); err != nil {
		return err
	}
	s.warnIfDependentsRunning(name)
	return nil
}

// warnIfDependentsRunning emits DependentsStillRunning when name was
// just stopped but another still-Running entry lists it in depends_on.
func (s *Supervisor) warnIfDependentsRunning(name string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return
	}
	var dependents []string
	for _, p := range s.cfg.Processes {
		for _, dep := range p.DependsOn {
			if dep != name {
				continue
			}
			if e, ok := s.entries[p.Name]; ok && e.IsRunning() {
				dependents = append(dependents, p.Name)
			}
		}
	}
	if len(dependents) == 0 {
		return
	}
	s.logger.Warn("stopped process still has running dependents", zap.String("name", name), zap.Strings("dependents", dependents))
	s.pub.Publish(events.DependentsStillRunning, map[string]any{"name": name, "dependents": dependents})
}

// Restart restarts the named entry, or every entry (reverse-stop then
// dependency-wave-start) if name is "*".
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	if name == "*" {
		if err := s.Stop(ctx, "*", s.opts.DefaultGracefulTimeout); err != nil {
			return err
		}
		return s.Start(ctx, "*")
	}
	e, err := s.get(name)
	if err != nil {
		return err
	}
	return e.Restart(ctx, s.opts.DefaultGracefulTimeout)
}

// ProcessStatus is the list_processes()/status(name) result shape from
// spec.md 6.
type ProcessStatus struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	RestartCount uint32    `json:"restart_count"`
	Health       string    `json:"health"`
	HealthError  string    `json:"health_error,omitempty"`
	CPUPercent   float64   `json:"cpu_usage"`
	MemoryBytes  uint64    `json:"memory_usage"`
}

func toProcessStatus(snap entry.Snapshot, sample *metrics.ProcessSample) ProcessStatus {
	ps := ProcessStatus{
		Name:         snap.Name,
		State:        snap.State.String(),
		PID:          snap.PID,
		StartedAt:    snap.StartedAt,
		RestartCount: snap.RestartCount,
		Health:       string(snap.Health),
		HealthError:  snap.HealthError,
	}
	if snap.State.ExitCode != nil {
		ps.ExitCode = snap.State.ExitCode
	}
	if snap.State.Reason != "" {
		ps.Reason = snap.State.Reason
	}
	if sample != nil {
		ps.CPUPercent = sample.CPUPercent
		ps.MemoryBytes = sample.MemoryBytes
	}
	return ps
}

// Status returns the named entry's current status, enriched with its
// latest metrics sample if one exists.
func (s *Supervisor) Status(name string) (ProcessStatus, error) {
	e, err := s.get(name)
	if err != nil {
		return ProcessStatus{}, err
	}
	return toProcessStatus(e.Status(), s.latestSampleFor(name)), nil
}

// List returns every entry's status, sorted by name for a stable result.
func (s *Supervisor) List() []ProcessStatus {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	snapshot, haveSample := s.sampler.Snapshot()
	entries := make(map[string]*entry.Entry, len(s.entries))
	for name, e := range s.entries {
		names = append(names, name)
		entries[name] = e
	}
	s.mu.RUnlock()
	sort.Strings(names)

	byName := map[string]metrics.ProcessSample{}
	if haveSample {
		for _, p := range snapshot.Processes {
			byName[p.Name] = p
		}
	}

	out := make([]ProcessStatus, 0, len(names))
	for _, name := range names {
		var sample *metrics.ProcessSample
		if p, ok := byName[name]; ok {
			sample = &p
		}
		out = append(out, toProcessStatus(entries[name].Status(), sample))
	}
	return out
}

func (s *Supervisor) latestSampleFor(name string) *metrics.ProcessSample {
	snap, ok := s.sampler.Snapshot()
	if !ok {
		return nil
	}
	for _, p := range snap.Processes {
		if p.Name == name {
			return &p
		}
	}
	return nil
}

// Logs returns the named entry's last limit log lines.
func (s *Supervisor) Logs(name string, limit int) ([]logbuf.Line, error) {
	e, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return e.Logs(limit), nil
}

// SearchLogs returns every retained log line of name containing q.
func (s *Supervisor) SearchLogs(name, q string) ([]logbuf.Line, error) {
	e, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return e.SearchLogs(q), nil
}

// ClearLogs drops all retained log lines for name.
func (s *Supervisor) ClearLogs(name string) error {
	e, err := s.get(name)
	if err != nil {
		return err
	}
	e.ClearLogs()
	return nil
}

// SystemStats returns the most recent SystemSample (spec.md 6
// get_system_stats), or the zero value if the sampler hasn't ticked yet.
func (s *Supervisor) SystemStats() (metrics.SystemSample, bool) {
	return s.sampler.Snapshot()
}

// MetricsWindow returns up to n of the most recent SystemSamples.
func (s *Supervisor) MetricsWindow(n int) []metrics.SystemSample {
	return s.sampler.Window(n)
}

// SampleTargets implements metrics.TargetLister over the live entry map.
func (s *Supervisor) SampleTargets() []metrics.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]metrics.Target, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// LoadConfigBytes parses and loads a config document, replacing the
// entire process set (spec.md 6 load_config).
func (s *Supervisor) LoadConfigBytes(data []byte, format config.Format) error {
	cfg, err := config.Load(data, format)
	if err != nil {
		return err
	}
	s.Load(cfg)
	return nil
}

// ReloadConfigBytes parses and reloads a config document, diffing
// against the current process set (spec.md 6 reload_config).
func (s *Supervisor) ReloadConfigBytes(ctx context.Context, data []byte, format config.Format) error {
	cfg, err := config.Load(data, format)
	if err != nil {
		return err
	}
	return s.Reload(ctx, cfg)
}

// Names returns the currently loaded process names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var _ fmt.Stringer = (*ProcessStatus)(nil)

func (p ProcessStatus) String() string {
	return fmt.Sprintf("%s: %s (restarts=%d, health=%s)", p.Name, p.State, p.RestartCount, p.Health)
}
