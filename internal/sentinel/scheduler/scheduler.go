// Package scheduler implements the Dependency Scheduler (spec.md 4.G): a
// Kahn-order topological sort of the depends_on DAG, started in waves of
// entries with no unmet dependencies, using golang.org/x/sync/errgroup to
// fan a wave's starts out concurrently — the same fan-out primitive the
// steveyegge-vc and joeycumines-go-utilpkg modules in the retrieval pack
// use for concurrent subtask execution.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kdlbs/sentinel/internal/sentinel/config"
	"github.com/kdlbs/sentinel/internal/sentinel/errs"
)

// Target is the narrow capability the scheduler needs from an Entry,
// expressed as an interface so this package has no dependency on the
// entry package's concrete type (and so it is trivially testable with
// fakes).
type Target interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context, graceful time.Duration) error
	IsRunning() bool
	MarkFailed(reason string)
}

// Waves computes the Kahn-order wave decomposition of the depends_on
// graph: Waves[0] has no dependencies, Waves[1] depends only on names in
// Waves[0], and so on. A cycle (which Validate should already have
// rejected) collapses to a final wave of any still-unplaced names.
func Waves(procs []config.ProcessConfig) [][]string {
	deps := make(map[string][]string, len(procs))
	indegree := make(map[string]int, len(procs))
	for _, p := range procs {
		deps[p.Name] = p.DependsOn
		if _, ok := indegree[p.Name]; !ok {
			indegree[p.Name] = 0
		}
	}
	// dependents[d] = names that depend on d
	dependents := make(map[string][]string)
	for _, p := range procs {
		for _, d := range p.DependsOn {
			dependents[d] = append(dependents[d], p.Name)
			indegree[p.Name]++
		}
	}

	var waves [][]string
	placed := make(map[string]bool, len(procs))
	remaining := len(procs)

	for remaining > 0 {
		var wave []string
		for name, deg := range indegree {
			if !placed[name] && deg == 0 {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			// Only reachable if the graph has a cycle that validation
			// missed; surface everything left as one final wave rather
			// than looping forever.
			for name := range indegree {
				if !placed[name] {
					wave = append(wave, name)
				}
			}
			waves = append(waves, wave)
			break
		}
		for _, name := range wave {
			placed[name] = true
			remaining--
			for _, dep := range dependents[name] {
				indegree[dep]--
			}
		}
		waves = append(waves, wave)
	}
	return waves
}

// ReverseOrder flattens Waves into reverse dependency order, for stop-all
// (spec.md 4.G: "For stop-all, the reverse order is used.").
func ReverseOrder(procs []config.ProcessConfig) []string {
	waves := Waves(procs)
	var forward []string
	for _, w := range waves {
		forward = append(forward, w...)
	}
	reversed := make([]string, len(forward))
	for i, name := range forward {
		reversed[len(forward)-1-i] = name
	}
	return reversed
}

// StartAll starts every named entry in targets honoring dependency order:
// a wave is all entries with no unmet dependency, started concurrently; an
// entry only starts once every dependency in an earlier wave reached
// Running. If an entry fails to reach Running within deadline, every
// entry that transitively depends on it (in later waves) is marked
// Failed{"dependency X not ready"} and is never started; everything else
// proceeds and whatever already started keeps running (no rollback),
// per spec.md 4.G.
func StartAll(ctx context.Context, procs []config.ProcessConfig, targets map[string]Target, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	waves := Waves(procs)
	dependents := directDependents(procs)

	skip := make(map[string]string) // name -> reason it was never started
	var firstErr error

	for _, wave := range waves {
		g, gctx := errgroup.WithContext(ctx)
		type outcome struct {
			name string
			ok   bool
		}
		results := make(chan outcome, len(wave))

		for _, name := range wave {
			name := name
			if reason, skipped := skip[name]; skipped {
				if t, ok := targets[name]; ok {
					t.MarkFailed(reason)
				}
				continue
			}
			t, ok := targets[name]
			if !ok {
				continue
			}
			g.Go(func() error {
				err := startOne(gctx, t, deadline)
				results <- outcome{name: name, ok: err == nil}
				if err != nil {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
		close(results)
		for o := range results {
			if !o.ok {
				cascadeSkip(o.name, dependents, skip)
			}
		}
	}
	return firstErr
}

// cascadeSkip marks every transitive dependent of root as skipped, so
// later waves never call Start on an entry whose dependency never came
// up.
func cascadeSkip(root string, dependents map[string][]string, skip map[string]string) {
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[cur] {
			if _, already := skip[dep]; already {
				continue
			}
			skip[dep] = fmt.Sprintf("dependency %s not ready", root)
			queue = append(queue, dep)
		}
	}
}

// directDependents inverts depends_on: dependents[d] is every name that
// lists d directly in its depends_on.
func directDependents(procs []config.ProcessConfig) map[string][]string {
	out := make(map[string][]string, len(procs))
	for _, p := range procs {
		for _, d := range p.DependsOn {
			out[d] = append(out[d], p.Name)
		}
	}
	return out
}

func startOne(ctx context.Context, t Target, deadline time.Duration) error {
	// A failed Start already transitions the entry to Failed{reason} on
	// its own (spec.md 4.D); no need to overwrite that reason here.
	if err := t.Start(ctx); err != nil {
		return err
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if t.IsRunning() {
			return nil
		}
		select {
		case <-deadlineCtx.Done():
			t.MarkFailed("startup deadline exceeded")
			return &errs.DependencyTimeout{Entry: t.Name(), Dep: t.Name()}
		case <-ticker.C:
		}
	}
}

// StopAll stops every named entry in reverse dependency order.
func StopAll(ctx context.Context, procs []config.ProcessConfig, targets map[string]Target, graceful time.Duration) {
	for _, name := range ReverseOrder(procs) {
		if t, ok := targets[name]; ok {
			_ = t.Stop(ctx, graceful)
		}
	}
}
