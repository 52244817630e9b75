package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/sentinel/internal/sentinel/config"
)

// fakeTarget is a synchronous stand-in for entry.Entry, letting tests drive
// StartAll/StopAll without spawning real processes.
type fakeTarget struct {
	mu       sync.Mutex
	name     string
	running  bool
	failStart bool
	failed   string
	starts   int
	stops    int
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.failStart {
		f.failed = "start failed"
		return fmt.Errorf("start failed")
	}
	f.running = true
	return nil
}

func (f *fakeTarget) Stop(ctx context.Context, graceful time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeTarget) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTarget) MarkFailed(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.failed = reason
}

func (f *fakeTarget) Failed() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func procs(names ...string) []config.ProcessConfig {
	out := make([]config.ProcessConfig, len(names))
	for i, n := range names {
		out[i] = config.ProcessConfig{Name: n}
	}
	return out
}

func withDeps(p config.ProcessConfig, deps ...string) config.ProcessConfig {
	p.DependsOn = deps
	return p
}

func TestWaves(t *testing.T) {
	list := []config.ProcessConfig{
		{Name: "a"},
		withDeps(config.ProcessConfig{Name: "b"}, "a"),
		withDeps(config.ProcessConfig{Name: "c"}, "a"),
		withDeps(config.ProcessConfig{Name: "d"}, "b", "c"),
	}
	waves := Waves(list)
	require.Len(t, waves, 3)
	assert.ElementsMatch(t, []string{"a"}, waves[0])
	assert.ElementsMatch(t, []string{"b", "c"}, waves[1])
	assert.ElementsMatch(t, []string{"d"}, waves[2])
}

func TestReverseOrder(t *testing.T) {
	list := []config.ProcessConfig{
		{Name: "a"},
		withDeps(config.ProcessConfig{Name: "b"}, "a"),
	}
	rev := ReverseOrder(list)
	require.Equal(t, []string{"b", "a"}, rev)
}

func TestStartAllCascadesFailureToDependents(t *testing.T) {
	list := []config.ProcessConfig{
		{Name: "a"},
		withDeps(config.ProcessConfig{Name: "b"}, "a"),
		withDeps(config.ProcessConfig{Name: "c"}, "b"),
		{Name: "unrelated"},
	}
	targets := map[string]Target{
		"a":         &fakeTarget{name: "a", failStart: true},
		"b":         &fakeTarget{name: "b"},
		"c":         &fakeTarget{name: "c"},
		"unrelated": &fakeTarget{name: "unrelated"},
	}

	err := StartAll(context.Background(), list, targets, 200*time.Millisecond)
	require.Error(t, err)

	assert.Equal(t, 1, targets["a"].(*fakeTarget).starts, "a was attempted once")
	assert.Equal(t, 0, targets["b"].(*fakeTarget).starts, "b's dependency never came up, so b is never started")
	assert.Equal(t, 0, targets["c"].(*fakeTarget).starts, "c is a transitive dependent of the failed entry")
	assert.Equal(t, "dependency a not ready", targets["b"].(*fakeTarget).Failed())
	assert.Equal(t, "dependency a not ready", targets["c"].(*fakeTarget).Failed())

	assert.Equal(t, 1, targets["unrelated"].(*fakeTarget).starts, "unrelated entries still start")
	assert.True(t, targets["unrelated"].(*fakeTarget).IsRunning())
}

func TestStartAllAllSucceed(t *testing.T) {
	list := procs("a", "b")
	targets := map[string]Target{
		"a": &fakeTarget{name: "a"},
		"b": &fakeTarget{name: "b"},
	}
	err := StartAll(context.Background(), list, targets, time.Second)
	require.NoError(t, err)
	for _, name := range []string{"a", "b"} {
		assert.True(t, targets[name].(*fakeTarget).IsRunning())
	}
}

func TestStopAllReverseOrder(t *testing.T) {
	list := []config.ProcessConfig{
		{Name: "a"},
		withDeps(config.ProcessConfig{Name: "b"}, "a"),
	}
	targets := map[string]Target{
		"a": &fakeTarget{name: "a", running: true},
		"b": &fakeTarget{name: "b", running: true},
	}

	StopAll(context.Background(), list, targets, time.Second)
	assert.False(t, targets["a"].(*fakeTarget).IsRunning())
	assert.False(t, targets["b"].(*fakeTarget).IsRunning())
	assert.Equal(t, 1, targets["a"].(*fakeTarget).stops)
	assert.Equal(t, 1, targets["b"].(*fakeTarget).stops)
}
