package entry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/sentinel/internal/common/logger"
	"github.com/kdlbs/sentinel/internal/sentinel/config"
	"github.com/kdlbs/sentinel/internal/sentinel/events"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func waitForPhase(t *testing.T, e *Entry, want Phase, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap := e.Status()
		if snap.State.Phase == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %s, last was %s", want, e.Status().State.Phase)
	return Snapshot{}
}

func TestStartReachesRunning(t *testing.T) {
	cfg := config.ProcessConfig{Name: "sleeper", Command: "sleep", Args: []string{"5"}}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))
	snap := waitForPhase(t, e, Running, time.Second)
	assert.Greater(t, snap.PID, 0)
	assert.True(t, e.IsRunning())

	pid, ok := e.SamplePID()
	assert.True(t, ok)
	assert.Equal(t, snap.PID, pid)
}

func TestStartTwiceIsIllegal(t *testing.T) {
	cfg := config.ProcessConfig{Name: "sleeper", Command: "sleep", Args: []string{"5"}}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))
	waitForPhase(t, e, Running, time.Second)

	err := e.Start(context.Background())
	require.Error(t, err)
}

func TestCleanExitGoesToStopped(t *testing.T) {
	cfg := config.ProcessConfig{Name: "quick", Command: "true"}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))
	waitForPhase(t, e, Stopped, time.Second)
}

func TestCrashWithoutAutoRestartStaysCrashed(t *testing.T) {
	cfg := config.ProcessConfig{Name: "failer", Command: "false", AutoRestart: false}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))
	snap := waitForPhase(t, e, Crashed, time.Second)
	require.NotNil(t, snap.State.ExitCode)
	assert.Equal(t, 1, *snap.State.ExitCode)
}

func TestCrashWithAutoRestartIncrementsCount(t *testing.T) {
	cfg := config.ProcessConfig{
		Name: "flapper", Command: "false",
		AutoRestart: true, MaxRestarts: 3, RestartDelayMS: 10,
	}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status().RestartCount > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, e.Status().RestartCount, uint32(0), "automatic relaunch should advance restart_count")
}

func TestExplicitRestartResetsCount(t *testing.T) {
	cfg := config.ProcessConfig{
		Name: "flapper2", Command: "false",
		AutoRestart: true, MaxRestarts: 5, RestartDelayMS: 10,
	}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status().RestartCount >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, e.Status().RestartCount, uint32(2))

	require.NoError(t, e.Restart(context.Background(), 0))
	assert.Equal(t, uint32(0), e.Status().RestartCount, "an explicit restart resets the counter")
}

func TestStopGracefully(t *testing.T) {
	cfg := config.ProcessConfig{Name: "sleeper2", Command: "sleep", Args: []string{"30"}}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second, DefaultGracefulTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))
	waitForPhase(t, e, Running, time.Second)

	require.NoError(t, e.Stop(context.Background(), time.Second))
	assert.Equal(t, Stopped, e.Status().State.Phase)
}

func TestStopCancelsPendingScheduledRestart(t *testing.T) {
	cfg := config.ProcessConfig{
		Name: "flapper3", Command: "false",
		AutoRestart: true, MaxRestarts: 5, RestartDelayMS: 5000,
	}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))
	waitForPhase(t, e, Crashed, time.Second)

	start := time.Now()
	require.NoError(t, e.Stop(context.Background(), 0), "stop_process must cancel a pending auto-restart, not reject it as illegal")
	assert.Less(t, time.Since(start), 2*time.Second, "Stop must not block out the full backoff delay")
	assert.Equal(t, Stopped, e.Status().State.Phase)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, Stopped, e.Status().State.Phase, "the cancelled restart must not fire later")
}

func TestMarkFailedNeverOverwritesRunning(t *testing.T) {
	cfg := config.ProcessConfig{Name: "sleeper3", Command: "sleep", Args: []string{"5"}}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	require.NoError(t, e.Start(context.Background()))
	waitForPhase(t, e, Running, time.Second)

	e.MarkFailed("dependency x not ready")
	assert.Equal(t, Running, e.Status().State.Phase, "MarkFailed must not clobber a live entry")
}

func TestMarkFailedOnStoppedEntry(t *testing.T) {
	cfg := config.ProcessConfig{Name: "idle", Command: "sleep", Args: []string{"5"}}
	e := New(cfg, nil, Options{SpawnTimeout: time.Second}, testLogger(t), events.NullPublisher{})
	defer e.Close()

	assert.False(t, e.IsRunning())
	e.MarkFailed("dependency x not ready")

	snap := e.Status()
	assert.Equal(t, Failed, snap.State.Phase)
	assert.Equal(t, "dependency x not ready", snap.State.Reason)
}
