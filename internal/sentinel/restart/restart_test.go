package restart

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelayForAttempt(t *testing.T) {
	t.Run("doubles each attempt from a 1000ms base", func(t *testing.T) {
		assert.Equal(t, int64(1000), DelayForAttempt(1, 1000).Milliseconds())
		assert.Equal(t, int64(2000), DelayForAttempt(2, 1000).Milliseconds())
		assert.Equal(t, int64(4000), DelayForAttempt(3, 1000).Milliseconds())
		assert.Equal(t, int64(8000), DelayForAttempt(4, 1000).Milliseconds())
	})

	t.Run("caps at CapMS regardless of how large the attempt gets", func(t *testing.T) {
		assert.Equal(t, int64(CapMS), DelayForAttempt(20, 1000).Milliseconds())
	})

	t.Run("treats attempt below 1 as attempt 1", func(t *testing.T) {
		assert.Equal(t, DelayForAttempt(1, 500), DelayForAttempt(0, 500))
	})
}

func TestPolicyEvaluate(t *testing.T) {
	t.Run("auto_restart off never restarts", func(t *testing.T) {
		p := Policy{AutoRestart: false, MaxRestarts: 5, RestartDelayMS: 1000}
		d := p.Evaluate(0)
		assert.False(t, d.ShouldRestart)
		assert.False(t, d.Exhausted)
	})

	t.Run("restarts under budget with the right backoff", func(t *testing.T) {
		p := Policy{AutoRestart: true, MaxRestarts: 3, RestartDelayMS: 1000}
		d := p.Evaluate(0)
		assert.True(t, d.ShouldRestart)
		assert.False(t, d.Exhausted)
		assert.Equal(t, int64(1000), d.Delay.Milliseconds())
	})

	t.Run("exhausts the budget at max_restarts", func(t *testing.T) {
		p := Policy{AutoRestart: true, MaxRestarts: 2, RestartDelayMS: 1000}
		d := p.Evaluate(2)
		assert.False(t, d.ShouldRestart)
		assert.True(t, d.Exhausted)
	})

	t.Run("max_restarts of 0 means uncapped", func(t *testing.T) {
		p := Policy{AutoRestart: true, MaxRestarts: 0, RestartDelayMS: 1000}
		d := p.Evaluate(1000)
		assert.True(t, d.ShouldRestart)
		assert.False(t, d.Exhausted)
	})
}
