// Package restart implements the Backoff & Restart Policy (spec.md 4.E):
// pure decision logic for whether and when to relaunch a Crashed Entry.
// Kept free of any Entry/Supervisor dependency so the backoff law (spec.md
// 8, invariant 5) can be tested in isolation.
package restart

import "time"

// CapMS is the maximum backoff delay, regardless of restart_count.
const CapMS = 60_000

// Policy captures the restart knobs of a single ProcessConfig.
type Policy struct {
	AutoRestart    bool
	MaxRestarts    int // 0 means uncapped
	RestartDelayMS int
}

// Decision is the outcome of evaluating a Policy against the current
// restart_count at the moment an Entry enters Crashed.
type Decision struct {
	// ShouldRestart is false if auto_restart is off or the budget is
	// exhausted.
	ShouldRestart bool
	// Exhausted is true when the budget was hit (ShouldRestart is also
	// false in that case, but RestartBudgetExhausted must fire, whereas
	// a plain !AutoRestart does not).
	Exhausted bool
	// Delay is how long to sleep before calling start() again.
	Delay time.Duration
}

// Evaluate decides what should happen after an Entry with restartCount
// prior completed restarts crashes again. restartCount is 0 for the first
// crash since the last explicit user start().
func (p Policy) Evaluate(restartCount int) Decision {
	if !p.AutoRestart {
		return Decision{}
	}
	if p.MaxRestarts > 0 && restartCount >= p.MaxRestarts {
		return Decision{Exhausted: true}
	}
	return Decision{ShouldRestart: true, Delay: DelayForAttempt(restartCount+1, p.RestartDelayMS)}
}

// DelayForAttempt implements spec.md 8 invariant 5:
// delay(k) = min(base * 2^(k-1), CapMS), k counted from 1.
func DelayForAttempt(k int, baseMS int) time.Duration {
	if k < 1 {
		k = 1
	}
	delay := baseMS
	for i := 1; i < k; i++ {
		delay *= 2
		if delay >= CapMS {
			delay = CapMS
			break
		}
	}
	if delay > CapMS {
		delay = CapMS
	}
	return time.Duration(delay) * time.Millisecond
}
