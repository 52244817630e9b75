// Package errs defines the typed error kinds the supervision core surfaces
// to its consumers, per the error handling design: each kind carries enough
// context for a caller to act on it programmatically via errors.As, rather
// than string-matching error messages.
package errs

import "fmt"

// InvalidConfig is returned when config loading or validation rejects the
// document outright; no supervisor state changes as a result.
type InvalidConfig struct {
	Reason string
}

func (e *InvalidConfig) Error() string { return fmt.Sprintf("invalid config: %s", e.Reason) }

// UnknownProcess is returned when a command references a name that has no
// live Entry.
type UnknownProcess struct {
	Name string
}

func (e *UnknownProcess) Error() string { return fmt.Sprintf("unknown process: %s", e.Name) }

// IllegalTransition is returned when an operation is attempted from a state
// that does not permit it (e.g. start while already running).
type IllegalTransition struct {
	Name string
	From string
	Op   string
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: %s: cannot %s from %s", e.Name, e.Op, e.From)
}

// SpawnFailed is returned when the OS refused to launch a child process.
// The owning Entry transitions to Failed.
type SpawnFailed struct {
	Name    string
	OSError error
}

func (e *SpawnFailed) Error() string {
	return fmt.Sprintf("spawn failed for %s: %v", e.Name, e.OSError)
}

func (e *SpawnFailed) Unwrap() error { return e.OSError }

// DependencyTimeout is returned by the scheduler when a dependency failed
// to reach Running within its deadline.
type DependencyTimeout struct {
	Entry string
	Dep   string
}

func (e *DependencyTimeout) Error() string {
	return fmt.Sprintf("dependency timeout: %s waiting on %s", e.Entry, e.Dep)
}

// HealthCheckError describes a non-fatal health-check failure. The health
// checker does not construct it: a failed probe is recorded in the Entry
// as a plain error string (health.Result.LastError).
type HealthCheckError struct {
	Name   string
	Reason string
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("health check failed for %s: %s", e.Name, e.Reason)
}

// RestartBudgetExhausted describes an Entry whose auto-restart policy hit
// max_restarts. The Entry reports this only as a RestartBudgetExhausted
// event, not as this error; it remains in a terminal Crashed state until
// an operator explicitly starts it again.
type RestartBudgetExhausted struct {
	Name string
}

func (e *RestartBudgetExhausted) Error() string {
	return fmt.Sprintf("restart budget exhausted: %s", e.Name)
}

// IO wraps a log/stream I/O failure. The child I/O reader does not return
// it: on a read error the reader logs a warning and exits, and the Entry's
// state is preserved.
type IO struct {
	Context string
	Err     error
}

func (e *IO) Error() string { return fmt.Sprintf("io error (%s): %v", e.Context, e.Err) }

func (e *IO) Unwrap() error { return e.Err }
