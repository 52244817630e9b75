// Package health implements the Health Checker (spec.md 4.F): a per-entry
// periodic probe, run as either an external command or an HTTP-probing
// subprocess defined the same way, independent of process liveness.
package health

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/sentinel/internal/common/logger"
	"github.com/kdlbs/sentinel/internal/sentinel/config"
	"github.com/kdlbs/sentinel/internal/sentinel/events"
)

// Status is the health sum type from spec.md 3.
type Status string

const (
	Unknown   Status = "Unknown"
	Healthy   Status = "Healthy"
	Unhealthy Status = "Unhealthy"
)

// Result is delivered to the owning Entry whenever health changes.
// CorrelationID ties the result back to the specific probe run that
// produced it, so a HealthChanged event can be correlated with the
// "health check failed" log line written for that same probe run.
type Result struct {
	Status        Status
	LastError     string
	CorrelationID string
}

// Checker runs one ProcessConfig's health_check on its own ticking
// goroutine until Stop is called.
type Checker struct {
	cfg    config.HealthCheckConfig
	logger *logger.Logger
	onChange func(Result)

	mu              sync.Mutex
	current         Status
	consecutiveFail int

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Checker for cfg. onChange is invoked (from the checker's
// own goroutine) every time the health status transitions, per spec.md
// 4.F's Unknown/Healthy/Unhealthy state machine.
func New(cfg config.HealthCheckConfig, log *logger.Logger, onChange func(Result)) *Checker {
	return &Checker{
		cfg:      cfg,
		logger:   log,
		onChange: onChange,
		current:  Unknown,
	}
}

// Start launches the check loop. It is a no-op if already running.
func (c *Checker) Start(parent context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx)
}

// Stop cancels the check loop and waits for it to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Checker) loop(ctx context.Context) {
	defer close(c.done)

	interval := time.Duration(c.cfg.IntervalMS) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.runOnce(ctx)
			timer.Reset(interval)
		}
	}
}

func (c *Checker) runOnce(ctx context.Context) {
	timeout := time.Duration(c.cfg.TimeoutMS) * time.Millisecond
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	correlationID := events.NewCorrelationID()
	err := runCheck(checkCtx, c.cfg)

	c.mu.Lock()
	prev := c.current
	var result Result
	transitioned := false

	if err == nil {
		c.consecutiveFail = 0
		if prev != Healthy {
			c.current = Healthy
			result = Result{Status: Healthy, CorrelationID: correlationID}
			transitioned = true
		}
	} else {
		c.consecutiveFail++
		if prev != Unhealthy && c.consecutiveFail >= c.cfg.Retries+1 {
			c.current = Unhealthy
			result = Result{Status: Unhealthy, LastError: err.Error(), CorrelationID: correlationID}
			transitioned = true
		}
	}
	c.mu.Unlock()

	if transitioned && c.onChange != nil {
		c.onChange(result)
	}
	if err != nil && c.logger != nil {
		c.logger.WithCorrelationID(correlationID).Debug("health check failed",
			zap.Error(err), zap.Int("consecutive_failures", c.consecutiveFail))
	}
}

// runCheck executes the configured probe command and times it against
// ctx. A non-zero exit, a timeout, or a launch failure all count as a
// check failure.
func runCheck(ctx context.Context, cfg config.HealthCheckConfig) error {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	return cmd.Run()
}
