// Package component defines the lifecycle contract the engine's
// long-running pieces share, and a runner that starts them in order
// and stops them in reverse.
package component

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HealthStatus reports a component's current health.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Status    string        `json:"status"`
	LastCheck time.Time     `json:"last_check"`
	Uptime    time.Duration `json:"uptime"`
}

// Component is a long-running piece of the engine with an explicit
// lifecycle. Start must not block; Stop waits up to the timeout for
// in-flight work.
type Component interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() HealthStatus
}

// Runner owns an ordered set of components.
type Runner struct {
	logger     *slog.Logger
	components []Component
	started    []Component
}

// NewRunner builds a runner over the given components. Start order is
// the argument order.
func NewRunner(logger *slog.Logger, components ...Component) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, components: components}
}

// Start initializes and starts every component in order. On failure,
// already-started components are stopped in reverse and the error is
// returned.
func (r *Runner) Start(ctx context.Context) error {
	for _, c := range r.components {
		if err := c.Initialize(); err != nil {
			r.stopStarted(5 * time.Second)
			return fmt.Errorf("initialize %s: %w", c.Name(), err)
		}
		if err := c.Start(ctx); err != nil {
			r.stopStarted(5 * time.Second)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		r.started = append(r.started, c)
		r.logger.Info("component started", "component", c.Name())
	}
	return nil
}

// Stop stops started components in reverse order. Every component gets
// the full timeout; stop errors are logged, not returned, so one bad
// component cannot block the rest of shutdown.
func (r *Runner) Stop(timeout time.Duration) {
	r.stopStarted(timeout)
}

func (r *Runner) stopStarted(timeout time.Duration) {
	for i := len(r.started) - 1; i >= 0; i-- {
		c := r.started[i]
		if err := c.Stop(timeout); err != nil {
			r.logger.Error("component stop failed", "component", c.Name(), "error", err)
			continue
		}
		r.logger.Info("component stopped", "component", c.Name())
	}
	r.started = nil
}

// Health aggregates component health keyed by name. Healthy components
// report "ok"; unhealthy ones report their status string.
func (r *Runner) Health() map[string]string {
	out := make(map[string]string, len(r.components))
	for _, c := range r.components {
		h := c.Health()
		if h.Healthy {
			out[c.Name()] = "ok"
		} else {
			out[c.Name()] = h.Status
		}
	}
	return out
}
