package component

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle state machine
// States: 0=stopped, 1=starting, 2=running, 3=stopping
const (
	stateStopped  = 0
	stateStarting = 1
	stateRunning  = 2
	stateStopping = 3
)

// Hooks adapts an existing subsystem into a Component.
type Hooks struct {
	OnInitialize func() error
	OnStart      func(ctx context.Context) error
	OnStop       func(timeout time.Duration) error
	// OnHealth overrides the default running/stopped report.
	OnHealth func() HealthStatus
}

// Adapter wraps a subsystem that exposes start/stop functions in the
// component lifecycle state machine.
type Adapter struct {
	name  string
	hooks Hooks

	state     atomic.Int32
	mu        sync.RWMutex
	startTime time.Time
}

// NewAdapter builds a named component from hooks. Nil hooks are no-ops.
func NewAdapter(name string, hooks Hooks) *Adapter {
	return &Adapter{name: name, hooks: hooks}
}

func (a *Adapter) Name() string { return a.name }

// Initialize prepares the component.
func (a *Adapter) Initialize() error {
	if a.hooks.OnInitialize == nil {
		return nil
	}
	return a.hooks.OnInitialize()
}

// Start begins the component.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.state.CompareAndSwap(stateStopped, stateStarting) {
		current := a.state.Load()
		if current == stateRunning || current == stateStarting {
			return fmt.Errorf("component already running or starting")
		}
		return fmt.Errorf("component in invalid state: %d", current)
	}

	defer func() {
		if a.state.Load() == stateStarting {
			a.state.Store(stateStopped)
		}
	}()

	if a.hooks.OnStart != nil {
		if err := a.hooks.OnStart(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.startTime = time.Now()
	a.mu.Unlock()

	a.state.Store(stateRunning)
	return nil
}

// Stop gracefully stops the component.
func (a *Adapter) Stop(timeout time.Duration) error {
	if !a.state.CompareAndSwap(stateRunning, stateStopping) {
		current := a.state.Load()
		if current == stateStopped || current == stateStopping {
			return nil
		}
		return fmt.Errorf("component in unexpected state: %d", current)
	}

	var err error
	if a.hooks.OnStop != nil {
		err = a.hooks.OnStop(timeout)
	}
	a.state.Store(stateStopped)
	return err
}

// Health returns the current health status.
func (a *Adapter) Health() HealthStatus {
	if a.hooks.OnHealth != nil {
		return a.hooks.OnHealth()
	}

	state := a.state.Load()
	running := state == stateRunning

	a.mu.RLock()
	startTime := a.startTime
	a.mu.RUnlock()

	status := "stopped"
	switch state {
	case stateStarting:
		status = "starting"
	case stateRunning:
		status = "ok"
	case stateStopping:
		status = "stopping"
	}

	uptime := time.Duration(0)
	if running {
		uptime = time.Since(startTime)
	}
	return HealthStatus{
		Healthy:   running,
		Status:    status,
		LastCheck: time.Now(),
		Uptime:    uptime,
	}
}
