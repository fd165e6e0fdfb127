// Package health tracks the health of the audio input and the session
// authority connection
package health

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// Component names reported by the service
const (
	ComponentAudio     = "audio"
	ComponentAuthority = "authority"
)

// Overall statuses
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// CheckFunc reports a component's health; a nil error means healthy. The string
// is a short human readable detail.
type CheckFunc func(ctx context.Context) (string, error)

// Checker tracks health of system components. Components are either pushed
// with SetComponent or pulled from registered check funcs on Refresh.
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	checks     map[string]CheckFunc
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		checks:     make(map[string]CheckFunc),
	}
}

// Register adds a check func for name
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks[name] = fn
	c.mu.Unlock()
}

// Refresh runs every registered check func
func (c *Checker) Refresh(ctx context.Context) {
	c.mu.RLock()
	checks := maps.Clone(c.checks)
	c.mu.RUnlock()

	for _, name := range slices.Sorted(maps.Keys(checks)) {
		msg, err := checks[name](ctx)
		if err != nil {
			msg = err.Error()
		}
		c.SetComponent(name, err == nil, msg)
	}
}

// SetComponent updates a component's health status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusOK
	if !c.healthyLocked() {
		status = StatusDegraded
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    maps.Clone(c.components),
	}
}

// IsHealthy returns true if all components are healthy
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthyLocked()
}

func (c *Checker) healthyLocked() bool {
	for _, check := range c.components {
		if !check.Healthy {
			return false
		}
	}
	return true
}
