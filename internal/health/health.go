// Package health aggregates component health checks behind readiness and
// liveness probes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Status of one component or of the whole service.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	}
	return "unknown"
}

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"-"`
	StatusStr string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one component. Critical checker failures make the service
// unhealthy; non-critical failures only degrade it.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	Critical() bool
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	CheckName  string
	IsCritical bool
	Fn         func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
func (c CheckFunc) Critical() bool                  { return c.IsCritical }

// NewRedisChecker probes a Redis connection. Critical when the engine's
// stores run on Redis.
func NewRedisChecker(client redis.UniversalClient, critical bool) Checker {
	return CheckFunc{
		CheckName:  "redis",
		IsCritical: critical,
		Fn: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// Overall is the aggregate service health.
type Overall struct {
	Status     Status        `json:"-"`
	StatusStr  string        `json:"status"`
	Ready      bool          `json:"ready"`
	Live       bool          `json:"live"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	Components []CheckResult `json:"components,omitempty"`
}

const defaultCheckTimeout = 3 * time.Second

// Manager runs registered checkers on demand. A process that can answer is
// always live; readiness additionally requires every critical checker to
// pass.
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewManager builds an empty health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		timeout:  defaultCheckTimeout,
		checkers: make(map[string]Checker),
	}
}

// Register adds or replaces a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
}

// Unregister removes a checker.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	delete(m.checkers, name)
	m.mu.Unlock()
}

// Check runs every checker concurrently and aggregates the results.
func (m *Manager) Check(ctx context.Context) Overall {
	start := time.Now()

	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.runOne(ctx, c)
		}(i, c)
	}
	wg.Wait()

	overall := Overall{
		Status:     StatusHealthy,
		Live:       true,
		Ready:      true,
		Timestamp:  start,
		Duration:   time.Since(start),
		Components: results,
	}
	for _, res := range results {
		if res.Status == StatusHealthy {
			continue
		}
		if res.Critical {
			overall.Status = StatusUnhealthy
			overall.Ready = false
		} else if overall.Status == StatusHealthy {
			overall.Status = StatusDegraded
		}
	}
	overall.StatusStr = overall.Status.String()
	return overall
}

// Ready reports whether every critical checker passes.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Check(ctx).Ready
}

func (m *Manager) runOne(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{
		Component: c.Name(),
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: start,
		Critical:  c.Critical(),
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		m.logger.Warn("health check failed",
			zap.String("component", c.Name()),
			zap.Bool("critical", c.Critical()),
			zap.Error(err))
	}
	res.StatusStr = res.Status.String()
	return res
}
