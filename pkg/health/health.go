// Package health aggregates dependency checks for /readyz and the worker's
// gRPC health service.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overall statuses.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Service statuses.
const (
	ServiceUp   = "up"
	ServiceDown = "down"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// ServiceHealth is the result of one named check.
type ServiceHealth struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Critical  bool   `json:"critical"`
	Error     string `json:"error,omitempty"`
}

// Report is the aggregated health of the process.
type Report struct {
	Status    string          `json:"status"`
	Services  []ServiceHealth `json:"services"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version,omitempty"`
	Uptime    string          `json:"uptime,omitempty"`
}

// Healthy reports whether every critical check passed.
func (r Report) Healthy() bool {
	return r.Status != StatusUnavailable
}

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Checker runs registered checks.
type Checker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	version string
	started time.Time
	timeout time.Duration
}

// NewChecker creates a checker reporting version.
func NewChecker(version string) *Checker {
	return &Checker{
		version: version,
		started: time.Now(),
		timeout: 5 * time.Second,
	}
}

// Register adds a named check. A failing critical check makes the report
// unavailable; a failing optional check only degrades it.
func (c *Checker) Register(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// Run executes every check concurrently, each bounded by the checker timeout.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]ServiceHealth, len(checks))
	var g errgroup.Group
	for i, chk := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			err := chk.fn(cctx)
			res := ServiceHealth{
				Name:      chk.name,
				Status:    ServiceUp,
				LatencyMs: time.Since(start).Milliseconds(),
				Critical:  chk.critical,
			}
			if err != nil {
				res.Status = ServiceDown
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := Report{
		Status:    StatusOK,
		Services:  results,
		Timestamp: time.Now().UTC(),
		Version:   c.version,
		Uptime:    time.Since(c.started).Round(time.Second).String(),
	}
	for _, r := range results {
		if r.Status == ServiceUp {
			continue
		}
		if r.Critical {
			report.Status = StatusUnavailable
			break
		}
		report.Status = StatusDegraded
	}
	return report
}
