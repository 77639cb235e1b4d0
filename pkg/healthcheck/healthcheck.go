// Package healthcheck aggregates component health and reports it periodically.
package healthcheck

import (
	"context"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is functioning normally
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is functioning but with issues
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not functioning properly
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the health status cannot be determined
	StatusUnknown Status = "unknown"
)

// Result contains the health check result for a component.
type Result struct {
	// ComponentName identifies the component being checked
	ComponentName string `json:"component"`
	Status        Status `json:"status"`
	Message       string `json:"message,omitempty"`
	// Timestamp when the check was performed
	Timestamp time.Time `json:"timestamp"`
	// Duration of the health check
	Duration time.Duration `json:"duration"`
	// Details contains component-specific health information
	Details map[string]interface{} `json:"details,omitempty"`
}

// Checker is implemented by components that report their health.
type Checker interface {
	Check(ctx context.Context) *Result
	Name() string
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) *Result
}

func (f funcChecker) Name() string { return f.name }

func (f funcChecker) Check(ctx context.Context) *Result { return f.fn(ctx) }

// Func adapts a function to a Checker with the given name.
func Func(name string, fn func(ctx context.Context) *Result) Checker {
	return funcChecker{name: name, fn: fn}
}

// AggregatedResult contains health check results from multiple components.
type AggregatedResult struct {
	OverallStatus Status             `json:"status"`
	Components    map[string]*Result `json:"components"`
	Timestamp     time.Time          `json:"timestamp"`
}

// IsHealthy returns true if the overall status is healthy.
func (ar *AggregatedResult) IsHealthy() bool {
	return ar.OverallStatus == StatusHealthy
}

// DetermineOverallStatus returns the worst component status. Unknown
// components count as degraded; no components at all is unknown.
func DetermineOverallStatus(results map[string]*Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}

	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			overall = StatusDegraded
		}
	}
	return overall
}
