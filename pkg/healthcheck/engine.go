package healthcheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCheckTimeout bounds a single component check.
const DefaultCheckTimeout = 3 * time.Second

// Engine runs registered checkers concurrently and remembers the last result.
type Engine struct {
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
	last     *AggregatedResult
}

// NewEngine creates an engine. A zero timeout uses DefaultCheckTimeout.
func NewEngine(logger *zap.Logger, timeout time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Engine{
		logger:   logger.With(zap.String("component", "healthcheck")),
		timeout:  timeout,
		checkers: make(map[string]Checker),
	}
}

// Register adds or replaces a checker by name.
func (e *Engine) Register(checker Checker) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkers[checker.Name()] = checker
	e.logger.Info("Registered health checker", zap.String("checker", checker.Name()))
}

// CheckAll runs every checker and aggregates the results. A checker that
// does not answer within the timeout is reported unhealthy.
func (e *Engine) CheckAll(ctx context.Context) *AggregatedResult {
	e.mu.RLock()
	checkers := make([]Checker, 0, len(e.checkers))
	for _, c := range e.checkers {
		checkers = append(checkers, c)
	}
	e.mu.RUnlock()

	results := make(map[string]*Result, len(checkers))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			result := e.runOne(ctx, c)

			resultsMu.Lock()
			results[c.Name()] = result
			resultsMu.Unlock()
		}(checker)
	}
	wg.Wait()

	aggregated := &AggregatedResult{
		OverallStatus: DetermineOverallStatus(results),
		Components:    results,
		Timestamp:     time.Now(),
	}

	e.mu.Lock()
	e.last = aggregated
	e.mu.Unlock()

	return aggregated
}

func (e *Engine) runOne(ctx context.Context, c Checker) *Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan *Result, 1)
	go func() { done <- c.Check(ctx) }()

	var result *Result
	select {
	case result = <-done:
		if result == nil {
			result = &Result{Status: StatusUnknown, Message: "no result"}
		}
	case <-ctx.Done():
		result = &Result{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("check did not finish: %v", ctx.Err()),
		}
	}
	result.ComponentName = c.Name()
	result.Duration = time.Since(start)
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	return result
}

// Last returns the most recent aggregated result, or nil before the first run.
func (e *Engine) Last() *AggregatedResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}
