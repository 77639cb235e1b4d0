package healthcheck

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PublishFunc is called with every aggregated result.
type PublishFunc func(ctx context.Context, result *AggregatedResult) error

// Reporter periodically runs the engine and publishes the results.
type Reporter struct {
	engine   *Engine
	publish  PublishFunc
	interval time.Duration
	logger   *zap.Logger
}

// NewReporter creates a reporter. A nil publish only refreshes the engine.
func NewReporter(engine *Engine, publish PublishFunc, interval time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		engine:   engine,
		publish:  publish,
		interval: interval,
		logger:   logger.With(zap.String("component", "health_reporter")),
	}
}

// Report runs one round of checks and publishes it.
func (r *Reporter) Report(ctx context.Context) error {
	result := r.engine.CheckAll(ctx)

	if r.publish != nil {
		if err := r.publish(ctx, result); err != nil {
			return err
		}
	}

	r.logger.Debug("Health check report published",
		zap.String("status", string(result.OverallStatus)),
		zap.Int("components", len(result.Components)))
	return nil
}

// Run reports immediately and then on every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	r.logger.Info("Starting health check reporter", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Report(ctx); err != nil {
			r.logger.Warn("Health check report failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Health check reporter stopped")
			return
		case <-ticker.C:
		}
	}
}
