package logx

import (
	"fmt"
	"sync"
	"time"
)

// PerformanceLogger tracks duration and success statistics per named
// operation (one IP provider, one attendance endpoint, ...).
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration

	mu      sync.Mutex
	metrics map[string]*PerformanceMetric
}

// PerformanceMetric is a snapshot of one operation's statistics
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
}

// AvgDuration returns the mean duration, zero when nothing was recorded
func (m PerformanceMetric) AvgDuration() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Count)
}

// SuccessRate returns the success percentage
func (m PerformanceMetric) SuccessRate() float64 {
	if m.Count == 0 {
		return 0
	}
	return float64(m.Count-m.ErrorCount) / float64(m.Count) * 100
}

// Operation is an in-flight measurement started by StartOperation
type Operation struct {
	name  string
	start time.Time
	pl    *PerformanceLogger
}

// NewPerformanceLogger creates a tracker; operations slower than
// slowThreshold are logged at info level.
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	if slowThreshold <= 0 {
		slowThreshold = 2 * time.Second
	}
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*PerformanceMetric),
	}
}

// StartOperation begins timing an operation. A nil receiver returns a nil
// Operation whose Complete is a no-op.
func (pl *PerformanceLogger) StartOperation(name string) *Operation {
	if pl == nil {
		return nil
	}
	return &Operation{name: name, start: time.Now(), pl: pl}
}

// Complete records the outcome of the operation
func (op *Operation) Complete(err error) {
	if op == nil {
		return
	}
	duration := time.Since(op.start)
	pl := op.pl

	pl.mu.Lock()
	metric, ok := pl.metrics[op.name]
	if !ok {
		metric = &PerformanceMetric{Name: op.name, MinDuration: duration}
		pl.metrics[op.name] = metric
	}
	metric.Count++
	metric.TotalDuration += duration
	metric.LastExecuted = time.Now()
	if duration < metric.MinDuration {
		metric.MinDuration = duration
	}
	if duration > metric.MaxDuration {
		metric.MaxDuration = duration
	}
	if err != nil {
		metric.ErrorCount++
	}
	snapshot := *metric
	pl.mu.Unlock()

	if err != nil {
		pl.logger.Debug("operation failed",
			"metric", op.name,
			"duration", duration.String(),
			"error", err,
			"success_rate", fmt.Sprintf("%.2f%%", snapshot.SuccessRate()))
		return
	}
	if duration > pl.slowThreshold {
		pl.logger.Info("slow operation completed",
			"metric", op.name,
			"duration", duration.String(),
			"avg_duration", snapshot.AvgDuration().String(),
			"total_operations", snapshot.Count)
	}
}

// GetMetric returns a copy of one metric, or false if it was never recorded
func (pl *PerformanceLogger) GetMetric(name string) (PerformanceMetric, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	m, ok := pl.metrics[name]
	if !ok {
		return PerformanceMetric{}, false
	}
	return *m, true
}

// LogMetrics writes a summary line per operation
func (pl *PerformanceLogger) LogMetrics() {
	pl.mu.Lock()
	snapshots := make([]PerformanceMetric, 0, len(pl.metrics))
	for _, m := range pl.metrics {
		snapshots = append(snapshots, *m)
	}
	pl.mu.Unlock()

	for _, m := range snapshots {
		pl.logger.Info("performance metric summary",
			"metric", m.Name,
			"total_operations", m.Count,
			"avg_duration", m.AvgDuration().String(),
			"min_duration", m.MinDuration.String(),
			"max_duration", m.MaxDuration.String(),
			"success_rate", fmt.Sprintf("%.2f%%", m.SuccessRate()),
			"last_executed", m.LastExecuted.Format(time.RFC3339))
	}
}
