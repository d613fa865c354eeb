package gps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/metrics"
)

// Strategy is one acquisition profile tried by the Acquirer
type Strategy struct {
	Name         string        `json:"name"`
	HighAccuracy bool          `json:"high_accuracy"`
	Timeout      time.Duration `json:"timeout"`
	MaximumAge   time.Duration `json:"maximum_age"`
}

// Options converts the strategy into platform request options
func (s Strategy) Options() Options {
	return Options{EnableHighAccuracy: s.HighAccuracy, Timeout: s.Timeout, MaximumAge: s.MaximumAge}
}

// DefaultStrategies returns the strategy table in execution order
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "High-Accuracy", HighAccuracy: true, Timeout: 30 * time.Second, MaximumAge: 0},
		{Name: "Balanced", HighAccuracy: true, Timeout: 15 * time.Second, MaximumAge: 5 * time.Second},
		{Name: "Network Fallback", HighAccuracy: false, Timeout: 10 * time.Second, MaximumAge: 10 * time.Second},
	}
}

// DefaultRefineOptions are the options of the continuous refinement watch
func DefaultRefineOptions() Options {
	return Options{EnableHighAccuracy: true, Timeout: 20 * time.Second, MaximumAge: 5 * time.Second}
}

// AcquisitionAttempt records one strategy's try within a cycle
type AcquisitionAttempt struct {
	Strategy     string        `json:"strategy"`
	HighAccuracy bool          `json:"high_accuracy"`
	Timeout      time.Duration `json:"timeout"`
	MaximumAge   time.Duration `json:"maximum_age"`
	Position     *pkg.Position `json:"position,omitempty"`
	Err          error         `json:"-"`
	Duration     time.Duration `json:"duration"`
}

// Succeeded reports whether the attempt produced a fix
func (a AcquisitionAttempt) Succeeded() bool {
	return a.Position != nil
}

// Acquisition is the result of one acquisition cycle
type Acquisition struct {
	Position pkg.Position         `json:"position"`
	Strategy string               `json:"strategy"`
	Attempts []AcquisitionAttempt `json:"attempts"`
}

// AcquirerConfig configures the strategy race
type AcquirerConfig struct {
	Strategies         []Strategy `json:"strategies"`
	EarlyExitAccuracyM float64    `json:"early_exit_accuracy_m"`
	RefineOptions      Options    `json:"refine_options"`
	UpdateBuffer       int        `json:"update_buffer"`
}

// DefaultAcquirerConfig returns the stock strategy table and thresholds
func DefaultAcquirerConfig() *AcquirerConfig {
	return &AcquirerConfig{
		Strategies:         DefaultStrategies(),
		EarlyExitAccuracyM: ExcellentAccuracyM,
		RefineOptions:      DefaultRefineOptions(),
		UpdateBuffer:       8,
	}
}

// Acquirer tries the strategies sequentially in table order, keeps the most
// precise fix, and stops early once a fix reaches EarlyExitAccuracyM.
// Strategies run one at a time because platforms serialize sensor access.
type Acquirer struct {
	platform Platform
	config   *AcquirerConfig
	logger   *logx.Logger
	metrics  *metrics.Collectors
}

// NewAcquirer creates an Acquirer over platform
func NewAcquirer(platform Platform, config *AcquirerConfig, logger *logx.Logger) *Acquirer {
	if config == nil {
		config = DefaultAcquirerConfig()
	}
	if len(config.Strategies) == 0 {
		config.Strategies = DefaultStrategies()
	}
	if config.UpdateBuffer <= 0 {
		config.UpdateBuffer = 8
	}
	return &Acquirer{platform: platform, config: config, logger: logger}
}

// SetMetrics attaches Prometheus collectors
func (a *Acquirer) SetMetrics(m *metrics.Collectors) { a.metrics = m }

// Acquire runs one acquisition cycle. A single strategy failure is never
// returned; ErrAllStrategiesFailed is returned when none produced a fix and
// ErrPermissionDenied aborts the cycle immediately.
func (a *Acquirer) Acquire(ctx context.Context) (*Acquisition, error) {
	result := &Acquisition{Attempts: make([]AcquisitionAttempt, 0, len(a.config.Strategies))}
	var best *pkg.Position

	for _, strategy := range a.config.Strategies {
		if err := ctx.Err(); err != nil {
			break
		}

		attempt := a.tryStrategy(ctx, strategy)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Err != nil {
			a.metrics.AcquisitionAttempt(strategy.Name, outcomeLabel(attempt.Err))
			a.logger.LogDebugVerbose("acquisition_strategy_failed", map[string]interface{}{
				"strategy": strategy.Name,
				"timeout":  strategy.Timeout.String(),
				"duration": attempt.Duration.String(),
				"error":    attempt.Err.Error(),
			})
			if errors.Is(attempt.Err, ErrPermissionDenied) {
				a.logger.Warn("location permission denied, aborting acquisition", "strategy", strategy.Name)
				return result, ErrPermissionDenied
			}
			continue
		}

		a.metrics.AcquisitionAttempt(strategy.Name, "success")
		fix := *attempt.Position
		if best == nil || fix.BetterThan(*best) {
			best = &fix
			result.Strategy = strategy.Name
		}

		a.logger.Debug("acquisition strategy succeeded",
			"strategy", strategy.Name,
			"accuracy", fix.AccuracyOrInf(),
			"best_accuracy", best.AccuracyOrInf())

		if best.AccuracyOrInf() <= a.config.EarlyExitAccuracyM {
			break
		}
	}

	if best == nil {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%w: %v", ErrAllStrategiesFailed, err)
		}
		return result, ErrAllStrategiesFailed
	}

	result.Position = *best
	a.logger.Info("position acquired",
		"strategy", result.Strategy,
		"accuracy", best.AccuracyOrInf(),
		"source", best.Source,
		"attempts", len(result.Attempts))
	return result, nil
}

// tryStrategy issues one platform request bounded by the strategy timeout.
// The call runs in its own goroutine so a platform that ignores ctx cannot
// block the cycle past the timeout.
func (a *Acquirer) tryStrategy(ctx context.Context, s Strategy) AcquisitionAttempt {
	attempt := AcquisitionAttempt{
		Strategy:     s.Name,
		HighAccuracy: s.HighAccuracy,
		Timeout:      s.Timeout,
		MaximumAge:   s.MaximumAge,
	}
	start := time.Now()

	strategyCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	type outcome struct {
		pos pkg.Position
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		pos, err := a.platform.GetCurrentPosition(strategyCtx, s.Options())
		done <- outcome{pos: pos, err: err}
	}()

	select {
	case out := <-done:
		attempt.Err = out.err
		if out.err == nil {
			if err := out.pos.Validate(); err != nil {
				attempt.Err = fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
			} else {
				pos := out.pos
				attempt.Position = &pos
			}
		}
	case <-strategyCtx.Done():
		attempt.Err = fmt.Errorf("strategy %s: %w", s.Name, strategyCtx.Err())
	}

	attempt.Duration = time.Since(start)
	return attempt
}

// StartContinuousRefinement subscribes to the platform watch with the
// refinement options. Updates are delivered to onUpdate from a dedicated
// goroutine; the returned Subscription must be cancelled by the caller.
func (a *Acquirer) StartContinuousRefinement(ctx context.Context, onUpdate func(pkg.Position)) (*Subscription, error) {
	sub := newSubscription(a.platform, a.config.UpdateBuffer, a.logger)
	id, err := a.platform.WatchPosition(ctx, a.config.RefineOptions, sub.push)
	if err != nil {
		return nil, fmt.Errorf("start position watch: %w", err)
	}
	sub.start(id, onUpdate)

	a.logger.Info("continuous refinement started",
		"watch_id", id,
		"timeout", a.config.RefineOptions.Timeout.String(),
		"maximum_age", a.config.RefineOptions.MaximumAge.String())
	return sub, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
