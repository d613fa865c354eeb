package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/metrics"
)

// Phase is the optimizer state machine position
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseOptimizing Phase = "optimizing"
	PhaseSettled    Phase = "settled"
	PhaseDegraded   Phase = "degraded"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseOptimizing, PhaseSettled},
	PhaseOptimizing: {PhaseIdle, PhaseSettled, PhaseDegraded},
	PhaseSettled:    {PhaseOptimizing},
	PhaseDegraded:   {PhaseOptimizing, PhaseSettled},
}

// CanTransitionTo reports whether next is a legal successor of p
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PermissionStatus is the last known location permission answer
type PermissionStatus string

const (
	PermissionUnknown PermissionStatus = "unknown"
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
)

// Trigger names what started an optimization cycle
type Trigger string

const (
	TriggerUser Trigger = "user"
	TriggerAuto Trigger = "auto"
)

// OptimizationState is the observable state of one optimizer session
type OptimizationState struct {
	Phase            Phase            `json:"phase"`
	PermissionStatus PermissionStatus `json:"permission_status"`
	BestPosition     *pkg.Position    `json:"best_position,omitempty"`
	Tier             Tier             `json:"tier"`
	IsOptimizing     bool             `json:"is_optimizing"`
	LastAttemptAt    time.Time        `json:"last_attempt_at"`
	AttemptCount     int              `json:"attempt_count"`
	Recommendations  []string         `json:"recommendations"`
}

func (s OptimizationState) clone() OptimizationState {
	c := s
	if s.BestPosition != nil {
		p := *s.BestPosition
		c.BestPosition = &p
	}
	c.Recommendations = append([]string(nil), s.Recommendations...)
	return c
}

// OptimizerConfig holds the auto-optimization thresholds
type OptimizerConfig struct {
	MaxAttempts          int           `json:"max_attempts"`
	AutoTriggerAccuracyM float64       `json:"auto_trigger_accuracy_m"`
	SettleAccuracyM      float64       `json:"settle_accuracy_m"`
	RefineThresholdM     float64       `json:"refine_threshold_m"`
	Cooldown             time.Duration `json:"cooldown"`
	GracePeriod          time.Duration `json:"grace_period"`
	GeocodeTimeout       time.Duration `json:"geocode_timeout"`
	AutoOptimize         bool          `json:"auto_optimize"`
}

// DefaultOptimizerConfig returns the stock loop parameters
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		MaxAttempts:          3,
		AutoTriggerAccuracyM: FairAccuracyM,
		SettleAccuracyM:      ExcellentAccuracyM,
		RefineThresholdM:     GoodAccuracyM,
		Cooldown:             30 * time.Second,
		GracePeriod:          2 * time.Second,
		GeocodeTimeout:       10 * time.Second,
		AutoOptimize:         true,
	}
}

// ShouldAutoTrigger evaluates the automatic retry condition at now
func ShouldAutoTrigger(s OptimizationState, config *OptimizerConfig, now time.Time) bool {
	return autoEligible(s, config) && now.Sub(s.LastAttemptAt) > config.Cooldown
}

func autoEligible(s OptimizationState, config *OptimizerConfig) bool {
	return s.BestPosition != nil &&
		s.BestPosition.AccuracyOrInf() > config.AutoTriggerAccuracyM &&
		!s.IsOptimizing &&
		s.AttemptCount < config.MaxAttempts &&
		s.PermissionStatus != PermissionDenied
}

var (
	permissionRemediation = []string{
		"Location permission was denied, allow location access for this application in the device settings",
		"Tap retry after granting permission",
	}
	signalRemediation = []string{
		"Could not determine your location",
		"Check that location services are turned on",
		"Check your network connection and tap retry",
	}
	improvingNote = "Precision is still improving, stay where you are for a moment"
)

type timerHandle interface {
	Stop() bool
}

// Optimizer drives the auto-optimization loop for one session. It owns its
// OptimizationState; readers get copies through State and OnStateChange.
type Optimizer struct {
	acquirer *Acquirer
	resolver IPResolver
	geocoder Geocoder
	config   *OptimizerConfig
	logger   *logx.Logger
	metrics  *metrics.Collectors

	now       func() time.Time
	afterFunc func(time.Duration, func()) timerHandle

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        OptimizationState
	subscription *Subscription
	timer        timerHandle
	listeners    []func(OptimizationState)
	closed       bool
}

// NewOptimizer creates an idle optimizer. resolver may be nil, in which case
// no IP fallback is attempted.
func NewOptimizer(config *OptimizerConfig, acquirer *Acquirer, resolver IPResolver, logger *logx.Logger) *Optimizer {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Optimizer{
		acquirer: acquirer,
		resolver: resolver,
		config:   config,
		logger:   logger,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) timerHandle {
			return time.AfterFunc(d, f)
		},
		ctx:    ctx,
		cancel: cancel,
		state: OptimizationState{
			Phase:            PhaseIdle,
			PermissionStatus: PermissionUnknown,
			Tier:             TierUnusable,
		},
	}
}

// SetGeocoder enables reverse geocoding of settled positions
func (o *Optimizer) SetGeocoder(g Geocoder) { o.geocoder = g }

// SetMetrics attaches Prometheus collectors
func (o *Optimizer) SetMetrics(m *metrics.Collectors) { o.metrics = m }

// OnStateChange registers a listener called with a copy of every new state
func (o *Optimizer) OnStateChange(fn func(OptimizationState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// State returns a copy of the current state
func (o *Optimizer) State() OptimizationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Optimize runs one acquisition cycle with IP fallback. A user trigger
// resets the attempt counter so a manual retry is always possible. A call
// made while a cycle runs is a no-op returning ErrAlreadyOptimizing.
func (o *Optimizer) Optimize(ctx context.Context, trigger Trigger) (OptimizationState, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return OptimizationState{}, ErrOptimizerClosed
	}
	if o.state.IsOptimizing {
		snapshot := o.state.clone()
		o.mu.Unlock()
		o.logger.Info("optimization already in progress, ignoring request", "trigger", trigger)
		return snapshot, ErrAlreadyOptimizing
	}

	if trigger == TriggerUser {
		o.state.AttemptCount = 0
		o.stopTimerLocked()
	}
	o.setPhaseLocked(PhaseOptimizing, string(trigger))
	o.state.IsOptimizing = true
	o.state.AttemptCount++
	o.state.LastAttemptAt = o.now()
	attempt := o.state.AttemptCount
	started := o.state.clone()
	o.mu.Unlock()
	o.notify(started)

	candidate, fromSensor, permission, err := o.locate(ctx)

	if candidate != nil && o.geocoder != nil && candidate.AccuracyOrInf() <= o.config.SettleAccuracyM {
		candidate = o.geocode(ctx, *candidate)
	}

	o.mu.Lock()
	if permission != PermissionUnknown {
		o.state.PermissionStatus = permission
	}
	o.state.IsOptimizing = false

	var next Phase
	if candidate == nil {
		next = PhaseDegraded
		if o.state.PermissionStatus == PermissionDenied {
			o.state.Recommendations = append([]string(nil), permissionRemediation...)
		} else {
			o.state.Recommendations = append([]string(nil), signalRemediation...)
		}
	} else {
		if o.state.BestPosition == nil || candidate.BetterThan(*o.state.BestPosition) {
			o.state.BestPosition = candidate
		}
		o.refreshAssessmentLocked()
		next = o.settleLocked(attempt)
	}
	o.setPhaseLocked(next, string(trigger))
	o.scheduleAutoLocked()

	startRefine := fromSensor && o.subscription == nil && !o.closed &&
		o.state.BestPosition != nil && o.state.BestPosition.AccuracyOrInf() <= o.config.RefineThresholdM
	finished := o.state.clone()
	o.mu.Unlock()

	o.metrics.OptimizerRun(string(trigger), string(next))
	if finished.BestPosition != nil {
		o.metrics.BestAccuracy(finished.BestPosition.AccuracyOrInf())
	}
	o.notify(finished)

	if startRefine {
		o.startRefinement()
	}

	if candidate == nil {
		o.logger.Warn("optimization degraded, no position available",
			"trigger", trigger, "attempt", attempt, "permission", finished.PermissionStatus, "error", err)
		return finished, err
	}
	return finished, nil
}

// locate acquires from the platform and falls back to IP resolution
func (o *Optimizer) locate(ctx context.Context) (*pkg.Position, bool, PermissionStatus, error) {
	permission := PermissionUnknown

	acq, err := o.acquirer.Acquire(ctx)
	if err == nil {
		fix := acq.Position
		return &fix, true, PermissionGranted, nil
	}
	if errors.Is(err, ErrPermissionDenied) {
		permission = PermissionDenied
	}

	if o.resolver == nil {
		return nil, false, permission, err
	}

	o.logger.Info("platform acquisition failed, falling back to ip geolocation", "error", err)
	loc, ipErr := o.resolver.ResolveByIP(ctx)
	if ipErr != nil {
		return nil, false, permission, fmt.Errorf("%w; ip fallback: %w", err, ipErr)
	}
	fix := loc.Position
	return &fix, false, permission, nil
}

func (o *Optimizer) geocode(ctx context.Context, fix pkg.Position) *pkg.Position {
	gctx, cancel := context.WithTimeout(ctx, o.config.GeocodeTimeout)
	defer cancel()

	address, err := o.geocoder.ReverseGeocode(gctx, fix.Latitude, fix.Longitude)
	if err != nil {
		o.logger.Warn("reverse geocoding failed", "error", err)
		return &fix
	}
	withAddress := fix.WithAddress(address)
	return &withAddress
}

// settleLocked picks the phase that ends a cycle with a position
func (o *Optimizer) settleLocked(attempt int) Phase {
	best := o.state.BestPosition.AccuracyOrInf()
	switch {
	case best <= o.config.SettleAccuracyM:
		return PhaseSettled
	case attempt >= o.config.MaxAttempts && o.state.Tier >= TierFair:
		return PhaseSettled
	case attempt >= o.config.MaxAttempts:
		return PhaseDegraded
	default:
		return PhaseIdle
	}
}

func (o *Optimizer) refreshAssessmentLocked() {
	assessment := ClassifyPosition(*o.state.BestPosition)
	o.state.Tier = assessment.Tier
	o.state.Recommendations = assessment.Recommendations

	if o.state.Tier == TierFair && o.subscription != nil {
		if slope, ok := o.subscription.Trend(); ok && slope < 0 {
			o.state.Recommendations = append(o.state.Recommendations, improvingNote)
		}
	}
}

func (o *Optimizer) setPhaseLocked(next Phase, reason string) {
	from := o.state.Phase
	if from == next {
		return
	}
	if !from.CanTransitionTo(next) {
		o.logger.Error("illegal optimizer transition", "from", from, "to", next, "reason", reason)
		return
	}
	o.state.Phase = next
	o.logger.LogStateChange("optimizer", string(from), string(next), reason, map[string]interface{}{
		"attempt_count": o.state.AttemptCount,
		"tier":          o.state.Tier.String(),
	})
}

// scheduleAutoLocked arms the automatic retry timer for when the cooldown
// has elapsed, plus the grace period.
func (o *Optimizer) scheduleAutoLocked() {
	if !o.config.AutoOptimize || o.closed || o.timer != nil || !autoEligible(o.state, o.config) {
		return
	}
	wait := o.config.Cooldown - o.now().Sub(o.state.LastAttemptAt)
	if wait < 0 {
		wait = 0
	}
	delay := wait + o.config.GracePeriod
	o.timer = o.afterFunc(delay, o.autoFire)
	o.logger.Debug("automatic optimization scheduled", "delay", delay.String(), "attempt_count", o.state.AttemptCount)
}

func (o *Optimizer) autoFire() {
	o.mu.Lock()
	o.timer = nil
	fire := !o.closed && ShouldAutoTrigger(o.state, o.config, o.now())
	o.mu.Unlock()
	if !fire {
		return
	}
	if _, err := o.Optimize(o.ctx, TriggerAuto); err != nil {
		o.logger.Debug("automatic optimization finished with error", "error", err)
	}
}

func (o *Optimizer) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Optimizer) startRefinement() {
	sub, err := o.acquirer.StartContinuousRefinement(o.ctx, o.onRefinement)
	if err != nil {
		o.logger.Warn("could not start continuous refinement", "error", err)
		return
	}

	o.mu.Lock()
	if o.closed || o.subscription != nil {
		o.mu.Unlock()
		sub.Cancel()
		return
	}
	o.subscription = sub
	o.mu.Unlock()
}

func (o *Optimizer) onRefinement(fix pkg.Position) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if o.state.BestPosition != nil && !fix.BetterThan(*o.state.BestPosition) {
		o.mu.Unlock()
		return
	}
	if o.state.BestPosition != nil && o.state.BestPosition.Address != "" && fix.Address == "" {
		fix = fix.WithAddress(o.state.BestPosition.Address)
	}
	o.state.BestPosition = &fix
	o.refreshAssessmentLocked()
	if !o.state.IsOptimizing && fix.AccuracyOrInf() <= o.config.SettleAccuracyM {
		o.setPhaseLocked(PhaseSettled, "refinement")
	}
	snapshot := o.state.clone()
	o.mu.Unlock()

	o.metrics.BestAccuracy(fix.AccuracyOrInf())
	o.notify(snapshot)
}

// StopRefinement cancels the continuous refinement watch if one runs
func (o *Optimizer) StopRefinement() {
	o.mu.Lock()
	sub := o.subscription
	o.subscription = nil
	o.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// Close cancels pending timers and the refinement watch. Further Optimize
// calls return ErrOptimizerClosed.
func (o *Optimizer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopTimerLocked()
	sub := o.subscription
	o.subscription = nil
	o.mu.Unlock()

	o.cancel()
	if sub != nil {
		sub.Cancel()
	}
}

func (o *Optimizer) notify(state OptimizationState) {
	o.mu.Lock()
	listeners := append([]func(OptimizationState){}, o.listeners...)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(state.clone())
	}
}
