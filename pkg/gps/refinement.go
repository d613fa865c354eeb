package gps

import (
	"math"
	"sync"

	"github.com/sajari/regression"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

// trendWindow is the number of recent accuracy samples used for Trend
const trendWindow = 10

// Subscription is a running continuous-refinement watch. Updates are queued
// in a bounded buffer; when the consumer lags the oldest queued fix is
// dropped, since only the most recent fixes matter for refinement.
type Subscription struct {
	platform Platform
	logger   *logx.Logger

	mu       sync.Mutex
	id       WatchID
	updates  chan pkg.Position
	done     chan struct{}
	once     sync.Once
	samples  []trendSample
	dropped  int
	received int
}

type trendSample struct {
	seconds  float64
	accuracy float64
}

func newSubscription(platform Platform, buffer int, logger *logx.Logger) *Subscription {
	return &Subscription{
		platform: platform,
		logger:   logger,
		updates:  make(chan pkg.Position, buffer),
		done:     make(chan struct{}),
	}
}

func (s *Subscription) start(id WatchID, onUpdate func(pkg.Position)) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case fix := <-s.updates:
				// select is not ordered; a fix may win over a closed done
				select {
				case <-s.done:
					return
				default:
				}
				s.record(fix)
				if onUpdate != nil {
					onUpdate(fix)
				}
			}
		}
	}()
}

// push is the platform callback. Watch errors are logged and skipped.
func (s *Subscription) push(fix pkg.Position, err error) {
	if err != nil {
		s.logger.LogDebugVerbose("refinement_update_error", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if fix.Validate() != nil {
		return
	}

	select {
	case <-s.done:
		return
	default:
	}

	for {
		select {
		case s.updates <- fix:
			return
		default:
		}
		select {
		case <-s.updates:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
	}
}

func (s *Subscription) record(fix pkg.Position) {
	if !fix.HasAccuracy() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	s.samples = append(s.samples, trendSample{
		seconds:  float64(fix.CapturedAt.UnixNano()) / 1e9,
		accuracy: *fix.Accuracy,
	})
	if len(s.samples) > trendWindow {
		s.samples = s.samples[len(s.samples)-trendWindow:]
	}
}

// Cancel stops the platform watch. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		id := s.id
		s.mu.Unlock()
		s.platform.ClearWatch(id)
		close(s.done)
		s.logger.Debug("continuous refinement stopped", "watch_id", id, "dropped", s.Dropped())
	})
}

// Done is closed once the subscription has been cancelled
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many fixes were discarded because the consumer lagged
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Trend fits a line through the recent accuracy samples and returns its
// slope in meters per second. A negative slope means precision is
// improving. ok is false until at least three samples spanning more than
// one instant were seen.
func (s *Subscription) Trend() (slope float64, ok bool) {
	s.mu.Lock()
	samples := make([]trendSample, len(s.samples))
	copy(samples, s.samples)
	s.mu.Unlock()

	return accuracyTrend(samples)
}

func accuracyTrend(samples []trendSample) (float64, bool) {
	if len(samples) < 3 {
		return 0, false
	}

	origin := samples[0].seconds
	distinct := false
	r := new(regression.Regression)
	r.SetObserved("accuracy_m")
	r.SetVar(0, "elapsed_s")
	for _, sample := range samples {
		x := sample.seconds - origin
		if x != 0 {
			distinct = true
		}
		r.Train(regression.DataPoint(sample.accuracy, []float64{x}))
	}
	if !distinct {
		return 0, false
	}
	if err := r.Run(); err != nil {
		return 0, false
	}

	slope := r.Coeff(1)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0, false
	}
	return slope, true
}
