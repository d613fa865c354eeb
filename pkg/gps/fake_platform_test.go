package gps

import (
	"context"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

type fakeResult struct {
	pos   pkg.Position
	err   error
	block bool
}

func fixAt(accuracy float64) fakeResult {
	return fakeResult{pos: pkg.NewPosition(6.3, -10.8, accuracy, pkg.SourceGPS, time.Now())}
}

func failWith(err error) fakeResult {
	return fakeResult{err: err}
}

func hang() fakeResult {
	return fakeResult{block: true}
}

// fakePlatform replays scripted results; once the script is exhausted the
// last result repeats.
type fakePlatform struct {
	mu      sync.Mutex
	results []fakeResult
	calls   []Options
	gate    chan struct{}
	watches map[WatchID]func(pkg.Position, error)
	cleared []WatchID
	nextID  WatchID
}

func newFakePlatform(results ...fakeResult) *fakePlatform {
	return &fakePlatform{results: results, watches: make(map[WatchID]func(pkg.Position, error))}
}

func (f *fakePlatform) GetCurrentPosition(ctx context.Context, opts Options) (pkg.Position, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, opts)
	r := fakeResult{err: ErrPositionUnavailable}
	if len(f.results) > 0 {
		if idx >= len(f.results) {
			idx = len(f.results) - 1
		}
		r = f.results[idx]
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return pkg.Position{}, ctx.Err()
		}
	}
	if r.block {
		<-ctx.Done()
		return pkg.Position{}, ctx.Err()
	}
	return r.pos, r.err
}

func (f *fakePlatform) WatchPosition(_ context.Context, _ Options, onUpdate func(pkg.Position, error)) (WatchID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.watches[f.nextID] = onUpdate
	return f.nextID, nil
}

func (f *fakePlatform) ClearWatch(id WatchID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watches, id)
	f.cleared = append(f.cleared, id)
}

func (f *fakePlatform) emit(fix pkg.Position) {
	f.mu.Lock()
	callbacks := make([]func(pkg.Position, error), 0, len(f.watches))
	for _, cb := range f.watches {
		callbacks = append(callbacks, cb)
	}
	f.mu.Unlock()
	for _, cb := range callbacks {
		cb(fix, nil)
	}
}

func (f *fakePlatform) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakePlatform) activeWatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

func (f *fakePlatform) clearedWatches() []WatchID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WatchID(nil), f.cleared...)
}

func (f *fakePlatform) setResults(results ...fakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = results
	f.calls = nil
}

// quickStrategies keeps the stock table order and flags with short timeouts
func quickStrategies() []Strategy {
	strategies := DefaultStrategies()
	for i := range strategies {
		strategies[i].Timeout = 50 * time.Millisecond
	}
	return strategies
}

func newQuickAcquirer(platform Platform) *Acquirer {
	config := DefaultAcquirerConfig()
	config.Strategies = quickStrategies()
	return NewAcquirer(platform, config, logx.NewNopLogger())
}
