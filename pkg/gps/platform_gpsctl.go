package gps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

// GpsctlPlatform reads the device GNSS receiver through the gpsctl utility.
// Fixes younger than Options.MaximumAge are served from the last fix.
type GpsctlPlatform struct {
	binary       string
	pollInterval time.Duration
	logger       *logx.Logger
	run          func(ctx context.Context, name string, args ...string) (string, error)
	now          func() time.Time

	mu      sync.Mutex
	lastFix *pkg.Position
	nextID  WatchID
	watches map[WatchID]context.CancelFunc
}

// NewGpsctlPlatform creates a platform backed by the gpsctl binary at path
func NewGpsctlPlatform(path string, pollInterval time.Duration, logger *logx.Logger) *GpsctlPlatform {
	if path == "" {
		path = "gpsctl"
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &GpsctlPlatform{
		binary:       path,
		pollInterval: pollInterval,
		logger:       logger,
		run:          runCommand,
		now:          time.Now,
		watches:      make(map[WatchID]context.CancelFunc),
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// GetCurrentPosition returns a cached fix when allowed by MaximumAge,
// otherwise queries the receiver.
func (g *GpsctlPlatform) GetCurrentPosition(ctx context.Context, opts Options) (pkg.Position, error) {
	if opts.MaximumAge > 0 {
		g.mu.Lock()
		cached := g.lastFix
		g.mu.Unlock()
		if cached != nil && g.now().Sub(cached.CapturedAt) <= opts.MaximumAge {
			return *cached, nil
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	fix, err := g.query(ctx)
	if err != nil {
		return pkg.Position{}, err
	}

	g.mu.Lock()
	g.lastFix = &fix
	g.mu.Unlock()
	return fix, nil
}

func (g *GpsctlPlatform) query(ctx context.Context) (pkg.Position, error) {
	status, err := g.run(ctx, g.binary, "-s")
	if err != nil {
		return pkg.Position{}, g.mapError("status", err)
	}
	if status != "1" {
		return pkg.Position{}, fmt.Errorf("%w: gps not active, status %q", ErrPositionUnavailable, status)
	}

	values := make(map[string]float64, 3)
	for _, f := range []struct{ name, flag string }{
		{"latitude", "-i"},
		{"longitude", "-x"},
		{"accuracy", "-u"},
	} {
		out, err := g.run(ctx, g.binary, f.flag)
		if err != nil {
			return pkg.Position{}, g.mapError(f.name, err)
		}
		v, err := strconv.ParseFloat(out, 64)
		if err != nil {
			return pkg.Position{}, fmt.Errorf("%w: parse %s %q", ErrPositionUnavailable, f.name, out)
		}
		values[f.name] = v
	}

	if values["latitude"] == 0 && values["longitude"] == 0 {
		return pkg.Position{}, fmt.Errorf("%w: invalid gps coordinates 0,0", ErrPositionUnavailable)
	}

	fix := pkg.NewPosition(values["latitude"], values["longitude"], values["accuracy"], pkg.SourceGPS, g.now())
	if err := fix.Validate(); err != nil {
		return pkg.Position{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}

	g.logger.LogDebugVerbose("gpsctl_fix", map[string]interface{}{
		"latitude":  fix.Latitude,
		"longitude": fix.Longitude,
		"accuracy":  values["accuracy"],
	})
	return fix, nil
}

func (g *GpsctlPlatform) mapError(what string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: gpsctl %s", ErrPermissionDenied, what)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: gpsctl %s: %v", ErrPositionUnavailable, what, err)
}

// WatchPosition polls the receiver until ClearWatch or ctx cancellation
func (g *GpsctlPlatform) WatchPosition(ctx context.Context, opts Options, onUpdate func(pkg.Position, error)) (WatchID, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.watches[id] = cancel
	g.mu.Unlock()

	go func() {
		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()
		for {
			fix, err := g.GetCurrentPosition(watchCtx, opts)
			if watchCtx.Err() != nil {
				return
			}
			onUpdate(fix, err)

			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return id, nil
}

// ClearWatch stops a watch; unknown ids are ignored
func (g *GpsctlPlatform) ClearWatch(id WatchID) {
	g.mu.Lock()
	cancel, ok := g.watches[id]
	delete(g.watches, id)
	g.mu.Unlock()
	if ok {
		cancel()
	}
}
