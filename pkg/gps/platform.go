package gps

import (
	"context"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg"
)

// Options mirrors the platform position request options
type Options struct {
	EnableHighAccuracy bool          `json:"enable_high_accuracy"`
	Timeout            time.Duration `json:"timeout"`
	MaximumAge         time.Duration `json:"maximum_age"`
}

// WatchID identifies a running platform watch
type WatchID int64

// Platform is the device location capability. Implementations return
// ErrPermissionDenied when location access was refused and must honour ctx
// cancellation. WatchPosition delivers fixes or errors through onUpdate
// until ClearWatch is called.
type Platform interface {
	GetCurrentPosition(ctx context.Context, opts Options) (pkg.Position, error)
	WatchPosition(ctx context.Context, opts Options, onUpdate func(pkg.Position, error)) (WatchID, error)
	ClearWatch(id WatchID)
}
