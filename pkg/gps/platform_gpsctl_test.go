package gps

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

type fakeGpsctl struct {
	mu      sync.Mutex
	outputs map[string]string
	err     error
	calls   int
}

func (f *fakeGpsctl) run(_ context.Context, _ string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.outputs[args[0]], nil
}

func newTestGpsctl(fake *fakeGpsctl, now time.Time) *GpsctlPlatform {
	p := NewGpsctlPlatform("", 10*time.Millisecond, logx.NewNopLogger())
	p.run = fake.run
	p.now = func() time.Time { return now }
	return p
}

func TestGpsctlPlatformReadsFix(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fake := &fakeGpsctl{outputs: map[string]string{"-s": "1", "-i": "6.300100", "-x": "-10.800200", "-u": "12.5"}}
	platform := newTestGpsctl(fake, now)

	fix, err := platform.GetCurrentPosition(context.Background(), Options{EnableHighAccuracy: true, Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 6.3001, fix.Latitude)
	assert.Equal(t, -10.8002, fix.Longitude)
	assert.Equal(t, 12.5, fix.AccuracyOrInf())
	assert.Equal(t, pkg.SourceGPS, fix.Source)
	assert.Equal(t, now, fix.CapturedAt)
	assert.Equal(t, 4, fake.calls)
}

func TestGpsctlPlatformServesCachedFix(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fake := &fakeGpsctl{outputs: map[string]string{"-s": "1", "-i": "6.3", "-x": "-10.8", "-u": "30"}}
	platform := newTestGpsctl(fake, now)

	_, err := platform.GetCurrentPosition(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 4, fake.calls)

	platform.now = func() time.Time { return now.Add(3 * time.Second) }
	_, err = platform.GetCurrentPosition(context.Background(), Options{MaximumAge: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 4, fake.calls, "fix within maximum age comes from cache")

	_, err = platform.GetCurrentPosition(context.Background(), Options{MaximumAge: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 8, fake.calls)
}

func TestGpsctlPlatformErrors(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeGpsctl
		want error
	}{
		{"permission", &fakeGpsctl{err: os.ErrPermission}, ErrPermissionDenied},
		{"missing binary", &fakeGpsctl{err: errors.New("exec: not found")}, ErrPositionUnavailable},
		{"inactive", &fakeGpsctl{outputs: map[string]string{"-s": "0"}}, ErrPositionUnavailable},
		{"null island", &fakeGpsctl{outputs: map[string]string{"-s": "1", "-i": "0", "-x": "0", "-u": "5"}}, ErrPositionUnavailable},
		{"garbage", &fakeGpsctl{outputs: map[string]string{"-s": "1", "-i": "n/a", "-x": "1", "-u": "5"}}, ErrPositionUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			platform := newTestGpsctl(tt.fake, time.Now())
			_, err := platform.GetCurrentPosition(context.Background(), Options{Timeout: time.Second})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGpsctlPlatformWatch(t *testing.T) {
	fake := &fakeGpsctl{outputs: map[string]string{"-s": "1", "-i": "6.3", "-x": "-10.8", "-u": "8"}}
	platform := NewGpsctlPlatform("gpsctl", 5*time.Millisecond, logx.NewNopLogger())
	platform.run = fake.run

	updates := make(chan pkg.Position, 16)
	id, err := platform.WatchPosition(context.Background(), Options{Timeout: time.Second}, func(p pkg.Position, err error) {
		if err == nil {
			select {
			case updates <- p:
			default:
			}
		}
	})
	require.NoError(t, err)

	select {
	case p := <-updates:
		assert.Equal(t, 8.0, p.AccuracyOrInf())
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	platform.ClearWatch(id)
	platform.ClearWatch(id)

	platform.mu.Lock()
	assert.Empty(t, platform.watches)
	platform.mu.Unlock()
}
