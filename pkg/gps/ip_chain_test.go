package gps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/metrics"
)

type fakeProviderServer struct {
	*httptest.Server
	hits int32
}

func newFakeProviderServer(t *testing.T, status int, body string) *fakeProviderServer {
	t.Helper()
	f := &fakeProviderServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeProviderServer) Hits() int { return int(atomic.LoadInt32(&f.hits)) }

func newTestChain(providers ...IPProvider) *IPFallbackChain {
	return NewIPFallbackChain(&IPChainConfig{ProviderTimeout: time.Second}, providers, nil, logx.NewNopLogger())
}

func TestIPChainSkipsFailingProvider(t *testing.T) {
	p1 := newFakeProviderServer(t, http.StatusInternalServerError, `{"error":true}`)
	p2 := newFakeProviderServer(t, http.StatusOK, `{"status":"success","query":"41.57.1.2","lat":6.3,"lon":-10.8,"city":"Monrovia"}`)
	p3 := newFakeProviderServer(t, http.StatusOK, `{"ip":"1.1.1.1","loc":"1,1"}`)

	chain := newTestChain(
		NewIPAPICoProvider(p1.URL),
		NewIPAPIComProvider(p2.URL),
		NewIPInfoProvider(p3.URL),
	)
	collectors := metrics.New()
	chain.SetMetrics(collectors)

	loc, err := chain.ResolveByIP(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6.3, loc.Position.Latitude)
	assert.Equal(t, -10.8, loc.Position.Longitude)
	assert.Equal(t, pkg.SourceIP, loc.Position.Source)
	assert.Equal(t, IPAccuracyM, *loc.Position.Accuracy)
	assert.Equal(t, "41.57.1.2", loc.IPAddress)
	assert.Equal(t, "ip-api.com", loc.Provider)
	assert.Equal(t, "Monrovia", loc.Label())

	assert.Equal(t, 1, p1.Hits())
	assert.Equal(t, 1, p2.Hits())
	assert.Equal(t, 0, p3.Hits(), "provider 3 must not be called once provider 2 succeeded")
}

func TestIPChainExhaustion(t *testing.T) {
	zero := newFakeProviderServer(t, http.StatusOK, `{"latitude":0,"longitude":0,"ip":"10.0.0.1"}`)
	garbage := newFakeProviderServer(t, http.StatusOK, `not json`)
	missing := newFakeProviderServer(t, http.StatusOK, `{"ip":"10.0.0.1"}`)
	outOfRange := newFakeProviderServer(t, http.StatusOK, `{"success":true,"latitude":95,"longitude":10}`)

	chain := newTestChain(
		NewIPAPICoProvider(zero.URL),
		NewIPAPIComProvider(garbage.URL),
		NewIPInfoProvider(missing.URL),
		NewIPWhoIsProvider(outOfRange.URL),
	)

	loc, err := chain.ResolveByIP(context.Background())
	assert.Nil(t, loc)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	for _, s := range []*fakeProviderServer{zero, garbage, missing, outOfRange} {
		assert.Equal(t, 1, s.Hits())
	}
}

func TestIPChainProviderTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	ok := newFakeProviderServer(t, http.StatusOK, `{"ip":"8.8.8.8","latitude":51.5,"longitude":-0.12}`)

	chain := NewIPFallbackChain(&IPChainConfig{ProviderTimeout: 50 * time.Millisecond},
		[]IPProvider{NewIPAPICoProvider(slow.URL), NewIPAPICoProvider(ok.URL)}, nil, logx.NewNopLogger())

	start := time.Now()
	loc, err := chain.ResolveByIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 51.5, loc.Position.Latitude)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProviderParsers(t *testing.T) {
	tests := []struct {
		name     string
		provider IPProvider
		body     string
		wantLat  float64
		wantLon  float64
		wantIP   string
		wantErr  bool
	}{
		{"ipapi.co", NewIPAPICoProvider(""), `{"ip":"1.2.3.4","latitude":6.3,"longitude":-10.8}`, 6.3, -10.8, "1.2.3.4", false},
		{"ipapi.co error flag", NewIPAPICoProvider(""), `{"error":true,"reason":"RateLimited"}`, 0, 0, "", true},
		{"ip-api.com", NewIPAPIComProvider(""), `{"status":"success","query":"1.2.3.4","lat":1.5,"lon":2.5}`, 1.5, 2.5, "1.2.3.4", false},
		{"ip-api.com fail", NewIPAPIComProvider(""), `{"status":"fail","message":"reserved range"}`, 0, 0, "", true},
		{"ipinfo.io", NewIPInfoProvider(""), `{"ip":"1.2.3.4","loc":"48.85,2.35"}`, 48.85, 2.35, "1.2.3.4", false},
		{"ipinfo.io malformed loc", NewIPInfoProvider(""), `{"loc":"48.85"}`, 0, 0, "", true},
		{"ipwho.is", NewIPWhoIsProvider(""), `{"success":true,"ip":"1.2.3.4","latitude":-33.9,"longitude":18.4}`, -33.9, 18.4, "1.2.3.4", false},
		{"ipwho.is failure", NewIPWhoIsProvider(""), `{"success":false,"message":"Invalid IP"}`, 0, 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.provider.Parse([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, c.Latitude)
			require.NotNil(t, c.Longitude)
			assert.Equal(t, tt.wantLat, *c.Latitude)
			assert.Equal(t, tt.wantLon, *c.Longitude)
			assert.Equal(t, tt.wantIP, c.IPAddress)
		})
	}
}

func TestIPProvidersByName(t *testing.T) {
	providers, err := IPProvidersByName([]string{"ipinfo.io", "ipapi.co"})
	require.NoError(t, err)
	chain := newTestChain(providers...)
	assert.Equal(t, []string{"ipinfo.io", "ipapi.co"}, chain.Providers())

	_, err = IPProvidersByName([]string{"geo.example"})
	assert.Error(t, err)

	assert.Len(t, DefaultIPProviders(), 4)
}
