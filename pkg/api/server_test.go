package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/gps"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/metrics"
)

type fakeLocator struct {
	mu        sync.Mutex
	state     gps.OptimizationState
	err       error
	optimized []gps.Trigger
}

func (f *fakeLocator) State() gps.OptimizationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLocator) Optimize(_ context.Context, trigger gps.Trigger) (gps.OptimizationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optimized = append(f.optimized, trigger)
	return f.state, f.err
}

type fakeResolver struct {
	loc *gps.IPLocation
	err error
}

func (f *fakeResolver) ResolveByIP(context.Context) (*gps.IPLocation, error) {
	return f.loc, f.err
}

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []attendance.EventRequest
	tokens   []string
	result   *attendance.Result
	err      error
	hold     chan struct{}
	active   int
	maxSeen  int
}

func (f *fakeSubmitter) Submit(ctx context.Context, endpoint attendance.Endpoint, req attendance.EventRequest) (*attendance.Result, error) {
	token, _ := attendance.ContextToken{}.Token(ctx)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.tokens = append(f.tokens, token)
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		<-hold
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &attendance.Result{Message: endpoint.Name + " ok", Method: req.Method, AttemptNumber: 1}, nil
}

func settledState(accuracy float64) gps.OptimizationState {
	p := pkg.NewPosition(6.3, -10.8, accuracy, pkg.SourceGPS, time.Now())
	return gps.OptimizationState{
		Phase:        gps.PhaseSettled,
		BestPosition: &p,
		Tier:         gps.ClassifyTier(p.Accuracy),
		AttemptCount: 1,
	}
}

func newTestServer(config *ServerConfig) (*Server, *fakeLocator, *fakeResolver, *fakeSubmitter) {
	loc := &fakeLocator{state: settledState(12)}
	res := &fakeResolver{}
	sub := &fakeSubmitter{}
	s := NewServer(config, loc, res, sub, metrics.New(), logx.NewNopLogger())
	return s, loc, res, sub
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, _, _ := newTestServer(nil)

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = do(t, s.Handler(), http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetLocationIncludesAssessment(t *testing.T) {
	s, _, _, _ := newTestServer(nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/location", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State      map[string]interface{} `json:"state"`
		Assessment map[string]interface{} `json:"assessment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "settled", body.State["phase"])
	assert.Equal(t, "excellent", body.Assessment["tier"])
}

func TestGetLocationWithoutFixOmitsAssessment(t *testing.T) {
	s, loc, _, _ := newTestServer(nil)
	loc.state = gps.OptimizationState{Phase: gps.PhaseIdle}

	rec := do(t, s.Handler(), http.MethodGet, "/api/location", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "assessment")
}

func TestOptimizeIsUserTriggered(t *testing.T) {
	s, loc, _, _ := newTestServer(nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/location/optimize", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []gps.Trigger{gps.TriggerUser}, loc.optimized)

	loc.err = gps.ErrAlreadyOptimizing
	rec = do(t, s.Handler(), http.MethodPost, "/api/location/optimize", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	loc.err = gps.ErrOptimizerClosed
	rec = do(t, s.Handler(), http.MethodPost, "/api/location/optimize", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIPLocation(t *testing.T) {
	s, _, res, _ := newTestServer(nil)
	res.loc = &gps.IPLocation{
		Position:  pkg.NewPosition(6.3, -10.8, gps.IPAccuracyM, pkg.SourceIP, time.Now()),
		IPAddress: "41.57.0.1",
		Provider:  "ipapi.co",
		City:      "Monrovia",
		Country:   "Liberia",
	}

	rec := do(t, s.Handler(), http.MethodGet, "/api/location/ip", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Monrovia, Liberia")

	res.err = gps.ErrAllProvidersFailed
	rec = do(t, s.Handler(), http.MethodGet, "/api/location/ip", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), attendance.MsgLocationUnavailable)
}

func TestCheckInUsesBestPositionAndBearer(t *testing.T) {
	s, _, _, sub := newTestServer(nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/attendance/checkin",
		`{"userId":"u-1","method":"gps","workplaceId":"w-9"}`,
		map[string]string{"Authorization": "Bearer tok-123"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "checkin ok")

	require.Len(t, sub.requests, 1)
	req := sub.requests[0]
	assert.Equal(t, "u-1", req.SubjectID)
	assert.Equal(t, "w-9", req.WorkplaceID)
	require.NotNil(t, req.Position)
	assert.InDelta(t, 12.0, *req.Position.Accuracy, 1e-9)
	assert.Equal(t, "tok-123", sub.tokens[0])
}

func TestCheckOutManualNeedsNoPosition(t *testing.T) {
	s, loc, _, sub := newTestServer(nil)
	loc.state = gps.OptimizationState{Phase: gps.PhaseIdle}

	rec := do(t, s.Handler(), http.MethodPost, "/api/attendance/checkout", `{"userId":"u-1","method":"manual"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sub.requests, 1)
	assert.Nil(t, sub.requests[0].Position)
	assert.Equal(t, "", sub.tokens[0])
}

func TestGPSCheckInWithoutFixIsRejected(t *testing.T) {
	s, loc, _, sub := newTestServer(nil)
	loc.state = gps.OptimizationState{Phase: gps.PhaseDegraded}

	rec := do(t, s.Handler(), http.MethodPost, "/api/attendance/checkin", `{"userId":"u-1","method":"gps"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), attendance.MsgLocationUnavailable)
	assert.Empty(t, sub.requests)
}

func TestAttendanceRejectsBadInput(t *testing.T) {
	s, _, _, _ := newTestServer(nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/attendance/checkin", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/api/attendance/lunch", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/api/attendance/checkin", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSubmissionErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *attendance.SubmissionError
		status int
	}{
		{"no credential", &attendance.SubmissionError{Class: attendance.ClassTerminal, UserMessage: attendance.MsgSessionExpired, Err: attendance.ErrAuthenticationRequired}, http.StatusUnauthorized},
		{"api 401", &attendance.SubmissionError{Class: attendance.ClassTerminal, StatusCode: 401, Err: &attendance.HTTPError{StatusCode: 401}}, http.StatusUnauthorized},
		{"invalid", &attendance.SubmissionError{Class: attendance.ClassTerminal, Err: attendance.ErrInvalidRequest}, http.StatusBadRequest},
		{"no ip location", &attendance.SubmissionError{Class: attendance.ClassTerminal, Err: attendance.ErrLocationUnavailable}, http.StatusUnprocessableEntity},
		{"duplicate", &attendance.SubmissionError{Class: attendance.ClassTerminal, StatusCode: 400, Err: &attendance.HTTPError{StatusCode: 400}}, http.StatusBadRequest},
		{"exhausted", &attendance.SubmissionError{Class: attendance.ClassRetryable, StatusCode: 503, Attempts: 3, Err: &attendance.HTTPError{StatusCode: 503}}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, submissionStatus(tt.err))
		})
	}
}

func TestSubmissionErrorBody(t *testing.T) {
	s, _, _, sub := newTestServer(nil)
	sub.err = &attendance.SubmissionError{
		Class:         attendance.ClassRetryable,
		StatusCode:    503,
		ServerMessage: "maintenance",
		UserMessage:   attendance.MsgServerError,
		Attempts:      3,
		Err:           &attendance.HTTPError{StatusCode: 503, Message: "maintenance"},
	}

	rec := do(t, s.Handler(), http.MethodPost, "/api/attendance/checkin", `{"userId":"u-1","method":"manual"}`, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body AttendanceError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, attendance.MsgServerError, body.Error)
	assert.Equal(t, attendance.ClassRetryable, body.Class)
	assert.Equal(t, 3, body.Attempts)
	assert.Equal(t, "maintenance", body.ServerMessage)

	sub.err = errors.New("not classified")
	rec = do(t, s.Handler(), http.MethodPost, "/api/attendance/checkin", `{"userId":"u-1","method":"manual"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAPIKeyRequiredWhenConfigured(t *testing.T) {
	config := DefaultServerConfig()
	config.AuthKey = "local-secret"
	s, _, _, _ := newTestServer(config)

	rec := do(t, s.Handler(), http.MethodGet, "/api/location", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/api/location", "", map[string]string{"X-API-Key": "local-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSameSubjectSubmissionsAreSerialized(t *testing.T) {
	s, _, _, sub := newTestServer(nil)
	sub.hold = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			do(t, s.Handler(), http.MethodPost, "/api/attendance/checkin", `{"userId":"same","method":"manual"}`, nil)
		}()
	}

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			sub.mu.Lock()
			defer sub.mu.Unlock()
			return len(sub.requests) == i+1
		}, time.Second, 5*time.Millisecond)
		sub.hold <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, 1, sub.maxSeen)
	assert.Equal(t, 0, s.locks.size())
}

func TestStartAndStop(t *testing.T) {
	config := DefaultServerConfig()
	config.Listen = "127.0.0.1:0"
	s, _, _, _ := newTestServer(config)

	require.NoError(t, s.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
