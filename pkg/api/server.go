// Package api serves the local HTTP API used by the attendance UI shell.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/gps"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/metrics"
)

// Locator is the optimizer surface the API needs
type Locator interface {
	State() gps.OptimizationState
	Optimize(ctx context.Context, trigger gps.Trigger) (gps.OptimizationState, error)
}

// Submitter is the attendance surface the API needs
type Submitter interface {
	Submit(ctx context.Context, endpoint attendance.Endpoint, req attendance.EventRequest) (*attendance.Result, error)
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Listen       string        `json:"listen"`
	AuthKey      string        `json:"-"` // optional; required in X-API-Key when set
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultServerConfig binds to loopback only
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:       "127.0.0.1:8088",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute, // optimize and submit calls block
	}
}

// Server is the local HTTP API
type Server struct {
	config    *ServerConfig
	locator   Locator
	resolver  gps.IPResolver
	submitter Submitter
	metrics   *metrics.Collectors
	logger    *logx.Logger

	locks  *subjectLocks
	router *mux.Router
	http   *http.Server
	now    func() time.Time
}

// NewServer builds the router. metrics may be nil.
func NewServer(config *ServerConfig, locator Locator, resolver gps.IPResolver, submitter Submitter, m *metrics.Collectors, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	s := &Server{
		config:    config,
		locator:   locator,
		resolver:  resolver,
		submitter: submitter,
		metrics:   m,
		logger:    logger,
		locks:     newSubjectLocks(),
		now:       time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/location", s.handleLocation).Methods(http.MethodGet)
	api.HandleFunc("/location/optimize", s.handleOptimize).Methods(http.MethodPost)
	api.HandleFunc("/location/ip", s.handleIPLocation).Methods(http.MethodGet)
	api.HandleFunc("/attendance/{kind:checkin|checkout}", s.handleAttendance).Methods(http.MethodPost)

	return router
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("Starting API server", "address", ln.Addr().String())

	go func() {
		// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	s.logger.Info("API server stopped")
	return err
}

// authMiddleware enforces the optional local API key
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"service":   "fieldclockd",
	})
}

// LocationResponse is the optimizer state plus the assessment of its best fix
type LocationResponse struct {
	State      gps.OptimizationState `json:"state"`
	Assessment *gps.Assessment       `json:"assessment,omitempty"`
}

func newLocationResponse(state gps.OptimizationState) LocationResponse {
	resp := LocationResponse{State: state}
	if state.BestPosition != nil {
		a := gps.ClassifyPosition(*state.BestPosition)
		resp.Assessment = &a
	}
	return resp
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newLocationResponse(s.locator.State()))
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	state, err := s.locator.Optimize(r.Context(), gps.TriggerUser)
	switch {
	case errors.Is(err, gps.ErrAlreadyOptimizing):
		writeJSON(w, http.StatusConflict, newLocationResponse(s.locator.State()))
	case errors.Is(err, gps.ErrOptimizerClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Warn("Optimization failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, newLocationResponse(state))
	}
}

func (s *Server) handleIPLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.resolver.ResolveByIP(r.Context())
	if err != nil {
		s.logger.Warn("IP location failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, attendance.MsgLocationUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"location": loc,
		"label":    loc.Label(),
	})
}

// AttendanceRequest is the body of the check-in and check-out routes
type AttendanceRequest struct {
	UserID      string               `json:"userId"`
	Method      pkg.AttendanceMethod `json:"method"`
	WorkplaceID string               `json:"workplaceId,omitempty"`
}

// AttendanceError is the body returned for a failed submission
type AttendanceError struct {
	Error         string                `json:"error"`
	Class         attendance.ErrorClass `json:"class,omitempty"`
	StatusCode    int                   `json:"statusCode,omitempty"`
	ServerMessage string                `json:"serverMessage,omitempty"`
	Attempts      int                   `json:"attempts,omitempty"`
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	endpoint, err := attendance.EndpointByName(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var body AttendanceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, attendance.MsgInvalidRequest)
		return
	}

	req := attendance.EventRequest{
		SubjectID:   body.UserID,
		Method:      body.Method,
		WorkplaceID: body.WorkplaceID,
		CapturedAt:  s.now(),
	}
	if req.Method == pkg.MethodGPS {
		best := s.locator.State().BestPosition
		if best == nil {
			writeJSON(w, http.StatusConflict, AttendanceError{Error: attendance.MsgLocationUnavailable})
			return
		}
		req.Position = best
	}

	ctx := r.Context()
	if token := bearerToken(r); token != "" {
		ctx = attendance.ContextWithToken(ctx, token)
	}

	unlock := s.locks.Lock(req.SubjectID)
	defer unlock()

	result, err := s.submitter.Submit(ctx, endpoint, req)
	if err != nil {
		writeSubmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeSubmissionError(w http.ResponseWriter, err error) {
	var subErr *attendance.SubmissionError
	if !errors.As(err, &subErr) {
		writeError(w, http.StatusInternalServerError, attendance.MsgGenericFailure)
		return
	}

	body := AttendanceError{
		Error:         subErr.UserMessage,
		Class:         subErr.Class,
		StatusCode:    subErr.StatusCode,
		ServerMessage: subErr.ServerMessage,
		Attempts:      subErr.Attempts,
	}
	writeJSON(w, submissionStatus(subErr), body)
}

// submissionStatus maps a classified failure to the status the UI sees
func submissionStatus(e *attendance.SubmissionError) int {
	switch {
	case errors.Is(e, attendance.ErrAuthenticationRequired), e.StatusCode == http.StatusUnauthorized:
		return http.StatusUnauthorized
	case errors.Is(e, attendance.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(e, attendance.ErrLocationUnavailable):
		return http.StatusUnprocessableEntity
	case e.Class == attendance.ClassRetryable:
		return http.StatusBadGateway
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return e.StatusCode
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
