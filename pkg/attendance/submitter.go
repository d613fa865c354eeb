package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/gps"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/metrics"
)

// SubmitterConfig holds the retry and method adjustment thresholds
type SubmitterConfig struct {
	MaxRetries          int           `json:"max_retries"`
	BackoffBase         time.Duration `json:"backoff_base"`
	AttemptTimeout      time.Duration `json:"attempt_timeout"`
	DowngradeAccuracyM  float64       `json:"downgrade_accuracy_m"`
	MaxClampedAccuracyM float64       `json:"max_clamped_accuracy_m"`
}

// DefaultSubmitterConfig returns the stock retry policy
func DefaultSubmitterConfig() *SubmitterConfig {
	return &SubmitterConfig{
		MaxRetries:          3,
		BackoffBase:         time.Second,
		AttemptTimeout:      30 * time.Second,
		DowngradeAccuracyM:  500,
		MaxClampedAccuracyM: gps.PoorAccuracyM,
	}
}

// Outcome of a single API call
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable_error"
	OutcomeTerminal  Outcome = "terminal_error"
)

// SubmissionAttempt records one API call of a submission
type SubmissionAttempt struct {
	AttemptNumber int           `json:"attempt_number"`
	Outcome       Outcome       `json:"outcome"`
	StatusCode    int           `json:"status_code,omitempty"`
	Error         string        `json:"error,omitempty"`
	Backoff       time.Duration `json:"backoff"`
	Duration      time.Duration `json:"duration"`
}

// Result is a successful submission
type Result struct {
	Message        string               `json:"message"`
	Data           json.RawMessage      `json:"data,omitempty"`
	AttemptNumber  int                  `json:"attempt_number"`
	Attempts       []SubmissionAttempt  `json:"attempts"`
	Method         pkg.AttendanceMethod `json:"method"`
	Downgraded     bool                 `json:"downgraded"`
	Position       *pkg.Position        `json:"position,omitempty"`
	IdempotencyKey string               `json:"idempotency_key"`
}

// Submitter is the resilience layer in front of the attendance API. It
// keeps no per-submission state between calls and is safe for concurrent
// use across subjects; one subject's events must be serialized by the
// caller.
type Submitter struct {
	config    *SubmitterConfig
	client    *Client
	resolver  gps.IPResolver
	tokens    TokenSource
	keys      KeyStore
	observers []Observer
	logger    *logx.Logger
	metrics   *metrics.Collectors
	perf      *logx.PerformanceLogger

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

// NewSubmitter creates a Submitter. resolver may be nil, in which case GPS
// downgrade is skipped and ip-method events fail.
func NewSubmitter(config *SubmitterConfig, client *Client, resolver gps.IPResolver, tokens TokenSource, logger *logx.Logger) *Submitter {
	if config == nil {
		config = DefaultSubmitterConfig()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 30 * time.Second
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Submitter{
		config:   config,
		client:   client,
		resolver: resolver,
		tokens:   tokens,
		logger:   logger,
		wait:     sleepContext,
		now:      time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// SetKeyStore enables persistent idempotency key reservation
func (s *Submitter) SetKeyStore(k KeyStore) { s.keys = k }

// SetMetrics attaches Prometheus collectors
func (s *Submitter) SetMetrics(m *metrics.Collectors) { s.metrics = m }

// SetPerformanceLogger attaches an operation timer
func (s *Submitter) SetPerformanceLogger(pl *logx.PerformanceLogger) { s.perf = pl }

// AddObserver registers an observer; call before submitting
func (s *Submitter) AddObserver(o Observer) { s.observers = append(s.observers, o) }

// CheckIn submits a check-in event
func (s *Submitter) CheckIn(ctx context.Context, req EventRequest) (*Result, error) {
	return s.Submit(ctx, CheckInEndpoint, req)
}

// CheckOut submits a check-out event
func (s *Submitter) CheckOut(ctx context.Context, req EventRequest) (*Result, error) {
	return s.Submit(ctx, CheckOutEndpoint, req)
}

// Submit runs the shared pipeline for endpoint: validation, credential
// check, method adjustment, then the bounded retry loop. Every failure is
// returned as a *SubmissionError carrying one user-facing message.
func (s *Submitter) Submit(ctx context.Context, endpoint Endpoint, req EventRequest) (result *Result, err error) {
	started := s.now()
	op := s.perf.StartOperation("submit_" + endpoint.Name)
	defer func() { op.Complete(err) }()

	if req.CapturedAt.IsZero() {
		req.CapturedAt = started
	}
	report := Report{
		SubjectID:       req.SubjectID,
		Endpoint:        endpoint.Name,
		RequestedMethod: req.Method,
		SubmittedMethod: req.Method,
		StartedAt:       started,
	}

	if verr := req.Validate(); verr != nil {
		return nil, s.fail(ctx, endpoint, &report, verr, 0)
	}

	token, terr := s.tokens.Token(ctx)
	if terr != nil || token == "" {
		return nil, s.fail(ctx, endpoint, &report, ErrAuthenticationRequired, 0)
	}

	prepared, ipAddress, downgraded, perr := s.adjustMethod(ctx, req)
	if perr != nil {
		return nil, s.fail(ctx, endpoint, &report, perr, 0)
	}
	report.SubmittedMethod = prepared.Method
	report.Downgraded = downgraded
	if prepared.Position != nil {
		report.Accuracy = prepared.Position.Accuracy
	}

	day := prepared.CapturedAt.Local().Format("2006-01-02")
	key := s.reserveKey(prepared.SubjectID, endpoint.Name, day)
	report.IdempotencyKey = key

	payload := newPayload(prepared, ipAddress)
	attempts, resp, lastErr := s.attemptLoop(ctx, endpoint, payload, token, key)
	report.Attempts = len(attempts)

	if lastErr != nil {
		if definitiveFailure(lastErr) {
			s.releaseKey(prepared.SubjectID, endpoint.Name, day)
		} else {
			s.logger.Warn("keeping idempotency key after ambiguous failure",
				"subject", prepared.SubjectID, "endpoint", endpoint.Name, "key", key)
		}
		return nil, s.fail(ctx, endpoint, &report, lastErr, len(attempts))
	}

	s.releaseKey(prepared.SubjectID, endpoint.Name, day)

	report.Success = true
	report.Duration = s.now().Sub(started)
	s.metrics.Submission(endpoint.Name, "success", report.Duration)
	s.notify(ctx, report)

	s.logger.Info("attendance submitted",
		"subject", prepared.SubjectID,
		"endpoint", endpoint.Name,
		"method", prepared.Method,
		"downgraded", downgraded,
		"attempt", len(attempts))

	return &Result{
		Message:        resp.Message,
		Data:           resp.Data,
		AttemptNumber:  len(attempts),
		Attempts:       attempts,
		Method:         prepared.Method,
		Downgraded:     downgraded,
		Position:       prepared.Position,
		IdempotencyKey: key,
	}, nil
}

// attemptLoop issues up to MaxRetries calls. Terminal errors break
// immediately; retryable ones wait BackoffBase*attempt before the next call.
func (s *Submitter) attemptLoop(ctx context.Context, endpoint Endpoint, payload *Payload, token, key string) ([]SubmissionAttempt, *Response, error) {
	attempts := make([]SubmissionAttempt, 0, s.config.MaxRetries)
	var lastErr error

	for n := 1; n <= s.config.MaxRetries; n++ {
		attempt := SubmissionAttempt{AttemptNumber: n}
		callStart := s.now()

		attemptCtx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
		resp, err := s.client.Post(attemptCtx, endpoint, payload, token, key)
		cancel()
		attempt.Duration = s.now().Sub(callStart)

		if err == nil {
			attempt.Outcome = OutcomeSuccess
			attempts = append(attempts, attempt)
			s.metrics.SubmissionAttempt(endpoint.Name, string(OutcomeSuccess))
			return attempts, resp, nil
		}

		lastErr = err
		attempt.Error = err.Error()
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			attempt.StatusCode = httpErr.StatusCode
		}

		class := Classify(err)
		if ctx.Err() != nil {
			class = ClassTerminal
			lastErr = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		if class == ClassTerminal {
			attempt.Outcome = OutcomeTerminal
			attempts = append(attempts, attempt)
			s.metrics.SubmissionAttempt(endpoint.Name, string(OutcomeTerminal))
			s.logger.Debug("terminal submission error, not retrying",
				"endpoint", endpoint.Name, "attempt", n, "error", err)
			break
		}

		attempt.Outcome = OutcomeRetryable
		s.metrics.SubmissionAttempt(endpoint.Name, string(OutcomeRetryable))
		if n == s.config.MaxRetries {
			attempts = append(attempts, attempt)
			break
		}

		backoff := s.config.BackoffBase * time.Duration(n)
		attempt.Backoff = backoff
		attempts = append(attempts, attempt)

		s.logger.Warn("retryable submission error, backing off",
			"endpoint", endpoint.Name,
			"attempt", n,
			"max_retries", s.config.MaxRetries,
			"backoff", backoff.String(),
			"error", err)

		if werr := s.wait(ctx, backoff); werr != nil {
			lastErr = fmt.Errorf("%w (%v)", werr, err)
			break
		}
	}

	return attempts, nil, lastErr
}

// adjustMethod applies the GPS to IP downgrade and resolves explicit ip
// events. It returns the request to send and the IP address to report.
func (s *Submitter) adjustMethod(ctx context.Context, req EventRequest) (EventRequest, string, bool, error) {
	switch req.Method {
	case pkg.MethodIP:
		loc, err := s.resolve(ctx)
		if err != nil {
			return req, "", false, fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
		}
		pos := loc.Position
		req.Position = &pos
		return req, loc.IPAddress, false, nil

	case pkg.MethodGPS:
		accuracy := req.Position.AccuracyOrInf()
		if accuracy <= s.config.DowngradeAccuracyM {
			return req, "", false, nil
		}

		loc, err := s.resolve(ctx)
		if err == nil {
			s.logger.Info("gps accuracy too low, submitting ip position",
				"subject", req.SubjectID, "gps_accuracy", accuracy, "provider", loc.Provider)
			pos := loc.Position
			req.Position = &pos
			req.Method = pkg.MethodIP
			return req, loc.IPAddress, true, nil
		}

		clamped := req.Position.WithAccuracy(math.Min(accuracy, s.config.MaxClampedAccuracyM))
		req.Position = &clamped
		s.logger.Warn("ip fallback failed, submitting degraded gps position",
			"subject", req.SubjectID, "gps_accuracy", accuracy, "clamped_accuracy", *clamped.Accuracy, "error", err)
		return req, "", false, nil
	}
	return req, "", false, nil
}

func (s *Submitter) resolve(ctx context.Context) (*gps.IPLocation, error) {
	if s.resolver == nil {
		return nil, gps.ErrAllProvidersFailed
	}
	return s.resolver.ResolveByIP(ctx)
}

func (s *Submitter) reserveKey(subjectID, kind, day string) string {
	if s.keys != nil {
		key, err := s.keys.Reserve(subjectID, kind, day)
		if err == nil {
			return key
		}
		s.logger.Warn("idempotency key store unavailable, using a fresh key", "error", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// definitiveFailure reports whether err proves the event was not recorded:
// the server answered with a terminal status, or the request was never sent.
// Cancellations and transport errors are ambiguous and keep the key.
func definitiveFailure(err error) bool {
	if errors.Is(err, ErrInvalidRequest) {
		return true
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && Classify(httpErr) == ClassTerminal
}

func (s *Submitter) releaseKey(subjectID, kind, day string) {
	if s.keys == nil {
		return
	}
	if err := s.keys.Release(subjectID, kind, day); err != nil {
		s.logger.Warn("failed to release idempotency key", "subject", subjectID, "endpoint", kind, "error", err)
	}
}

// fail builds the SubmissionError for err and reports it
func (s *Submitter) fail(ctx context.Context, endpoint Endpoint, report *Report, err error, attempts int) error {
	subErr := &SubmissionError{
		Class:       Classify(err),
		UserMessage: UserMessage(endpoint, err),
		Attempts:    attempts,
		Err:         err,
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		subErr.StatusCode = httpErr.StatusCode
		subErr.ServerMessage = httpErr.Message
	}

	report.Class = subErr.Class
	report.StatusCode = subErr.StatusCode
	report.UserMessage = subErr.UserMessage
	report.ServerMessage = subErr.ServerMessage
	report.Attempts = attempts
	report.Duration = s.now().Sub(report.StartedAt)

	s.metrics.Submission(endpoint.Name, string(subErr.Class), report.Duration)
	s.notify(ctx, *report)

	s.logger.Error("attendance submission failed",
		"subject", report.SubjectID,
		"endpoint", endpoint.Name,
		"class", subErr.Class,
		"status", subErr.StatusCode,
		"attempts", attempts,
		"message", subErr.UserMessage,
		"error", err)
	return subErr
}

func (s *Submitter) notify(ctx context.Context, report Report) {
	for _, o := range s.observers {
		o.SubmissionFinished(ctx, report)
	}
}
