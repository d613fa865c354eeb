package attendance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/markus-lassfolk/fieldclock/pkg/gps"
)

var (
	// ErrAuthenticationRequired means no bearer credential was available
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrInvalidRequest means the event failed validation before submission
	ErrInvalidRequest = errors.New("invalid attendance request")

	// ErrLocationUnavailable means an ip-method event could not be located
	ErrLocationUnavailable = errors.New("location unavailable")
)

// User-facing messages. Exactly one is attached to every failed submission.
const (
	MsgConnectionFailed    = "Connection failed, check your network and try again"
	MsgMoveToOpenArea      = "Location accuracy is too low, move to an open area and try again"
	MsgSessionExpired      = "Your session has expired, please sign in again"
	MsgServerError         = "Server error, please try again later"
	MsgGenericFailure      = "Attendance submission failed, please try again"
	MsgLocationUnavailable = "Could not determine your location"
	MsgInvalidRequest      = "Attendance request is incomplete"
)

// ErrorClass separates failures worth retrying from permanent ones
type ErrorClass string

const (
	ClassTerminal  ErrorClass = "terminal"
	ClassRetryable ErrorClass = "retryable"
)

// HTTPError is a non-2xx answer from the attendance API
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("attendance api returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("attendance api returned %d: %s", e.StatusCode, e.Message)
}

// SubmissionError is the classified outcome of a failed submission
type SubmissionError struct {
	Class         ErrorClass
	StatusCode    int
	ServerMessage string
	UserMessage   string
	Attempts      int
	Err           error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s submission failure after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Classify decides whether err is worth another attempt. 400, 401 and 403
// are terminal; 408, 429, 5xx and network failures are retryable; any other
// 4xx is terminal.
func Classify(err error) ErrorClass {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch code := httpErr.StatusCode; {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
			return ClassRetryable
		case code >= 500:
			return ClassRetryable
		default:
			return ClassTerminal
		}
	}
	switch {
	case errors.Is(err, ErrAuthenticationRequired),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrLocationUnavailable),
		errors.Is(err, context.Canceled):
		return ClassTerminal
	}
	return ClassRetryable
}

// UserMessage maps the last observed error of a submission to the one
// message shown to the user. All matching on the API's prose lives here.
func UserMessage(endpoint Endpoint, err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return MsgSessionExpired
	case errors.Is(err, ErrInvalidRequest):
		return MsgInvalidRequest
	case errors.Is(err, ErrLocationUnavailable), errors.Is(err, gps.ErrAllProvidersFailed):
		return MsgLocationUnavailable
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return MsgConnectionFailed
	}

	body := strings.ToLower(httpErr.Message)
	switch {
	case httpErr.StatusCode == http.StatusBadRequest && (strings.Contains(body, "accuracy") || strings.Contains(body, "location")):
		return MsgMoveToOpenArea
	case httpErr.StatusCode == http.StatusBadRequest && endpoint.AlreadyProcessedPhrase != "" &&
		strings.Contains(body, strings.ToLower(endpoint.AlreadyProcessedPhrase)):
		return endpoint.DuplicateMessage
	case httpErr.StatusCode == http.StatusUnauthorized:
		return MsgSessionExpired
	case httpErr.StatusCode >= 500:
		return MsgServerError
	default:
		return MsgGenericFailure
	}
}

// IsDuplicate reports whether err is the API rejecting an already
// processed event for endpoint
func IsDuplicate(endpoint Endpoint, err error) bool {
	return UserMessage(endpoint, err) == endpoint.DuplicateMessage
}
