package attendance

import (
	"context"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg"
)

// Report summarizes one finished submission for observers
type Report struct {
	SubjectID       string               `json:"subject_id"`
	Endpoint        string               `json:"endpoint"`
	RequestedMethod pkg.AttendanceMethod `json:"requested_method"`
	SubmittedMethod pkg.AttendanceMethod `json:"submitted_method"`
	Downgraded      bool                 `json:"downgraded"`
	Accuracy        *float64             `json:"accuracy,omitempty"`
	Success         bool                 `json:"success"`
	Class           ErrorClass           `json:"class,omitempty"`
	StatusCode      int                  `json:"status_code,omitempty"`
	UserMessage     string               `json:"user_message,omitempty"`
	ServerMessage   string               `json:"server_message,omitempty"`
	Attempts        int                  `json:"attempts"`
	IdempotencyKey  string               `json:"idempotency_key"`
	StartedAt       time.Time            `json:"started_at"`
	Duration        time.Duration        `json:"duration"`
}

// Observer is notified after every submission, successful or not.
// Implementations must not block for long.
type Observer interface {
	SubmissionFinished(ctx context.Context, report Report)
}
