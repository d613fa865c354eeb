// Package attendance submits check-in and check-out events to the
// attendance API with method adjustment, bounded retries and classified
// user-facing errors.
package attendance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg"
)

// Endpoint parameterizes the shared submission loop for one event kind
type Endpoint struct {
	Name                   string
	Path                   string
	AlreadyProcessedPhrase string
	DuplicateMessage       string
}

var (
	CheckInEndpoint = Endpoint{
		Name:                   "checkin",
		Path:                   "/checkin",
		AlreadyProcessedPhrase: "already checked in",
		DuplicateMessage:       "You have already checked in today",
	}
	CheckOutEndpoint = Endpoint{
		Name:                   "checkout",
		Path:                   "/checkout",
		AlreadyProcessedPhrase: "already checked out",
		DuplicateMessage:       "You have already checked out today",
	}
)

// EndpointByName resolves "checkin" or "checkout"
func EndpointByName(name string) (Endpoint, error) {
	switch strings.ToLower(name) {
	case CheckInEndpoint.Name:
		return CheckInEndpoint, nil
	case CheckOutEndpoint.Name:
		return CheckOutEndpoint, nil
	}
	return Endpoint{}, fmt.Errorf("%w: unknown endpoint %q", ErrInvalidRequest, name)
}

// EventRequest is one desired attendance event
type EventRequest struct {
	SubjectID   string               `json:"subject_id"`
	Method      pkg.AttendanceMethod `json:"method"`
	WorkplaceID string               `json:"workplace_id,omitempty"`
	Position    *pkg.Position        `json:"position,omitempty"`
	CapturedAt  time.Time            `json:"captured_at"`
}

// Validate checks the request preconditions. A position is required unless
// the method is manual or qr; the ip method resolves its own.
func (r EventRequest) Validate() error {
	if strings.TrimSpace(r.SubjectID) == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidRequest)
	}
	if !r.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, r.Method)
	}
	if r.Method == pkg.MethodGPS {
		if r.Position == nil {
			return fmt.Errorf("%w: gps method requires a position", ErrInvalidRequest)
		}
		if err := r.Position.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// Payload is the request body sent to the attendance API
type Payload struct {
	UserID      string               `json:"userId"`
	Method      pkg.AttendanceMethod `json:"method"`
	WorkplaceID string               `json:"workplaceId,omitempty"`
	Latitude    *float64             `json:"latitude,omitempty"`
	Longitude   *float64             `json:"longitude,omitempty"`
	Accuracy    *float64             `json:"accuracy,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	IPAddress   string               `json:"ipAddress,omitempty"`
}

func newPayload(r EventRequest, ipAddress string) *Payload {
	p := &Payload{
		UserID:      r.SubjectID,
		Method:      r.Method,
		WorkplaceID: r.WorkplaceID,
		Timestamp:   r.CapturedAt.UTC(),
		IPAddress:   ipAddress,
	}
	if r.Position != nil {
		p.Latitude = pkg.Float(r.Position.Latitude)
		p.Longitude = pkg.Float(r.Position.Longitude)
		if r.Position.Accuracy != nil {
			p.Accuracy = pkg.Float(*r.Position.Accuracy)
		}
	}
	return p
}

// Response is the attendance API success body
type Response struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Record is the subset of the attendance record the engine reads
type Record struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
	Method string `json:"method,omitempty"`
	Status string `json:"status,omitempty"`
}

// Record decodes Data
func (r *Response) Record() (*Record, error) {
	if len(r.Data) == 0 {
		return nil, fmt.Errorf("response carries no record")
	}
	var rec Record
	if err := json.Unmarshal(r.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode attendance record: %w", err)
	}
	return &rec, nil
}
