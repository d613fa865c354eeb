package attendance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

func TestClientPostErrorBodies(t *testing.T) {
	tests := []struct {
		name    string
		reply   scriptedReply
		status  int
		message string
	}{
		{"json message", scriptedReply{400, `{"message":"already checked in"}`}, 400, "already checked in"},
		{"json error", scriptedReply{401, `{"error":"invalid token"}`}, 401, "invalid token"},
		{"plain text", scriptedReply{502, "Bad Gateway\n"}, 502, "Bad Gateway"},
		{"empty", scriptedReply{500, ""}, 500, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t, tt.reply)
			client := NewClient(api.URL+"/", nil, logx.NewNopLogger())

			_, err := client.Post(context.Background(), CheckInEndpoint, &Payload{UserID: "u1"}, "tok", "")
			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, tt.message, httpErr.Message)
			assert.Equal(t, "/checkin", api.recorded()[0].path)
		})
	}
}

func TestClientPostHonoursDeadline(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	client := NewClient(slow.URL, nil, logx.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Post(ctx, CheckOutEndpoint, &Payload{UserID: "u1"}, "tok", "k")
	require.Error(t, err)
	assert.Equal(t, ClassRetryable, Classify(err))
	assert.Equal(t, MsgConnectionFailed, UserMessage(CheckOutEndpoint, err))
}

func TestPayloadFromRequest(t *testing.T) {
	pos := pkg.NewPosition(6.3, -10.8, 25, pkg.SourceGPS, time.Now())
	req := EventRequest{
		SubjectID:  "u1",
		Method:     pkg.MethodGPS,
		Position:   &pos,
		CapturedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.FixedZone("GMT+1", 3600)),
	}

	p := newPayload(req, "")
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, 25.0, *p.Accuracy)
	assert.Equal(t, time.UTC, p.Timestamp.Location())
	assert.Equal(t, 8, p.Timestamp.Hour())
	assert.Empty(t, p.WorkplaceID)
}

func TestEndpointByName(t *testing.T) {
	e, err := EndpointByName("CheckOut")
	require.NoError(t, err)
	assert.Equal(t, CheckOutEndpoint, e)

	_, err = EndpointByName("lunch")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResponseRecord(t *testing.T) {
	rec, err := (&Response{Data: []byte(`{"id":"a1","status":"present"}`)}).Record()
	require.NoError(t, err)
	assert.Equal(t, "a1", rec.ID)
	assert.Equal(t, "present", rec.Status)

	_, err = (&Response{}).Record()
	assert.Error(t, err)
}
