package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/gps"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

type published struct {
	topic  string
	retain bool
	data   map[string]interface{}
}

type capture struct {
	mu       sync.Mutex
	messages []published
}

func (c *capture) publish(topic string, _ byte, retain bool, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, retain: retain, data: m})
	return nil
}

func newConnectedClient(t *testing.T) (*Client, *capture) {
	t.Helper()
	config := DefaultConfig()
	config.Enabled = true
	client := NewClient(config, logx.NewNopLogger())
	sink := &capture{}
	client.publish = sink.publish
	client.connected.Store(true)
	return client, sink
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.False(t, config.Enabled)
	assert.Equal(t, 1883, config.Port)
	assert.Equal(t, "fieldclock", config.TopicPrefix)
	assert.Equal(t, 1, config.QoS)
}

func TestPublishPosition(t *testing.T) {
	client, sink := newConnectedClient(t)
	pos := pkg.NewPosition(6.3, -10.8, 15, pkg.SourceGPS, time.Now())

	client.PublishPosition(gps.OptimizationState{
		Phase:        gps.PhaseSettled,
		Tier:         gps.TierExcellent,
		BestPosition: &pos,
		AttemptCount: 1,
	})

	require.Len(t, sink.messages, 1)
	msg := sink.messages[0]
	assert.Equal(t, "fieldclock/location", msg.topic)
	assert.Equal(t, "settled", msg.data["phase"])
	assert.Equal(t, "excellent", msg.data["tier"])
	position := msg.data["position"].(map[string]interface{})
	assert.Equal(t, 6.3, position["latitude"])
	assert.False(t, client.GetLastPublish().IsZero())
}

func TestPublishPositionRateLimited(t *testing.T) {
	client, sink := newConnectedClient(t)
	for i := 0; i < 20; i++ {
		client.PublishPosition(gps.OptimizationState{Phase: gps.PhaseIdle})
	}
	assert.Len(t, sink.messages, 5)

	client.PublishPosition(gps.OptimizationState{Phase: gps.PhaseOptimizing, IsOptimizing: true})
	assert.Len(t, sink.messages, 6, "phase changes into optimizing always go out")
}

func TestSubmissionFinished(t *testing.T) {
	client, sink := newConnectedClient(t)

	client.SubmissionFinished(context.Background(), attendance.Report{
		SubjectID:       "u1",
		Endpoint:        "checkout",
		RequestedMethod: pkg.MethodGPS,
		SubmittedMethod: pkg.MethodIP,
		Downgraded:      true,
		Success:         true,
		Attempts:        2,
	})

	require.Len(t, sink.messages, 1)
	assert.Equal(t, "fieldclock/attendance/checkout", sink.messages[0].topic)
	report := sink.messages[0].data["report"].(map[string]interface{})
	assert.Equal(t, "u1", report["subject_id"])
	assert.Equal(t, "ip", report["submitted_method"])
	assert.Equal(t, true, report["downgraded"])
}

func TestPublishStatusIsRetained(t *testing.T) {
	client, sink := newConnectedClient(t)
	require.NoError(t, client.PublishStatus(map[string]interface{}{"online": true}))

	require.Len(t, sink.messages, 1)
	assert.Equal(t, "fieldclock/status", sink.messages[0].topic)
	assert.True(t, sink.messages[0].retain)
}

func TestDisabledOrDisconnectedIsNoOp(t *testing.T) {
	client := NewClient(nil, logx.NewNopLogger())
	sink := &capture{}
	client.publish = sink.publish

	require.NoError(t, client.Connect())
	client.PublishPosition(gps.OptimizationState{})
	client.SubmissionFinished(context.Background(), attendance.Report{})
	require.NoError(t, client.PublishStatus(map[string]interface{}{"online": true}))
	assert.Empty(t, sink.messages)

	client.config.Enabled = true
	client.PublishPosition(gps.OptimizationState{})
	assert.Empty(t, sink.messages, "not connected")
	assert.False(t, client.IsConnected())
}
