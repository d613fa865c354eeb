// Package mqtt publishes location state and attendance outcomes to an MQTT
// broker for dashboards and home automation.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/gps"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

// Client publishes fieldclock telemetry
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   atomic.Bool
	lastPublish atomic.Int64

	// publish is swapped in tests
	publish func(topic string, qos byte, retain bool, data []byte) error

	positionLimiter *RateLimiter
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "fieldclockd",
		TopicPrefix: "fieldclock",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// NewClient creates a client; Connect must be called before publishing
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Client{
		logger: logger,
		config: config,
		positionLimiter: &RateLimiter{
			maxMessages: 5,
			windowSize:  time.Second,
		},
	}
	c.publish = c.publishPaho
	return c
}

// Connect establishes connection to the broker. It is a no-op when disabled.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetWill(c.topic("status"), `{"online":false}`, byte(c.config.QoS), true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() {
	if c.client != nil && c.connected.Load() {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
}

func (c *Client) onConnect(MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(_ MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// GetLastPublish returns the time of the last successful publish
func (c *Client) GetLastPublish() time.Time {
	ns := c.lastPublish.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Client) topic(suffix string) string {
	return c.config.TopicPrefix + "/" + suffix
}

// PublishPosition publishes an optimizer state. It fits
// gps.Optimizer.OnStateChange; refinement bursts beyond the rate limit are
// dropped.
func (c *Client) PublishPosition(state gps.OptimizationState) {
	if !c.config.Enabled || !c.connected.Load() {
		return
	}
	if !state.IsOptimizing && !c.positionLimiter.Allow() {
		c.logger.Debug("Position publish rate limited", "phase", state.Phase)
		return
	}

	payload := map[string]interface{}{
		"timestamp":       time.Now().UTC(),
		"phase":           state.Phase,
		"tier":            state.Tier,
		"permission":      state.PermissionStatus,
		"is_optimizing":   state.IsOptimizing,
		"attempt_count":   state.AttemptCount,
		"recommendations": state.Recommendations,
	}
	if state.BestPosition != nil {
		payload["position"] = state.BestPosition
	}

	if err := c.publishJSON(c.topic("location"), payload); err != nil {
		c.logger.Warn("Failed to publish position", "error", err)
	}
}

// SubmissionFinished publishes an attendance outcome
func (c *Client) SubmissionFinished(_ context.Context, report attendance.Report) {
	if !c.config.Enabled || !c.connected.Load() {
		return
	}
	payload := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"report":    report,
	}
	if err := c.publishJSON(c.topic("attendance/"+report.Endpoint), payload); err != nil {
		c.logger.Warn("Failed to publish attendance outcome", "error", err, "subject", report.SubjectID)
	}
}

// PublishStatus publishes daemon status, retained
func (c *Client) PublishStatus(status map[string]interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.publish(c.topic("status"), byte(c.config.QoS), true, data)
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := c.publish(topic, byte(c.config.QoS), c.config.Retain, data); err != nil {
		return err
	}

	c.lastPublish.Store(time.Now().UnixNano())
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

func (c *Client) publishPaho(topic string, qos byte, retain bool, data []byte) error {
	if c.client == nil {
		return fmt.Errorf("not connected to MQTT broker")
	}
	token := c.client.Publish(topic, qos, retain, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// RateLimiter allows maxMessages per fixed window
type RateLimiter struct {
	mu           sync.Mutex
	lastCheck    time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

// Allow reports whether another message fits in the current window
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCheck) >= rl.windowSize {
		rl.messageCount = 0
		rl.lastCheck = now
	}
	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
