// Package uci loads the fieldclock configuration from a UCI-syntax file
// such as /etc/config/fieldclock.
package uci

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/gps"
	"github.com/markus-lassfolk/fieldclock/pkg/mqtt"
)

// DefaultConfigPath is where the daemon looks when no path is given
const DefaultConfigPath = "/etc/config/fieldclock"

// Config is the complete fieldclock configuration
type Config struct {
	// Main daemon options
	LogLevel    string `json:"log_level"`
	Listen      string `json:"listen"`
	APIBaseURL  string `json:"api_base_url"`
	APIToken    string `json:"-"`
	LocalAPIKey string `json:"-"`

	Location   LocationConfig   `json:"location"`
	Submission SubmissionConfig `json:"submission"`
	Store      StoreConfig      `json:"store"`
	Audit      AuditConfig      `json:"audit"`
	MQTT       mqtt.Config      `json:"mqtt"`
}

// LocationConfig covers acquisition, optimization and the IP chain
type LocationConfig struct {
	GpsctlPath            string   `json:"gpsctl_path"`
	GpsctlPollMS          int      `json:"gpsctl_poll_ms"`
	HighAccuracyTimeoutMS int      `json:"high_accuracy_timeout_ms"`
	BalancedTimeoutMS     int      `json:"balanced_timeout_ms"`
	NetworkTimeoutMS      int      `json:"network_timeout_ms"`
	RefineTimeoutMS       int      `json:"refine_timeout_ms"`
	MaxAttempts           int      `json:"max_attempts"`
	AutoOptimize          bool     `json:"auto_optimize"`
	AutoTriggerAccuracyM  float64  `json:"auto_trigger_accuracy_m"`
	RefineThresholdM      float64  `json:"refine_threshold_m"`
	CooldownMS            int      `json:"cooldown_ms"`
	GraceMS               int      `json:"grace_ms"`
	IPProviderTimeoutMS   int      `json:"ip_provider_timeout_ms"`
	IPProviders           []string `json:"ip_providers"`
	GoogleAPIKey          string   `json:"-"`
}

// SubmissionConfig covers the attendance retry policy
type SubmissionConfig struct {
	MaxRetries            int     `json:"max_retries"`
	BackoffBaseMS         int     `json:"backoff_base_ms"`
	AttemptTimeoutMS      int     `json:"attempt_timeout_ms"`
	GPSDowngradeAccuracyM float64 `json:"gps_downgrade_accuracy_m"`
	MaxClampedAccuracyM   float64 `json:"max_clamped_accuracy_m"`
}

// StoreConfig locates the idempotency key store; an empty path disables it
type StoreConfig struct {
	IdempotencyDB string `json:"idempotency_db"`
	KeyRetentionH int    `json:"key_retention_h"`
}

// AuditConfig controls the submission audit trail
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Database   string `json:"database"`
	MaxRecords int    `json:"max_records"`
}

// LoadConfig reads path, falling back to defaults when the file is missing
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used without a file
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	c.LogLevel = "info"
	c.Listen = "127.0.0.1:8088"

	c.Location = LocationConfig{
		GpsctlPath:            "gpsctl",
		GpsctlPollMS:          2000,
		HighAccuracyTimeoutMS: 30000,
		BalancedTimeoutMS:     15000,
		NetworkTimeoutMS:      10000,
		RefineTimeoutMS:       20000,
		MaxAttempts:           3,
		AutoOptimize:          true,
		AutoTriggerAccuracyM:  gps.FairAccuracyM,
		RefineThresholdM:      gps.GoodAccuracyM,
		CooldownMS:            30000,
		GraceMS:               2000,
		IPProviderTimeoutMS:   int(gps.DefaultIPProviderTimeout / time.Millisecond),
	}

	c.Submission = SubmissionConfig{
		MaxRetries:            3,
		BackoffBaseMS:         1000,
		AttemptTimeoutMS:      30000,
		GPSDowngradeAccuracyM: 500,
		MaxClampedAccuracyM:   gps.PoorAccuracyM,
	}

	c.Store = StoreConfig{
		IdempotencyDB: "/var/lib/fieldclock/idempotency.db",
		KeyRetentionH: 48,
	}

	c.Audit = AuditConfig{
		Enabled:    true,
		Database:   "/var/lib/fieldclock/audit.db",
		MaxRecords: 10000,
	}

	c.MQTT = *mqtt.DefaultConfig()
}

// parseUCI reads config/option/list lines. Values may be quoted with single
// or double quotes.
func (c *Config) parseUCI(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var sectionType string
	providersReset := false

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields, err := splitFields(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}

		switch fields[0] {
		case "config":
			if len(fields) < 2 {
				return fmt.Errorf("line %d: config without type", lineNo)
			}
			sectionType = fields[1]
		case "option":
			if len(fields) < 3 {
				return fmt.Errorf("line %d: option without value", lineNo)
			}
			if err := c.parseOption(sectionType, fields[1], fields[2]); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		case "list":
			if len(fields) < 3 {
				return fmt.Errorf("line %d: list without value", lineNo)
			}
			if sectionType == "location" && fields[1] == "ip_provider" {
				if !providersReset {
					c.Location.IPProviders = nil
					providersReset = true
				}
				c.Location.IPProviders = append(c.Location.IPProviders, fields[2])
			}
		default:
			return fmt.Errorf("line %d: unknown keyword %q", lineNo, fields[0])
		}
	}
	return scanner.Err()
}

// splitFields splits a UCI line on whitespace, honouring quotes
func splitFields(line string) ([]string, error) {
	var fields []string
	var current strings.Builder
	var quote rune
	inField := false

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inField = true
		case r == ' ' || r == '\t':
			if inField {
				fields = append(fields, current.String())
				current.Reset()
				inField = false
			}
		case r == '#' && !inField:
			return flush(fields, current.String(), inField), nil
		default:
			current.WriteRune(r)
			inField = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	return flush(fields, current.String(), inField), nil
}

func flush(fields []string, current string, inField bool) []string {
	if inField {
		fields = append(fields, current)
	}
	return fields
}

func (c *Config) parseOption(sectionType, option, value string) error {
	switch sectionType {
	case "fieldclock":
		return c.parseMainOption(option, value)
	case "location":
		return c.parseLocationOption(option, value)
	case "submission":
		return c.parseSubmissionOption(option, value)
	case "store":
		return c.parseStoreOption(option, value)
	case "audit":
		return c.parseAuditOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	}
	return nil
}

func (c *Config) parseMainOption(option, value string) error {
	switch option {
	case "log_level":
		c.LogLevel = value
	case "listen":
		c.Listen = value
	case "api_base_url":
		c.APIBaseURL = value
	case "api_token":
		c.APIToken = value
	case "local_api_key":
		c.LocalAPIKey = value
	}
	return nil
}

func (c *Config) parseLocationOption(option, value string) (err error) {
	l := &c.Location
	switch option {
	case "gpsctl_path":
		l.GpsctlPath = value
	case "gpsctl_poll_ms":
		l.GpsctlPollMS, err = parseInt(option, value)
	case "high_accuracy_timeout_ms":
		l.HighAccuracyTimeoutMS, err = parseInt(option, value)
	case "balanced_timeout_ms":
		l.BalancedTimeoutMS, err = parseInt(option, value)
	case "network_timeout_ms":
		l.NetworkTimeoutMS, err = parseInt(option, value)
	case "refine_timeout_ms":
		l.RefineTimeoutMS, err = parseInt(option, value)
	case "max_attempts":
		l.MaxAttempts, err = parseInt(option, value)
	case "auto_optimize":
		l.AutoOptimize = parseBool(value)
	case "auto_trigger_accuracy_m":
		l.AutoTriggerAccuracyM, err = parseFloat(option, value)
	case "refine_threshold_m":
		l.RefineThresholdM, err = parseFloat(option, value)
	case "cooldown_ms":
		l.CooldownMS, err = parseInt(option, value)
	case "grace_ms":
		l.GraceMS, err = parseInt(option, value)
	case "ip_provider_timeout_ms":
		l.IPProviderTimeoutMS, err = parseInt(option, value)
	case "google_api_key":
		l.GoogleAPIKey = value
	}
	return err
}

func (c *Config) parseSubmissionOption(option, value string) (err error) {
	s := &c.Submission
	switch option {
	case "max_retries":
		s.MaxRetries, err = parseInt(option, value)
	case "backoff_base_ms":
		s.BackoffBaseMS, err = parseInt(option, value)
	case "attempt_timeout_ms":
		s.AttemptTimeoutMS, err = parseInt(option, value)
	case "gps_downgrade_accuracy_m":
		s.GPSDowngradeAccuracyM, err = parseFloat(option, value)
	case "max_clamped_accuracy_m":
		s.MaxClampedAccuracyM, err = parseFloat(option, value)
	}
	return err
}

func (c *Config) parseStoreOption(option, value string) (err error) {
	switch option {
	case "idempotency_db":
		c.Store.IdempotencyDB = value
	case "key_retention_h":
		c.Store.KeyRetentionH, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseAuditOption(option, value string) (err error) {
	switch option {
	case "enabled":
		c.Audit.Enabled = parseBool(value)
	case "database":
		c.Audit.Database = value
	case "max_records":
		c.Audit.MaxRecords, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseMQTTOption(option, value string) (err error) {
	m := &c.MQTT
	switch option {
	case "enabled":
		m.Enabled = parseBool(value)
	case "broker":
		m.Broker = value
	case "port":
		m.Port, err = parseInt(option, value)
	case "client_id":
		m.ClientID = value
	case "username":
		m.Username = value
	case "password":
		m.Password = value
	case "topic_prefix":
		m.TopicPrefix = value
	case "qos":
		m.QoS, err = parseInt(option, value)
	case "retain":
		m.Retain = parseBool(value)
	}
	return err
}

func parseInt(option, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", option, value)
	}
	return v, nil
}

func parseFloat(option, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", option, value)
	}
	return v, nil
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

func (c *Config) validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error")
	}
	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api_base_url must be an absolute http(s) URL")
		}
	}

	l := c.Location
	for name, v := range map[string]int{
		"high_accuracy_timeout_ms": l.HighAccuracyTimeoutMS,
		"balanced_timeout_ms":      l.BalancedTimeoutMS,
		"network_timeout_ms":       l.NetworkTimeoutMS,
		"refine_timeout_ms":        l.RefineTimeoutMS,
		"ip_provider_timeout_ms":   l.IPProviderTimeoutMS,
		"gpsctl_poll_ms":           l.GpsctlPollMS,
	} {
		if v < 100 || v > 300000 {
			return fmt.Errorf("%s must be between 100 and 300000", name)
		}
	}
	if l.MaxAttempts < 1 || l.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts must be between 1 and 10")
	}
	if l.CooldownMS < 0 || l.GraceMS < 0 {
		return fmt.Errorf("cooldown_ms and grace_ms must not be negative")
	}
	if l.AutoTriggerAccuracyM <= 0 || l.RefineThresholdM <= 0 {
		return fmt.Errorf("accuracy thresholds must be positive")
	}
	if len(l.IPProviders) > 0 {
		if len(l.IPProviders) < gps.MinIPProviders {
			return fmt.Errorf("at least %d ip_provider entries are required, got %d",
				gps.MinIPProviders, len(l.IPProviders))
		}
		if _, err := gps.IPProvidersByName(l.IPProviders); err != nil {
			return err
		}
	}

	s := c.Submission
	if s.MaxRetries < 1 || s.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be between 1 and 10")
	}
	if s.BackoffBaseMS < 0 {
		return fmt.Errorf("backoff_base_ms must not be negative")
	}
	if s.AttemptTimeoutMS < 100 {
		return fmt.Errorf("attempt_timeout_ms must be at least 100")
	}
	if s.MaxClampedAccuracyM < s.GPSDowngradeAccuracyM {
		return fmt.Errorf("max_clamped_accuracy_m must not be below gps_downgrade_accuracy_m")
	}

	if c.Audit.Enabled && c.Audit.MaxRecords < 1 {
		return fmt.Errorf("audit max_records must be positive")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt port must be between 1 and 65535")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// AcquirerConfig builds the strategy table from the location section
func (c *Config) AcquirerConfig() *gps.AcquirerConfig {
	ac := gps.DefaultAcquirerConfig()
	timeouts := []int{c.Location.HighAccuracyTimeoutMS, c.Location.BalancedTimeoutMS, c.Location.NetworkTimeoutMS}
	for i := range ac.Strategies {
		ac.Strategies[i].Timeout = ms(timeouts[i])
	}
	ac.RefineOptions.Timeout = ms(c.Location.RefineTimeoutMS)
	return ac
}

// OptimizerConfig builds the auto-optimization parameters
func (c *Config) OptimizerConfig() *gps.OptimizerConfig {
	oc := gps.DefaultOptimizerConfig()
	oc.MaxAttempts = c.Location.MaxAttempts
	oc.AutoOptimize = c.Location.AutoOptimize
	oc.AutoTriggerAccuracyM = c.Location.AutoTriggerAccuracyM
	oc.RefineThresholdM = c.Location.RefineThresholdM
	oc.Cooldown = ms(c.Location.CooldownMS)
	oc.GracePeriod = ms(c.Location.GraceMS)
	return oc
}

// IPChainConfig builds the fallback chain settings
func (c *Config) IPChainConfig() *gps.IPChainConfig {
	ic := gps.DefaultIPChainConfig()
	ic.ProviderTimeout = ms(c.Location.IPProviderTimeoutMS)
	return ic
}

// IPProviders returns the configured providers in priority order
func (c *Config) IPProviders() []gps.IPProvider {
	if len(c.Location.IPProviders) == 0 {
		return gps.DefaultIPProviders()
	}
	providers, err := gps.IPProvidersByName(c.Location.IPProviders)
	if err != nil {
		return gps.DefaultIPProviders()
	}
	return providers
}

// SubmitterConfig builds the attendance retry policy
func (c *Config) SubmitterConfig() *attendance.SubmitterConfig {
	return &attendance.SubmitterConfig{
		MaxRetries:          c.Submission.MaxRetries,
		BackoffBase:         ms(c.Submission.BackoffBaseMS),
		AttemptTimeout:      ms(c.Submission.AttemptTimeoutMS),
		DowngradeAccuracyM:  c.Submission.GPSDowngradeAccuracyM,
		MaxClampedAccuracyM: c.Submission.MaxClampedAccuracyM,
	}
}
