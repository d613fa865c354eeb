package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg/api"
	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/audit"
	"github.com/markus-lassfolk/fieldclock/pkg/gps"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/metrics"
	"github.com/markus-lassfolk/fieldclock/pkg/mqtt"
	"github.com/markus-lassfolk/fieldclock/pkg/pidfile"
	"github.com/markus-lassfolk/fieldclock/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultConfigPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "/tmp/fieldclockd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	listen     = flag.String("listen", "", "Override API listen address")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "fieldclockd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger := logx.NewLogger(cfg.LogLevel, AppName)

	pidFile := pidfile.New(*pidPath)
	if *force {
		if err := pidFile.ForceRemove(); err != nil {
			logger.Warn("Failed to remove existing PID file", "error", err)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		fmt.Fprintf(os.Stderr, "Error: %v\nUse --force to override, or stop the existing instance first\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon stopped with error", "error", err)
		_ = pidFile.Remove()
		os.Exit(1)
	}
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	logger.Info("Starting fieldclock daemon", "version", AppVersion, "pid", os.Getpid())

	if cfg.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is not configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collectors := metrics.New()
	perf := logx.NewPerformanceLogger(logger.With("component", "performance"), 5*time.Second)
	httpClient := &http.Client{}

	// Location engine
	platform := gps.NewGpsctlPlatform(cfg.Location.GpsctlPath, time.Duration(cfg.Location.GpsctlPollMS)*time.Millisecond, logger.With("component", "gpsctl"))
	acquirer := gps.NewAcquirer(platform, cfg.AcquirerConfig(), logger.With("component", "acquirer"))
	acquirer.SetMetrics(collectors)

	chain := gps.NewIPFallbackChain(cfg.IPChainConfig(), cfg.IPProviders(), httpClient, logger.With("component", "ip_chain"))
	chain.SetMetrics(collectors)
	chain.SetPerformanceLogger(perf)

	optimizer := gps.NewOptimizer(cfg.OptimizerConfig(), acquirer, chain, logger.With("component", "optimizer"))
	optimizer.SetMetrics(collectors)
	defer optimizer.Close()

	if cfg.Location.GoogleAPIKey != "" {
		geocoder, err := gps.NewGoogleGeocoder(cfg.Location.GoogleAPIKey, "", logger.With("component", "geocoder"))
		if err != nil {
			logger.Warn("Reverse geocoding disabled", "error", err)
		} else {
			optimizer.SetGeocoder(geocoder)
		}
	}

	// Submission layer
	tokens := attendance.TokenSource(attendance.ContextToken{})
	if cfg.APIToken != "" {
		tokens = attendance.ChainTokens(attendance.ContextToken{}, attendance.StaticToken(cfg.APIToken))
	}
	client := attendance.NewClient(cfg.APIBaseURL, httpClient, logger.With("component", "attendance_client"))
	submitter := attendance.NewSubmitter(cfg.SubmitterConfig(), client, chain, tokens, logger.With("component", "submitter"))
	submitter.SetMetrics(collectors)
	submitter.SetPerformanceLogger(perf)

	var keyStore *attendance.BoltKeyStore
	if cfg.Store.IdempotencyDB != "" {
		ks, err := attendance.OpenBoltKeyStore(cfg.Store.IdempotencyDB, logger.With("component", "keystore"))
		if err != nil {
			logger.Warn("Idempotency key store unavailable, keys will not survive restarts", "error", err)
		} else {
			keyStore = ks
			submitter.SetKeyStore(ks)
			defer ks.Close()
		}
	}

	if cfg.Audit.Enabled {
		decisions, err := audit.NewDecisionLogger(logger.With("component", "audit"), cfg.Audit.MaxRecords, cfg.Audit.Database)
		if err != nil {
			logger.Warn("Audit trail disabled", "error", err)
		} else {
			submitter.AddObserver(decisions)
			defer decisions.Close()
		}
	}

	if cfg.MQTT.Enabled {
		mqttClient := mqtt.NewClient(&cfg.MQTT, logger.With("component", "mqtt"))
		if err := mqttClient.Connect(); err != nil {
			logger.Warn("MQTT connection failed, publishing disabled", "error", err)
		} else {
			optimizer.OnStateChange(mqttClient.PublishPosition)
			submitter.AddObserver(mqttClient)
			_ = mqttClient.PublishStatus(map[string]interface{}{"status": "online", "version": AppVersion})
			defer mqttClient.Disconnect()
		}
	}

	// Local API
	serverConfig := api.DefaultServerConfig()
	serverConfig.Listen = cfg.Listen
	serverConfig.AuthKey = cfg.LocalAPIKey
	server := api.NewServer(serverConfig, optimizer, chain, submitter, collectors, logger.With("component", "api"))
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	if cfg.Location.AutoOptimize {
		go func() {
			if _, err := optimizer.Optimize(ctx, gps.TriggerAuto); err != nil {
				logger.Warn("Initial location optimization failed", "error", err)
			}
		}()
	}

	go runMaintenance(ctx, cfg, keyStore, perf, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			perf.LogMetrics()
			continue
		}
		logger.Info("Received shutdown signal", "signal", sig)
		break
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", "error", err)
	}
	optimizer.StopRefinement()
	logger.Info("Graceful shutdown completed")
	return nil
}

// runMaintenance purges expired idempotency keys and logs performance stats
func runMaintenance(ctx context.Context, cfg *uci.Config, keyStore *attendance.BoltKeyStore, perf *logx.PerformanceLogger, logger *logx.Logger) {
	purgeTicker := time.NewTicker(time.Hour)
	perfTicker := time.NewTicker(15 * time.Minute)
	defer purgeTicker.Stop()
	defer perfTicker.Stop()

	retention := time.Duration(cfg.Store.KeyRetentionH) * time.Hour

	for {
		select {
		case <-ctx.Done():
			return
		case <-purgeTicker.C:
			if keyStore == nil || retention <= 0 {
				continue
			}
			removed, err := keyStore.Purge(retention)
			if err != nil {
				logger.Warn("Failed to purge idempotency keys", "error", err)
			} else if removed > 0 {
				logger.Debug("Purged idempotency keys", "removed", removed)
			}
		case <-perfTicker.C:
			perf.LogMetrics()
		}
	}
}
