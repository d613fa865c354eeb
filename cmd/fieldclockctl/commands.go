package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/api"
	"github.com/markus-lassfolk/fieldclock/pkg/attendance"
	"github.com/markus-lassfolk/fieldclock/pkg/gps"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/uci"
)

// parseAccuracy accepts a radius in meters or "null"/"unknown"
func parseAccuracy(s string) (*float64, error) {
	switch strings.ToLower(s) {
	case "null", "none", "unknown", "":
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid accuracy %q", s)
	}
	return &v, nil
}

func handleClassify(args []string, g globals, w io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("classify needs an accuracy argument")
	}
	acc, err := parseAccuracy(args[0])
	if err != nil {
		return err
	}
	source := pkg.SourceGPS
	if len(args) > 1 {
		source = pkg.PositionSource(args[1])
	}

	a := gps.Classify(acc, source)
	if g.outputFormat == "json" {
		return printJSON(w, a)
	}
	fmt.Fprintf(w, "Tier: %s\n", a.Tier)
	for _, r := range a.Recommendations {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	return nil
}

func loadConfig(g globals) (*uci.Config, error) {
	cfg, err := uci.LoadConfig(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newChain(cfg *uci.Config, logger *logx.Logger) *gps.IPFallbackChain {
	return gps.NewIPFallbackChain(cfg.IPChainConfig(), cfg.IPProviders(), &http.Client{}, logger.With("component", "ip_chain"))
}

func handleIP(ctx context.Context, g globals, logger *logx.Logger, w io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	loc, err := newChain(cfg, logger).ResolveByIP(ctx)
	if err != nil {
		return err
	}

	if g.outputFormat == "json" {
		return printJSON(w, loc)
	}
	fmt.Fprintf(w, "Provider:  %s\n", loc.Provider)
	fmt.Fprintf(w, "IP:        %s\n", loc.IPAddress)
	fmt.Fprintf(w, "Position:  %s\n", loc.Position)
	if label := loc.Label(); label != "" {
		fmt.Fprintf(w, "Place:     %s\n", label)
	}
	return nil
}

func handleLocate(ctx context.Context, g globals, logger *logx.Logger, w io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	platform := gps.NewGpsctlPlatform(cfg.Location.GpsctlPath, 0, logger.With("component", "gpsctl"))
	acquirer := gps.NewAcquirer(platform, cfg.AcquirerConfig(), logger.With("component", "acquirer"))
	oc := cfg.OptimizerConfig()
	oc.AutoOptimize = false
	optimizer := gps.NewOptimizer(oc, acquirer, newChain(cfg, logger), logger.With("component", "optimizer"))
	defer optimizer.Close()

	if cfg.Location.GoogleAPIKey != "" {
		if geocoder, err := gps.NewGoogleGeocoder(cfg.Location.GoogleAPIKey, "", logger); err == nil {
			optimizer.SetGeocoder(geocoder)
		}
	}

	state, err := optimizer.Optimize(ctx, gps.TriggerUser)
	if err != nil {
		return err
	}
	optimizer.StopRefinement()
	return printState(w, g, state)
}

func printState(w io.Writer, g globals, state gps.OptimizationState) error {
	if g.outputFormat == "json" {
		return printJSON(w, state)
	}
	fmt.Fprintf(w, "Phase:     %s\n", state.Phase)
	fmt.Fprintf(w, "Tier:      %s\n", state.Tier)
	if state.BestPosition != nil {
		fmt.Fprintf(w, "Position:  %s\n", state.BestPosition)
		if state.BestPosition.Address != "" {
			fmt.Fprintf(w, "Address:   %s\n", state.BestPosition.Address)
		}
	}
	for _, r := range state.Recommendations {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	return nil
}

func handleAttendance(ctx context.Context, kind string, args []string, g globals, w io.Writer) error {
	fs := flag.NewFlagSet(kind, flag.ContinueOnError)
	user := fs.String("user", "", "Subject id")
	method := fs.String("method", string(pkg.MethodGPS), "Attendance method (gps|ip|manual|qr)")
	workplace := fs.String("workplace", "", "Workplace id")
	token := fs.String("token", "", "Bearer token forwarded to the attendance API")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("%s needs -user", kind)
	}

	body, err := json.Marshal(api.AttendanceRequest{
		UserID:      *user,
		Method:      pkg.AttendanceMethod(*method),
		WorkplaceID: *workplace,
	})
	if err != nil {
		return err
	}

	url := strings.TrimRight(g.daemonURL, "/") + "/api/attendance/" + kind
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", attendance.MsgConnectionFailed, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var failure api.AttendanceError
		if json.Unmarshal(raw, &failure) == nil && failure.Error != "" {
			return fmt.Errorf("%s", failure.Error)
		}
		return fmt.Errorf("fieldclockd returned %d", resp.StatusCode)
	}

	var result attendance.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("invalid response from fieldclockd: %w", err)
	}
	if g.outputFormat == "json" {
		return printJSON(w, result)
	}
	fmt.Fprintf(w, "%s\n", result.Message)
	fmt.Fprintf(w, "Method: %s", result.Method)
	if result.Downgraded {
		fmt.Fprint(w, " (GPS accuracy too low, submitted with IP location)")
	}
	fmt.Fprintf(w, "\nAttempts: %d\n", result.AttemptNumber)
	return nil
}
