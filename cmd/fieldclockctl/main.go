package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/uci"
)

const (
	AppName    = "fieldclockctl"
	AppVersion = "1.0.0"
)

// globals shared by every subcommand
type globals struct {
	configPath   string
	logLevel     string
	outputFormat string
	daemonURL    string
	apiKey       string
	timeout      time.Duration
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %s [flags] <command> [args]

Commands:
  classify <accuracy|null> [source]   classify an accuracy radius
  ip                                  resolve the coarse position from the public IP
  locate                              run one location optimization cycle
  checkin  -user ID [-method M]       submit a check-in through the daemon
  checkout -user ID [-method M]       submit a check-out through the daemon
  version                             show version information

Flags:
`, AppName)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	g := globals{}
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configPath, "config", uci.DefaultConfigPath, "Path to UCI configuration file")
	fs.StringVar(&g.logLevel, "log-level", "warn", "Log level (trace|debug|info|warn|error)")
	fs.StringVar(&g.outputFormat, "format", "standard", "Output format: standard, json")
	fs.StringVar(&g.daemonURL, "daemon", "http://127.0.0.1:8088", "fieldclockd API base URL")
	fs.StringVar(&g.apiKey, "api-key", "", "Local API key for fieldclockd")
	fs.DurationVar(&g.timeout, "timeout", 2*time.Minute, "Operation timeout")
	fs.Usage = func() {
		usage(stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	logger := logx.NewLogger(g.logLevel, AppName)
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, AppVersion)
		return 0
	case "classify":
		err = handleClassify(rest, g, stdout)
	case "ip":
		err = handleIP(ctx, g, logger, stdout)
	case "locate":
		err = handleLocate(ctx, g, logger, stdout)
	case "checkin", "checkout":
		err = handleAttendance(ctx, cmd, rest, g, stdout)
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
