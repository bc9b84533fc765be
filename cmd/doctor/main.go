// Package main is the relayd preflight diagnostics CLI. It runs the same
// checks the daemon runs at startup and prints a report.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/relaydev/relayd/internal/common/config"
	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/diagnostics"
	"github.com/relaydev/relayd/internal/release"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	strict := flag.Bool("strict", false, "treat warnings as failures")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// The release manager creates its root on construction, so only probe
	// integrity when a releases tree already exists.
	var releases *release.Manager
	if _, statErr := os.Stat(cfg.ReleaseRoot()); statErr == nil {
		releases, err = release.NewManager(cfg.ReleaseRoot(), log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open release root: %v\n", err)
			os.Exit(1)
		}
	}

	checks := diagnostics.RunChecks(cfg, releases)

	failed := false
	for _, c := range checks {
		switch {
		case c.OK:
			fmt.Printf("ok    %-18s %s\n", c.Name, c.Detail)
		case c.Warn:
			fmt.Printf("warn  %-18s %s\n", c.Name, c.Detail)
			if *strict {
				failed = true
			}
		default:
			fmt.Printf("FAIL  %-18s %s\n", c.Name, c.Detail)
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}
