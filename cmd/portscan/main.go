/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command portscan is the CLI entry point over pkg/orchestrator: it loads
// a scan config, drives one scan to completion, and reports the result.
// Everything here is the "external collaborator" layer the core spec
// explicitly excludes (CLI, output formatting) — it exists only to make
// the core runnable from a shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carverauto/serviceradar/pkg/config"
	"github.com/carverauto/serviceradar/pkg/lifecycle"
	"github.com/carverauto/serviceradar/pkg/logger"
	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/orchestrator"
	"github.com/carverauto/serviceradar/pkg/scan"
)

// Exit codes per the programmatic core API's terminal states: success,
// usage/config error, missing-capability error, and scan-wide failure.
const (
	exitSuccess    = 0
	exitUsage      = 1
	exitCapability = 2
	exitScanError  = 3
)

// Version is set at build time via ldflags.
//
//nolint:gochecknoglobals // build-time ldflags injection
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/serviceradar/portscan.json", "path to scan config file")
	jsonOutput := flag.Bool("json", false, "emit the scan report as JSON instead of a text summary")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := lifecycle.CreateComponentLogger("portscan", logger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitUsage
	}

	var cfg orchestrator.Config

	loader := config.NewConfig(log)
	if err := loader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		log.Error().Err(err).Msg("failed to load scan config")
		return exitUsage
	}

	log.Info().Str("version", Version).Strs("targets", cfg.Targets).Msg("starting scan")

	eng, err := orchestrator.NewEngine(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to build scan engine")
		return exitUsage
	}

	report, err := eng.Scan(ctx)
	if err != nil {
		var capErr *scan.CapabilityError
		if errors.As(err, &capErr) {
			log.Error().Err(err).Msg("missing capability for configured technique")
			return exitCapability
		}

		log.Error().Err(err).Msg("scan failed")
		return exitScanError
	}

	if len(report.PortResults) == 0 {
		log.Error().Msg("scan completed with no classified ports")
		return exitScanError
	}

	if err := printReport(report, *jsonOutput); err != nil {
		log.Error().Err(err).Msg("failed to print report")
		return exitScanError
	}

	return exitSuccess
}

func printReport(report *models.ScanReport, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	fmt.Printf("scan %s: %s (%s)\n", report.RunID, report.Target, report.Duration)
	fmt.Printf("  open:     %v\n", report.Open)
	fmt.Printf("  closed:   %d ports\n", len(report.Closed))
	fmt.Printf("  filtered: %d ports\n", len(report.Filtered))

	if len(report.Unknown) > 0 {
		fmt.Printf("  unknown:  %d ports\n", len(report.Unknown))
	}

	fmt.Printf("  packets sent=%d received=%d retries=%d errors=%d\n",
		report.Stats.PacketsSent, report.Stats.PacketsReceived, report.Stats.Retries, report.Stats.Errors)

	return nil
}
