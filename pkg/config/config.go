// Package config parses and validates the aggregator's command line
// flags into a ready-to-run configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
)

// Run is the validated configuration for one aggregator run.
type Run struct {
	URLs               []string
	Checkpoint         string
	Milliseconds       string
	Insecure           bool
	Interval           time.Duration
	LateMargin         time.Duration
	LatencyPercentiles []float64 // fractions in [0,1]
	LogDir             string
	StatDir            string
	TestLimit          int
	TestMode           bool
	Timeout            time.Duration
	Verbose            bool
	VerboseZones       []string
	Zones              []string
}

// rawFlags holds the flag destinations kingpin writes into, before
// Parse derives the validated Run from them.
type rawFlags struct {
	urls               []string
	checkpoint         string
	insecure           bool
	interval           int64
	lateMargin         float64
	lateMarginSet      bool
	latencyPercentiles string
	logDir             string
	milliseconds       string
	plot               bool
	plotZones          string
	statDir            string
	testLimit          int
	testMode           bool
	timeout            float64
	verbose            bool
	verboseZones       string
	zones              string
}

// Parse builds a kingpin application, parses args against it and
// returns a validated Run. args excludes the program name (pass
// os.Args[1:]).
func Parse(appName, version string, args []string) (*Run, error) {
	app := kingpin.New(appName, "A monitoring tool for aggregating stats from the nginx-module-vts plugin.")
	app.Version(version)
	app.HelpFlag.Short('h')

	var f rawFlags
	app.Arg("url", "A vts /format/json URL, or a local file path for offline testing. At least one is required.").
		Required().StringsVar(&f.urls)

	app.Flag("checkpoint", "Checkpoint file path, to persist counter state across restarts.").
		Required().StringVar(&f.checkpoint)

	app.Flag("milliseconds", "Target file for the aggregated monitoring JSON. Written atomically.").
		Required().StringVar(&f.milliseconds)

	app.Flag("insecure", "Do not validate HTTPS certificates.").
		BoolVar(&f.insecure)

	app.Flag("interval", "Scraping interval in seconds.").
		Default("60").Int64Var(&f.interval)

	app.Flag("late-margin", "Seconds after an interval's start by which all processing must finish. Defaults to min(10, interval/2).").
		IsSetByUser(&f.lateMarginSet).Float64Var(&f.lateMargin)

	app.Flag("latency-percentiles", "Comma separated latency percentiles (0-100) to compute.").
		Default("0,1,5,10,50,90,95,99,100").StringVar(&f.latencyPercentiles)

	app.Flag("log-dir", "Directory to append structured error/warning logs to, as vtsaggregator.log.").
		StringVar(&f.logDir)

	app.Flag("stat-dir", "Directory to archive each interval's raw vts JSON responses to, for later replay.").
		StringVar(&f.statDir)

	// --plot/--plot-zones are part of the documented flag surface but
	// plotting itself is an external collaborator this tool does not
	// implement; accept and ignore both so passing them never errors.
	app.Flag("plot", "Accepted for compatibility; plotting is not performed by this tool.").
		BoolVar(&f.plot)

	app.Flag("plot-zones", "Accepted for compatibility; plotting is not performed by this tool.").
		StringVar(&f.plotZones)

	app.Flag("test-limit", "Stop after this many intervals. Negative means unlimited.").
		Default("-1").IntVar(&f.testLimit)

	app.Flag("test-mode", "Do not sleep between intervals; treat each URL argument as one interval's worth of canned data.").
		BoolVar(&f.testMode)

	app.Flag("timeout", "Per-request timeout in seconds for fetching backend statistics.").
		Default("2.0").Float64Var(&f.timeout)

	app.Flag("verbose", "Print per-zone stats to stdout after every interval.").
		BoolVar(&f.verbose)

	app.Flag("verbose-zones", "Comma separated zones to print in verbose mode. Defaults to \"total\". Use \"*\" for all.").
		StringVar(&f.verboseZones)

	app.Flag("zones", "Comma separated zones to monitor. Defaults to every zone reported by the backend.").
		StringVar(&f.zones)

	if _, err := app.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}

	return validate(&f)
}

func validate(f *rawFlags) (*Run, error) {
	if f.interval <= 0 {
		return nil, fmt.Errorf("--interval value must be a positive integer")
	}
	interval := time.Duration(f.interval) * time.Second

	lateMargin := time.Duration(f.lateMargin * float64(time.Second))
	if !f.lateMarginSet {
		half := interval / 2
		if half > 10*time.Second {
			lateMargin = 10 * time.Second
		} else {
			lateMargin = half
		}
	}
	if lateMargin <= 0 || lateMargin > interval/2 {
		return nil, fmt.Errorf("--late-margin value must be a positive float not greater than interval/2")
	}

	percentiles, err := parsePercentiles(f.latencyPercentiles)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(f.urls))
	for _, u := range f.urls {
		if seen[u] {
			return nil, fmt.Errorf("duplicate URL %s given", u)
		}
		seen[u] = true
	}

	run := &Run{
		URLs:               f.urls,
		Checkpoint:         f.checkpoint,
		Milliseconds:       f.milliseconds,
		Insecure:           f.insecure,
		Interval:           interval,
		LateMargin:         lateMargin,
		LatencyPercentiles: percentiles,
		LogDir:             f.logDir,
		StatDir:            f.statDir,
		TestLimit:          f.testLimit,
		TestMode:           f.testMode,
		Timeout:            time.Duration(f.timeout * float64(time.Second)),
		Verbose:            f.verbose,
		VerboseZones:       splitNonEmpty(f.verboseZones, "total"),
		Zones:              splitNonEmpty(f.zones, ""),
	}
	return run, nil
}

func parsePercentiles(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid percentile value: %s", part)
		}
		p := v / 100.0
		if p < 0.0 || p > 1.0 {
			return nil, fmt.Errorf("invalid percentile value: %s", part)
		}
		out = append(out, p)
	}
	return out, nil
}

func splitNonEmpty(s, fallback string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 && fallback != "" {
		return []string{fallback}
	}
	return out
}
