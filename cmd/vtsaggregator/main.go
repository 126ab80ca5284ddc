// Command vtsaggregator scrapes nginx-module-vts traffic status
// endpoints at a fixed interval and republishes per-zone rate and
// latency statistics as a JSON document for a monitoring client to
// poll.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seravo/vtsaggregator/pkg/config"
	"github.com/seravo/vtsaggregator/pkg/fetch"
	"github.com/seravo/vtsaggregator/pkg/scrapeloop"
	"github.com/seravo/vtsaggregator/pkg/store"
	"github.com/seravo/vtsaggregator/pkg/vtslog"
)

// version is the aggregator's release version, surfaced via --version.
const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	run, err := config.Parse("vtsaggregator", version, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}

	logger, err := vtslog.New(run.LogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: unable to open log file:", err)
		return 2
	}
	defer logger.Close()

	if len(run.URLs) == 0 {
		logger.Warning("no URLs given")
	}

	s := store.New()
	loaded, err := s.Load(run.Checkpoint)
	if err != nil {
		logger.Exception(err, "checkpoint invalid, starting from empty state", "path", run.Checkpoint)
	} else if !loaded {
		logger.Warning("checkpoint does not exist, starting from empty state", "path", run.Checkpoint)
	}

	if len(run.LatencyPercentiles) == 0 {
		logger.Warning("no latency percentiles computed")
	}

	fetcher := fetch.New(run.Timeout, run.Insecure)

	loop := scrapeloop.New(s, fetcher, logger, scrapeloop.Options{
		URLs:               run.URLs,
		Zones:              run.Zones,
		Interval:           run.Interval,
		LateMargin:         run.LateMargin,
		LatencyPercentiles: run.LatencyPercentiles,
		TestMode:           run.TestMode,
		TestLimit:          run.TestLimit,
		StatDir:            run.StatDir,
		MillisecondsPath:   run.Milliseconds,
		CheckpointPath:     run.Checkpoint,
		Verbose:            run.Verbose,
		VerboseZones:       run.VerboseZones,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := loop.Run(ctx); err != nil {
		logger.Exception(err, "aggregator exited with an error")
		return 1
	}
	return 0
}
