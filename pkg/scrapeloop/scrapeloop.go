// Package scrapeloop drives the paced scrape-aggregate-checkpoint
// cycle: it wakes on a wall-clock-aligned schedule (or, in test mode,
// consumes one canned response per tick), fetches every configured
// backend, folds the result into the store, and republishes the
// milliseconds output document.
package scrapeloop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/seravo/vtsaggregator/pkg/fetch"
	"github.com/seravo/vtsaggregator/pkg/projector"
	"github.com/seravo/vtsaggregator/pkg/store"
	"github.com/seravo/vtsaggregator/pkg/timeseries"
	"github.com/seravo/vtsaggregator/pkg/vtslog"
	"github.com/seravo/vtsaggregator/pkg/zones"
)

// clockDriftMargin is added to a computed wake time to absorb
// scheduler jitter; without it the loop can wake a few milliseconds
// early and spin once before the tick is actually due.
const clockDriftMargin = 100 * time.Millisecond

// Options configures one Loop.
type Options struct {
	URLs               []string
	Zones              []string // explicit zone filter; empty means every zone a backend reports
	Interval           time.Duration
	LateMargin         time.Duration
	LatencyPercentiles []float64
	TestMode           bool
	TestLimit          int // negative means unlimited
	StatDir            string
	MillisecondsPath   string
	CheckpointPath     string
	Verbose            bool
	VerboseZones       []string
}

// Loop owns one aggregator run: its store, fetcher and logger.
type Loop struct {
	store   *store.Store
	fetcher *fetch.Fetcher
	logger  *vtslog.Logger
	opts    Options
}

// New creates a Loop. The store is expected to already have been
// loaded from its checkpoint, if any.
func New(s *store.Store, f *fetch.Fetcher, logger *vtslog.Logger, opts Options) *Loop {
	return &Loop{store: s, fetcher: f, logger: logger, opts: opts}
}

// Run executes the scrape loop until ctx is cancelled or, in test
// mode, until every URL has been consumed or TestLimit intervals have
// run. A returned error means a configuration problem; transient
// per-interval failures are logged, not returned.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.opts.Interval.Seconds()

	now := nowSeconds()
	var tNext float64
	if l.opts.TestMode {
		tNext = now + interval
	} else {
		tNext = nextAlignedTime(now, interval)
	}

	step := 0
	for l.opts.TestLimit < 0 || step < l.opts.TestLimit {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t := nowSeconds()
		if l.opts.TestMode {
			t = tNext
		}

		if t < tNext {
			sleepDuration := time.Duration((tNext + clockDriftMargin.Seconds() - t) * float64(time.Second))
			if !sleepCtx(ctx, sleepDuration) {
				return nil
			}
			continue
		}

		deadline := tNext + l.opts.LateMargin.Seconds()
		if t < deadline {
			var urls []string
			if l.opts.TestMode {
				if step >= len(l.opts.URLs) {
					l.logger.Warning("no more test data, stopping")
					return nil
				}
				urls = []string{l.opts.URLs[step]}
			} else {
				urls = l.opts.URLs
			}

			backendData := l.fetcher.FetchAll(ctx, urls, func(url string, err error) {
				l.logger.Exception(err, "fetching backend data", "url", url)
			})

			tEnd := nowSeconds()
			late := tEnd >= deadline
			if late {
				l.logger.Warning("scraping was late, results are not counted",
					"lateness_seconds", tEnd-deadline)
			}

			if l.opts.StatDir != "" {
				archiveSnapshots(l.opts.StatDir, backendData, step, l.logger)
			}

			if !late {
				tCur := l.aggregateInterval(t, backendData)

				l.store.SetTPrev(tCur)
				if err := l.store.Save(l.opts.CheckpointPath); err != nil {
					l.logger.Exception(err, "saving checkpoint", "path", l.opts.CheckpointPath)
				}
			}
		} else {
			l.logger.Warning("missed a scrape interval", "time_t", t)
		}

		tNext += interval
		step++
	}
	return nil
}

type backendMillisecondsEntry struct {
	T       float64            `json:"t"`
	Metrics projector.Document `json:"metrics"`
}

// aggregateInterval decodes every backend's payload, parses its
// zones, derives the summary zones, projects the output document and
// writes the milliseconds file. It returns the timestamp used for
// this interval, to be recorded as the store's new t_prev.
//
// In test mode tCur is ignored in favor of the first backend's own
// "nowMsec" field, and that same derived timestamp is then shared by
// every other backend processed in this call: counter aggregation
// requires one consistent timestamp per interval across all backends
// and series.
func (l *Loop) aggregateInterval(tCur float64, backendData []fetch.Result) float64 {
	millisecondsStats := make(map[string]backendMillisecondsEntry, len(backendData))
	tPrev := l.store.TPrev()
	haveTimestamp := !l.opts.TestMode

	for _, bd := range backendData {
		var stats zones.BackendStats
		if err := json.Unmarshal(bd.Data, &stats); err != nil {
			l.logger.Exception(err, "invalid JSON from backend, check the URL ends with /format/json", "backend", bd.Backend)
			continue
		}

		if !haveTimestamp {
			tCur = stats.NowMsec / 1000
			haveTimestamp = true
		}

		zoneList := l.opts.Zones
		if len(zoneList) == 0 {
			zoneList = make([]string, 0, len(stats.ServerZones))
			for z := range stats.ServerZones {
				zoneList = append(zoneList, z)
			}
			sort.Strings(zoneList)
		}

		updatedSeries := l.parseZones(tCur, bd.Backend, stats, zoneList)
		aggregated, statusCodeZones := zones.Aggregate(l.store, updatedSeries)
		updatedSeries = append(updatedSeries, aggregated...)

		doc := projector.Project(l.store, tCur, bd.Backend, updatedSeries, statusCodeZones, projector.Options{
			Interval:    l.opts.Interval.Seconds(),
			Percentiles: l.opts.LatencyPercentiles,
			TPrev:       tPrev,
		})

		millisecondsStats[bd.Backend] = backendMillisecondsEntry{T: tCur, Metrics: doc}

		if l.opts.Verbose {
			l.printVerbose(bd.Backend, doc)
		}
	}

	if l.opts.MillisecondsPath != "" {
		if err := store.WriteJSONAtomically(l.opts.MillisecondsPath, millisecondsStats); err != nil {
			l.logger.Exception(err, "writing milliseconds output", "path", l.opts.MillisecondsPath)
		}
	}

	return tCur
}

// parseZones parses every zone in zoneList for backend, logging and
// skipping any zone that fails to parse rather than aborting the
// whole backend.
func (l *Loop) parseZones(tCur float64, backend string, stats zones.BackendStats, zoneList []string) []*timeseries.TimeSeries {
	var updated []*timeseries.TimeSeries
	for _, zone := range zoneList {
		zoneUpdated, err := zones.ParseZone(l.store, tCur, backend, zone, stats)
		if err != nil {
			l.logger.Exception(err, "parse error on zone", "zone", zone, "backend", backend)
			continue
		}
		updated = append(updated, zoneUpdated...)
	}
	return updated
}

func (l *Loop) printVerbose(backend string, doc projector.Document) {
	zonesToPrint := l.opts.VerboseZones
	if len(zonesToPrint) == 1 && zonesToPrint[0] == "*" {
		zonesToPrint = make([]string, 0, len(doc))
		for k := range doc {
			zonesToPrint = append(zonesToPrint, k)
		}
		sort.Strings(zonesToPrint)
	}
	fmt.Printf("backend %s:\n", backend)
	for _, zone := range zonesToPrint {
		v, ok := doc[zone]
		if !ok {
			continue
		}
		fmt.Printf("zone %s: %+v\n", zone, v)
	}
}

func archiveSnapshots(statDir string, backendData []fetch.Result, step int, logger *vtslog.Logger) {
	for _, bd := range backendData {
		host := "nohostname"
		if u, err := url.Parse(bd.Backend); err == nil && u.Host != "" {
			host = u.Hostname()
		}
		dest := filepath.Join(statDir, fmt.Sprintf("%s-%06d.json", host, step))
		if err := os.WriteFile(dest, bd.Data, 0o644); err != nil {
			logger.Error("unable to write snapshot to stat dir", "path", dest, "err", err.Error())
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// nextAlignedTime returns the smallest multiple of interval, in unix
// seconds, that is >= t. It matches production-mode wall-clock
// alignment so every aggregator instance scraping the same interval
// ticks at the same moments.
func nextAlignedTime(t, interval float64) float64 {
	rounded := roundHalfAwayFromZero(t)
	remainder := remainderFloat(rounded, interval)
	next := rounded
	if remainder != 0 {
		next = rounded + (interval - remainder)
	}
	if next < t {
		next += interval
	}
	return next
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}

func remainderFloat(v, m float64) float64 {
	vi := int64(v)
	mi := int64(m)
	if mi == 0 {
		return 0
	}
	r := vi % mi
	if r < 0 {
		r += mi
	}
	return float64(r)
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes
// first. It returns false if ctx was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
