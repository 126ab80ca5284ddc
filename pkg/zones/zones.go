// Package zones decodes one backend's nginx-module-vts JSON payload
// into labeled data points, and derives the summary zones (2xx, 3xx,
// 4xx, 5xx, total, cache_other) that are not reported by the plugin
// directly.
package zones

import (
	"fmt"

	"github.com/seravo/vtsaggregator/pkg/serieskey"
	"github.com/seravo/vtsaggregator/pkg/store"
	"github.com/seravo/vtsaggregator/pkg/timeseries"
)

// HTTPRequestMethods are the zone names the vts plugin reports for
// request methods. PURGE is not part of the HTTP standard but is used
// by some caching systems such as PageSpeed.
var HTTPRequestMethods = map[string]bool{
	"CONNECT": true, "DELETE": true, "GET": true, "HEAD": true,
	"PATCH": true, "POST": true, "PURGE": true, "PUT": true,
	"TRACE": true, "OPTIONS": true,
}

// CacheOtherZones are cache states, named as in nginx's
// src/http/ngx_http_cache.h, that are folded together into the
// "cache_other" summary zone rather than reported individually.
var CacheOtherZones = map[string]bool{
	"EXPIRED": true, "REVALIDATED": true, "SCARCE": true,
	"STALE": true, "UPDATING": true,
}

// CacheZones is every zone name that represents a cache state,
// including the ones folded into cache_other.
var CacheZones = unionWith(map[string]bool{
	"BYPASS": true, "HIT": true, "MISS": true, "NO_CACHE": true,
}, CacheOtherZones)

// ZoneToMilliseconds renames a handful of vts cache zone names to the
// names the milliseconds output document uses for them.
var ZoneToMilliseconds = map[string]string{
	"BYPASS":   "cache_none",
	"MISS":     "cache_miss",
	"HIT":      "cache_hit",
	"NO_CACHE": "cache_no_cache",
}

func unionWith(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

// MillisecondsName maps a vts zone name to its milliseconds output
// name, or returns zone unchanged if no rename applies.
func MillisecondsName(zone string) string {
	if renamed, ok := ZoneToMilliseconds[zone]; ok {
		return renamed
	}
	return zone
}

// RequestBuckets is the response-latency histogram the vts plugin
// reports for one zone: parallel slices of bucket upper bound (in
// milliseconds) and cumulative request count.
type RequestBuckets struct {
	Msecs    []float64 `json:"msecs"`
	Counters []float64 `json:"counters"`
}

// ZoneStats is one zone's entry under serverZones in the vts JSON
// payload.
type ZoneStats struct {
	RequestBuckets     RequestBuckets `json:"requestBuckets"`
	RequestMsecCounter float64        `json:"requestMsecCounter"`
	InBytes            float64        `json:"inBytes"`
	OutBytes           float64        `json:"outBytes"`
	RequestCounter     float64        `json:"requestCounter"`
}

// BackendStats is the decoded top-level vts JSON payload for one
// backend.
type BackendStats struct {
	NowMsec     float64              `json:"nowMsec"`
	ServerZones map[string]ZoneStats `json:"serverZones"`
}

// ParseZone decodes one zone of backend's stats at timestamp t,
// recording every resulting data point into store, and returns the
// series it touched (needed by Aggregate to derive summary zones).
// It returns an error if zone is absent from stats or its bucket
// slices are mismatched in length.
func ParseZone(s *store.Store, t float64, backend, zone string, stats BackendStats) ([]*timeseries.TimeSeries, error) {
	zoneStats, ok := stats.ServerZones[zone]
	if !ok {
		return nil, fmt.Errorf("zone %q not present in server zones", zone)
	}
	buckets := zoneStats.RequestBuckets
	if len(buckets.Msecs) != len(buckets.Counters) {
		return nil, fmt.Errorf("zone %q: bucket size mismatch (%d msecs, %d counters)",
			zone, len(buckets.Msecs), len(buckets.Counters))
	}

	var updated []*timeseries.TimeSeries
	point := func(key serieskey.Labels, value float64) {
		updated = append(updated, s.CreateDataPoint(key, t, value))
	}

	for i, msecs := range buckets.Msecs {
		key := serieskey.Labels{
			Name: "response_duration", Backend: backend, Zone: zone, Unit: "s",
		}.WithLe(msecs / 1000)
		point(key, buckets.Counters[i])
	}

	point(serieskey.Labels{
		Name: "response_duration_sum", Backend: backend, Zone: zone, Unit: "s",
	}, zoneStats.RequestMsecCounter/1000)

	point(serieskey.Labels{
		Name: "bytes", Backend: backend, Zone: zone, Direction: "in", Unit: "bytes",
	}, zoneStats.InBytes)
	point(serieskey.Labels{
		Name: "bytes", Backend: backend, Zone: zone, Direction: "out", Unit: "bytes",
	}, zoneStats.OutBytes)

	point(serieskey.Labels{
		Name: "requests_total", Backend: backend, Zone: zone, Unit: "requests",
	}, zoneStats.RequestCounter)

	return updated, nil
}

// Aggregate derives the 2xx/3xx/4xx/5xx, total and cache_other summary
// series from updated (the series ParseZone just touched across every
// zone of one backend), summing each into the matching summary series
// in store. It returns those newly touched summary series (deduplicated,
// for the caller to fold into its own updated-series list) and the set
// of zone names that carry a numeric HTTP status code (including the
// derived Nxx group names), used to build the top-status table.
//
// Status code 503 is counted into "total" but excluded from "5xx",
// matching the milliseconds convention that 503 (service unavailable,
// typically from a health check or maintenance page) should not count
// as a server error in the aggregate rate.
func Aggregate(s *store.Store, updated []*timeseries.TimeSeries) ([]*timeseries.TimeSeries, map[string]bool) {
	statusCodeZones := make(map[string]bool)
	seen := make(map[*timeseries.TimeSeries]bool)
	var aggregated []*timeseries.TimeSeries
	add := func(ts *timeseries.TimeSeries) {
		if !seen[ts] {
			seen[ts] = true
			aggregated = append(aggregated, ts)
		}
	}

	for _, ts := range updated {
		zone := ts.Key.Zone
		if zone == "" {
			continue
		}

		if CacheOtherZones[zone] {
			cacheOtherKey := ts.Key.WithZone("cache_other")
			cacheOtherTS := s.GetOrCreate(cacheOtherKey)
			cacheOtherTS.Sum(ts)
			add(cacheOtherTS)
			continue
		}

		statusCode, ok := parseStatusCode(zone)
		if !ok {
			continue
		}

		totalKey := ts.Key.WithZone("total")
		totalTS := s.GetOrCreate(totalKey)
		totalTS.Sum(ts)
		add(totalTS)

		statusCodeZones[zone] = true
		if zone == "503" {
			continue
		}
		group := fmt.Sprintf("%dxx", statusCode/100)
		statusCodeZones[group] = true

		groupKey := ts.Key.WithZone(group)
		groupTS := s.GetOrCreate(groupKey)
		groupTS.Sum(ts)
		add(groupTS)
	}

	return aggregated, statusCodeZones
}

func parseStatusCode(zone string) (int, bool) {
	if zone == "" {
		return 0, false
	}
	code := 0
	for _, c := range zone {
		if c < '0' || c > '9' {
			return 0, false
		}
		code = code*10 + int(c-'0')
	}
	if code < 100 || code >= 600 {
		return 0, false
	}
	return code, true
}
