// Package projector renders one backend's aggregated series into the
// milliseconds output document: per-zone byte/request/latency
// summaries plus the top-status, top-request_type, top-protocol and
// top-cache ordered tables.
package projector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/seravo/vtsaggregator/pkg/serieskey"
	"github.com/seravo/vtsaggregator/pkg/store"
	"github.com/seravo/vtsaggregator/pkg/timeseries"
	"github.com/seravo/vtsaggregator/pkg/zones"
)

// Options configures one Project call.
type Options struct {
	Interval    float64
	Percentiles []float64 // fractions in [0,1], in the order they should resolve p-keys
	TPrev       float64   // store.NoPrevious if no previous interval exists yet
}

// ZoneMetrics is the per-zone entry of the output document: byte and
// request counters, their rates, and (for zones with a histogram)
// latency percentiles, all as an open map so percentile keys like
// "p50" or "min"/"max" sit next to the fixed fields without a
// dedicated struct field for each possible percentile.
type ZoneMetrics map[string]any

// Document is one backend's full set of zone metrics plus the four
// top-N tables, ready to be embedded under "metrics" in the
// milliseconds output.
type Document map[string]any

// Project builds the output document for one backend at t, from the
// series ParseZone and zones.Aggregate just touched (updatedTS) and
// the status-code zone set zones.Aggregate returned.
func Project(s *store.Store, t float64, backend string, updatedTS []*timeseries.TimeSeries, statusCodeZones map[string]bool, opts Options) Document {
	zoneSet := make(map[string]bool)
	for _, ts := range updatedTS {
		if ts.Key.Zone != "" {
			zoneSet[ts.Key.Zone] = true
		}
	}

	statusStats := make(map[string]*float64, len(statusCodeZones))
	for zone := range statusCodeZones {
		zero := 0.0
		statusStats[zone] = &zero
	}
	methodStats := make(map[string]*float64)
	protocolStats := make(map[string]*float64)
	cacheStats := make(map[string]*float64)

	ratePostfix := fmt.Sprintf("rate%ds", int64(opts.Interval))

	doc := make(Document)
	sortedZones := make([]string, 0, len(zoneSet))
	for zone := range zoneSet {
		sortedZones = append(sortedZones, zone)
	}
	sort.Strings(sortedZones)

	for _, zone := range sortedZones {
		ms := zones.MillisecondsName(zone)
		zm := ZoneMetrics{}
		doc[ms] = zm

		bytesOut, bytesOutOK := s.Diff(serieskey.Labels{
			Name: "bytes", Backend: backend, Zone: zone, Direction: "out", Unit: "bytes",
		}, opts.Interval, true)
		bytesIn, bytesInOK := s.Diff(serieskey.Labels{
			Name: "bytes", Backend: backend, Zone: zone, Direction: "in", Unit: "bytes",
		}, opts.Interval, true)
		count, countOK := s.Diff(serieskey.Labels{
			Name: "requests_total", Backend: backend, Zone: zone, Unit: "requests",
		}, opts.Interval, true)
		sum, sumOK := s.Diff(serieskey.Labels{
			Name: "response_duration_sum", Backend: backend, Zone: zone, Unit: "s",
		}, opts.Interval, true)

		zm["bytes"] = orNil(bytesOut, bytesOutOK)
		zm["bytes_in"] = orNil(bytesIn, bytesInOK)
		zm["count"] = orNil(count, countOK)

		if statusStats[zone] != nil {
			statusStats[zone] = optionalPtr(count, countOK)
		}
		if zones.HTTPRequestMethods[zone] {
			methodStats[zone] = optionalPtr(count, countOK)
		}
		if len(zone) >= 5 && zone[:5] == "HTTP/" {
			protocolStats[zone] = optionalPtr(count, countOK)
		}
		if zones.CacheZones[zone] {
			cacheStats[zone] = optionalPtr(count, countOK)
		}

		zm["sum"] = nil
		zm["avg"] = nil
		var sumMs float64
		if sumOK {
			sumMs = math.Round(sum * 1000)
			zm["sum"] = sumMs
			if countOK {
				denom := count
				if denom < 1 {
					denom = 1
				}
				zm["avg"] = math.Round(sum * 1000 / denom)
			}
		}

		if opts.TPrev != store.NoPrevious && t > opts.TPrev {
			rateFields := map[string]struct {
				v  float64
				ok bool
			}{
				"bytes":    {bytesOut, bytesOutOK},
				"bytes_in": {bytesIn, bytesInOK},
				"count":    {count, countOK},
				"sum":      {sumMs, sumOK},
			}
			for _, name := range []string{"bytes", "bytes_in", "count", "sum"} {
				f := rateFields[name]
				rateName := name + ":" + ratePostfix
				if !f.ok {
					zm[rateName] = nil
					continue
				}
				rate := f.v / (t - opts.TPrev)
				zm[rateName] = math.Trunc(rate*100) / 100
			}
		}
	}

	for _, h := range s.Histograms() {
		zone := h.Key.Zone
		if h.Key.Backend != backend || !zoneSet[zone] {
			continue
		}
		percentileValues, ok := h.Percentiles(s.DiffByKey, opts.Interval, opts.Percentiles, nil)
		if !ok || len(percentileValues) == 0 {
			continue
		}
		ms := zones.MillisecondsName(zone)
		zm, ok := doc[ms].(ZoneMetrics)
		if !ok {
			zm = ZoneMetrics{}
			doc[ms] = zm
		}
		for _, p := range opts.Percentiles {
			latency, ok := percentileValues[p]
			if !ok {
				continue
			}
			key := percentileKey(p)
			zm[key] = math.Round(latency / 0.001)
		}
	}

	doc["top-status"] = topOrder(statusStats)
	doc["top-request_type"] = topOrder(methodStats)
	doc["top-protocol"] = topOrder(protocolStats)
	doc["top-cache"] = topOrder(cacheStats)

	return doc
}

func percentileKey(p float64) string {
	if p == 0.0 {
		return "min"
	}
	if p == 1.0 {
		return "max"
	}
	return fmt.Sprintf("p%02d", int(math.Round(100*p)))
}

func orNil(v float64, ok bool) any {
	if !ok {
		return nil
	}
	return v
}

func optionalPtr(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

// topOrder returns stats as an OrderedTable sorted by value
// descending, nil values treated as 0 — matching the Python tool's
// "insert keys in decreasing value order" dict helper, which relies
// on dict insertion order being preserved once encoded to JSON.
func topOrder(stats map[string]*float64) OrderedTable {
	entries := make(OrderedTable, 0, len(stats))
	for name, v := range stats {
		entries = append(entries, tableEntry{Name: name, Value: v})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return sortKey(entries[i].Value) > sortKey(entries[j].Value)
	})
	return entries
}

func sortKey(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

type tableEntry struct {
	Name  string
	Value *float64
}

// OrderedTable is a top-N table: a name-to-value mapping that must
// keep its insertion (here: descending-value) order across the JSON
// boundary, which a plain Go map cannot do since encoding/json always
// sorts map keys. It marshals as a single JSON object with its
// entries written in slice order.
type OrderedTable []tableEntry

func (t OrderedTable) MarshalJSON() ([]byte, error) {
	var b []byte
	b = append(b, '{')
	for i, e := range t {
		if i > 0 {
			b = append(b, ',')
		}
		name, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		b = append(b, name...)
		b = append(b, ':')
		if e.Value == nil {
			b = append(b, 'n', 'u', 'l', 'l')
		} else {
			val, err := json.Marshal(*e.Value)
			if err != nil {
				return nil, err
			}
			b = append(b, val...)
		}
	}
	b = append(b, '}')
	return b, nil
}
