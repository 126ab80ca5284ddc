// Package histogram groups time series that share every label except
// a numeric bucket upper bound ("le") into one cumulative-distribution
// family, and derives interpolated percentiles from it.
package histogram

import (
	"fmt"
	"math"
	"sort"

	"github.com/seravo/vtsaggregator/pkg/serieskey"
)

// bucket pairs one histogram edge with the key tuple of the time
// series carrying its cumulative count.
type bucket struct {
	le  float64
	key serieskey.Key
}

// Histogram is the shared-label family of one cumulative distribution
// (e.g. response_duration for backend=X, zone=MISS).
type Histogram struct {
	Key     serieskey.Labels // the reduced key, without "le"
	members map[serieskey.Key]struct{}
	buckets []bucket // kept sorted ascending by le
}

// New creates an empty Histogram for the given reduced key (the
// labels shared by every member series, excluding "le").
func New(key serieskey.Labels) *Histogram {
	return &Histogram{
		Key:     key,
		members: make(map[serieskey.Key]struct{}),
	}
}

// Add inserts the series identified by full (including "le") into the
// family. full must carry an "le" label; a series without one is a
// caller error. Re-adding an already-known key is a no-op.
func (h *Histogram) Add(full serieskey.Labels) {
	key := full.Key()
	if _, exists := h.members[key]; exists {
		return
	}
	if !full.HasLe() {
		panic(fmt.Sprintf("histogram.Add: %v has no le label", full))
	}
	h.members[key] = struct{}{}
	le := *full.Le
	i := sort.Search(len(h.buckets), func(i int) bool { return h.buckets[i].le >= le })
	h.buckets = append(h.buckets, bucket{})
	copy(h.buckets[i+1:], h.buckets[i:])
	h.buckets[i] = bucket{le: le, key: key}
}

// Members returns the key tuples of every series in the family.
func (h *Histogram) Members() []serieskey.Key {
	out := make([]serieskey.Key, 0, len(h.members))
	for k := range h.members {
		out = append(out, k)
	}
	return out
}

// DiffLookup resolves a member series' per-interval diff, as computed
// by store.Store.DiffByKey. Kept as a narrow interface so this package
// does not need to import pkg/store.
type DiffLookup func(key serieskey.Key, interval float64, mutable bool) (float64, bool)

// Percentiles computes a latency value (in seconds) for each requested
// percentile in [0,1], using the per-interval diff of each bucket's
// cumulative counter. Returns ok=false ("unavailable") if any bucket's
// diff is unavailable or bucket counts are not monotonically
// non-decreasing, and logDecrease is invoked (for a caller to log)
// when monotonicity is violated. An empty, ok=true result means the
// interval saw zero requests in this histogram.
func (h *Histogram) Percentiles(diff DiffLookup, interval float64, percentiles []float64, logDecrease func(le float64, key serieskey.Key)) (map[float64]float64, bool) {
	type leCount struct {
		le float64
		n  float64
	}
	counts := make([]leCount, 0, len(h.buckets))
	for _, b := range h.buckets {
		n, ok := diff(b.key, interval, false)
		if !ok {
			return nil, false
		}
		if len(counts) > 0 && n < counts[len(counts)-1].n {
			if logDecrease != nil {
				logDecrease(b.le, b.key)
			}
			return nil, false
		}
		counts = append(counts, leCount{le: b.le, n: n})
	}
	if len(counts) == 0 {
		return map[float64]float64{}, true
	}

	total := counts[len(counts)-1].n
	if total == 0 {
		return map[float64]float64{}, true
	}

	result := make(map[float64]float64, len(percentiles))
	for _, p := range percentiles {
		target := math.Trunc(p * total)
		if target < 1 {
			target = 1
		}
		i := 0
		for i < len(counts) && counts[i].n < target {
			i++
		}
		var lowLe, lowCount float64
		if i > 0 {
			lowLe, lowCount = counts[i-1].le, counts[i-1].n
		}
		highLe, highCount := counts[i].le, counts[i].n
		var latency float64
		if highCount == lowCount {
			latency = lowLe
		} else {
			t := (target - lowCount) / (highCount - lowCount)
			latency = lowLe + t*(highLe-lowLe)
		}
		result[p] = latency
	}
	return result, true
}
