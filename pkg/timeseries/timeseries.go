// Package timeseries implements the counter/time-series engine: a
// bounded two-sample history per labeled counter, same-timestamp
// merging, and reset/overflow-aware interval diffing.
package timeseries

import (
	"math"

	"github.com/seravo/vtsaggregator/pkg/serieskey"
)

// overflowLimit is the largest value (exclusive) that survives a JSON
// round trip without losing precision in every consumer; values at or
// above it are reduced modulo this limit before being stored.
const overflowLimit = 1 << 52

// Sample is one (timestamp, value) observation of a counter.
type Sample struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// TimeSeries holds the last two samples of one labeled counter.
// len(data) is always 0, 1 or 2; timestamps are non-decreasing within
// it.
type TimeSeries struct {
	Key  serieskey.Labels
	data []Sample
}

// New creates an empty TimeSeries for key.
func New(key serieskey.Labels) *TimeSeries {
	return &TimeSeries{Key: key}
}

// Len returns the number of samples currently stored (0, 1 or 2).
func (ts *TimeSeries) Len() int {
	return len(ts.data)
}

// Latest returns the most recent sample and whether one exists.
func (ts *TimeSeries) Latest() (Sample, bool) {
	if len(ts.data) == 0 {
		return Sample{}, false
	}
	return ts.data[len(ts.data)-1], true
}

// Append stores (t, v), reducing v modulo 2^52 if it would otherwise
// exceed what can be represented safely across a JSON boundary. No
// ordering is enforced here beyond what callers guarantee.
func (ts *TimeSeries) Append(t, v float64) {
	if v >= overflowLimit {
		v = math.Mod(v, overflowLimit)
	}
	ts.data = append(ts.data, Sample{T: t, V: v})
	if len(ts.data) > 2 {
		ts.data = ts.data[len(ts.data)-2:]
	}
}

// dropAllButLatest discards every sample but the most recent one,
// used to resynchronize after a detected counter reset.
func (ts *TimeSeries) dropAllButLatest() {
	if len(ts.data) > 1 {
		ts.data = ts.data[len(ts.data)-1:]
	}
}

// Sum merges the most recent sample of other into ts. If other has no
// data, Sum is a no-op. If ts is empty, it adopts other's sample. An
// older timestamp from other is dropped; a newer one is appended; an
// equal timestamp sums the two values into ts's latest sample.
func (ts *TimeSeries) Sum(other *TimeSeries) {
	otherLatest, ok := other.Latest()
	if !ok {
		return
	}
	latest, ok := ts.Latest()
	if !ok {
		ts.Append(otherLatest.T, otherLatest.V)
		return
	}
	switch {
	case otherLatest.T < latest.T:
		// an older point in time: drop it.
	case otherLatest.T > latest.T:
		ts.Append(otherLatest.T, otherLatest.V)
	default:
		ts.data[len(ts.data)-1] = Sample{T: latest.T, V: latest.V + otherLatest.V}
	}
}

// Diff computes the counter delta between the two stored samples. It
// requires exactly two samples; returns ok=false ("unavailable") when
// there aren't two samples, the samples are more than 2.5×interval
// apart (clock skew / missed ticks), or the delta is negative (a
// reset or overflow) — in the latter case, if mutable is true, every
// sample but the latest is dropped so the series resynchronizes on
// the next tick.
func (ts *TimeSeries) Diff(interval float64, mutable bool) (float64, bool) {
	if len(ts.data) < 2 {
		return 0, false
	}
	prev, cur := ts.data[0], ts.data[1]
	if cur.T-prev.T > 2.5*interval {
		return 0, false
	}
	d := cur.V - prev.V
	if d < 0 {
		if mutable {
			ts.dropAllButLatest()
		}
		return 0, false
	}
	return d, true
}

// Serialized is the JSON-friendly, round-trippable form of a
// TimeSeries, used by the checkpoint.
type Serialized struct {
	KeyDict serieskey.Labels `json:"key_dict"`
	Data    []Sample         `json:"data"`
}

// Serialize returns a deep, JSON-friendly copy of ts.
func (ts *TimeSeries) Serialize() Serialized {
	data := make([]Sample, len(ts.data))
	copy(data, ts.data)
	return Serialized{KeyDict: ts.Key, Data: data}
}

// Deserialize reconstructs a TimeSeries from its serialized form,
// re-running every sample through Append so the overflow reduction
// and the 2-sample bound are re-established identically to a live
// series.
func Deserialize(s Serialized) *TimeSeries {
	ts := New(s.KeyDict)
	for _, sample := range s.Data {
		ts.Append(sample.T, sample.V)
	}
	return ts
}
