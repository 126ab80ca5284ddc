package histogram

import (
	"testing"

	"github.com/seravo/vtsaggregator/pkg/serieskey"
)

func bucketKey(le float64) serieskey.Labels {
	return serieskey.Labels{
		Name: "response_duration", Backend: "b1", Zone: "MISS", Unit: "s",
	}.WithLe(le)
}

// fakeStore is a minimal DiffLookup backed by a plain map, enough to
// exercise Percentiles without depending on pkg/store.
type fakeStore map[serieskey.Key]float64

func (f fakeStore) diff(key serieskey.Key, interval float64, mutable bool) (float64, bool) {
	v, ok := f[key]
	return v, ok
}

func TestPercentilesInterpolatesLinearly(t *testing.T) {
	h := New(serieskey.Labels{Name: "response_duration", Backend: "b1", Zone: "MISS", Unit: "s"})
	h.Add(bucketKey(0.005))
	h.Add(bucketKey(0.01))
	h.Add(bucketKey(0.05))

	store := fakeStore{
		bucketKey(0.005).Key(): 50,
		bucketKey(0.01).Key():  80,
		bucketKey(0.05).Key():  100,
	}

	values, ok := h.Percentiles(store.diff, 60, []float64{0.5, 1.0}, nil)
	if !ok {
		t.Fatalf("expected percentiles to be available")
	}
	if _, ok := values[0.5]; !ok {
		t.Fatalf("expected a p50 value")
	}
	if values[1.0] != 0.05 {
		t.Fatalf("expected p100 to equal the last bucket's le, got %v", values[1.0])
	}
}

func TestPercentilesUnavailableWhenABucketDiffIsUnavailable(t *testing.T) {
	h := New(serieskey.Labels{Name: "response_duration", Backend: "b1", Zone: "MISS", Unit: "s"})
	h.Add(bucketKey(0.005))
	h.Add(bucketKey(0.01))

	store := fakeStore{
		bucketKey(0.005).Key(): 50,
		// bucketKey(0.01) missing on purpose
	}

	if _, ok := h.Percentiles(store.diff, 60, []float64{0.5}, nil); ok {
		t.Fatalf("expected percentiles to be unavailable when a bucket diff is missing")
	}
}

func TestPercentilesEmptyWhenNoRequests(t *testing.T) {
	h := New(serieskey.Labels{Name: "response_duration", Backend: "b1", Zone: "MISS", Unit: "s"})
	h.Add(bucketKey(0.005))
	h.Add(bucketKey(0.01))

	store := fakeStore{
		bucketKey(0.005).Key(): 0,
		bucketKey(0.01).Key():  0,
	}

	values, ok := h.Percentiles(store.diff, 60, []float64{0.5}, nil)
	if !ok {
		t.Fatalf("expected ok=true for a zero-request interval")
	}
	if len(values) != 0 {
		t.Fatalf("expected no percentile values, got %v", values)
	}
}

func TestPercentilesDetectsDecreasingCounts(t *testing.T) {
	h := New(serieskey.Labels{Name: "response_duration", Backend: "b1", Zone: "MISS", Unit: "s"})
	h.Add(bucketKey(0.005))
	h.Add(bucketKey(0.01))

	store := fakeStore{
		bucketKey(0.005).Key(): 80,
		bucketKey(0.01).Key():  50, // decreasing: invalid cumulative histogram
	}

	var flagged bool
	_, ok := h.Percentiles(store.diff, 60, []float64{0.5}, func(le float64, key serieskey.Key) {
		flagged = true
	})
	if ok {
		t.Fatalf("expected percentiles to be unavailable for a decreasing histogram")
	}
	if !flagged {
		t.Fatalf("expected logDecrease to be invoked")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	h := New(serieskey.Labels{Name: "response_duration", Backend: "b1", Zone: "MISS", Unit: "s"})
	h.Add(bucketKey(0.005))
	h.Add(bucketKey(0.005))
	if len(h.buckets) != 1 {
		t.Fatalf("expected re-adding the same bucket to be a no-op, got %d buckets", len(h.buckets))
	}
}

func TestAddKeepsBucketsSortedByLe(t *testing.T) {
	h := New(serieskey.Labels{Name: "response_duration", Backend: "b1", Zone: "MISS", Unit: "s"})
	h.Add(bucketKey(0.05))
	h.Add(bucketKey(0.005))
	h.Add(bucketKey(0.01))

	var les []float64
	for _, b := range h.buckets {
		les = append(les, b.le)
	}
	for i := 1; i < len(les); i++ {
		if les[i] < les[i-1] {
			t.Fatalf("expected ascending le order, got %v", les)
		}
	}
}
