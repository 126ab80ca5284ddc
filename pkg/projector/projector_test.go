package projector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seravo/vtsaggregator/pkg/serieskey"
	"github.com/seravo/vtsaggregator/pkg/store"
	"github.com/seravo/vtsaggregator/pkg/timeseries"
)

func buildMissZone(t *testing.T, s *store.Store) []*timeseries.TimeSeries {
	t.Helper()
	var touched []*timeseries.TimeSeries

	bytesOut := serieskey.Labels{Name: "bytes", Backend: "b1", Zone: "MISS", Direction: "out", Unit: "bytes"}
	bytesIn := serieskey.Labels{Name: "bytes", Backend: "b1", Zone: "MISS", Direction: "in", Unit: "bytes"}
	count := serieskey.Labels{Name: "requests_total", Backend: "b1", Zone: "MISS", Unit: "requests"}
	sum := serieskey.Labels{Name: "response_duration_sum", Backend: "b1", Zone: "MISS", Unit: "s"}

	for _, key := range []serieskey.Labels{bytesOut, bytesIn, count, sum} {
		touched = append(touched, s.CreateDataPoint(key, 0, 0))
	}
	for _, key := range []serieskey.Labels{bytesOut, bytesIn, count, sum} {
		touched = append(touched, s.CreateDataPoint(key, 60, valueFor(key)))
	}
	return touched
}

func valueFor(key serieskey.Labels) float64 {
	switch key.Name {
	case "bytes":
		if key.Direction == "out" {
			return 2000
		}
		return 1000
	case "requests_total":
		return 10
	case "response_duration_sum":
		return 2 // seconds, over 10 requests => 200ms avg
	}
	return 0
}

func TestProjectComputesCountsAndAverage(t *testing.T) {
	s := store.New()
	updated := buildMissZone(t, s)

	doc := Project(s, 60, "b1", updated, map[string]bool{}, Options{
		Interval:    60,
		Percentiles: []float64{0, 0.5, 1},
		TPrev:       store.NoPrevious,
	})

	zone, ok := doc["cache_miss"].(ZoneMetrics)
	require.True(t, ok, "expected a cache_miss zone entry")
	require.EqualValues(t, 10, zone["count"])
	require.EqualValues(t, 2000, zone["sum"]) // 2s * 1000
	require.EqualValues(t, 200, zone["avg"])  // 2000ms / 10 requests
	require.EqualValues(t, 2000, zone["bytes"])
	require.EqualValues(t, 1000, zone["bytes_in"])
}

func TestProjectOmitsRatesWithoutPreviousInterval(t *testing.T) {
	s := store.New()
	updated := buildMissZone(t, s)

	doc := Project(s, 60, "b1", updated, map[string]bool{}, Options{
		Interval:    60,
		Percentiles: nil,
		TPrev:       store.NoPrevious,
	})

	zone := doc["cache_miss"].(ZoneMetrics)
	if _, present := zone["count:rate60s"]; present {
		t.Fatalf("did not expect a rate field without a previous interval")
	}
}

func TestProjectComputesRatesWithPreviousInterval(t *testing.T) {
	s := store.New()
	updated := buildMissZone(t, s)

	doc := Project(s, 60, "b1", updated, map[string]bool{}, Options{
		Interval:    60,
		Percentiles: nil,
		TPrev:       0,
	})

	zone := doc["cache_miss"].(ZoneMetrics)
	require.EqualValues(t, 0.16, zone["count:rate60s"]) // truncated to 2 decimal places, like the rate of 10 requests / 60s
	require.EqualValues(t, 33.33, zone["sum:rate60s"])  // sum:rate is computed from the millisecond "sum" field (2000ms), not the raw seconds diff
}

func TestProjectBuildsTopStatusTable(t *testing.T) {
	s := store.New()

	key200 := serieskey.Labels{Name: "requests_total", Backend: "b1", Zone: "200", Unit: "requests"}
	key404 := serieskey.Labels{Name: "requests_total", Backend: "b1", Zone: "404", Unit: "requests"}
	s.CreateDataPoint(key200, 0, 0)
	s.CreateDataPoint(key200, 60, 100)
	s.CreateDataPoint(key404, 0, 0)
	s.CreateDataPoint(key404, 60, 5)

	ts200, _ := s.Get(key200)
	ts404, _ := s.Get(key404)

	doc := Project(s, 60, "b1", []*timeseries.TimeSeries{ts200, ts404},
		map[string]bool{"200": true, "404": true}, Options{Interval: 60, TPrev: store.NoPrevious})

	table, ok := doc["top-status"].(OrderedTable)
	require.True(t, ok)
	require.Len(t, table, 2)
	require.Equal(t, "200", table[0].Name)
	require.EqualValues(t, 100, *table[0].Value)
	require.Equal(t, "404", table[1].Name)
}

func TestPercentileKeyNaming(t *testing.T) {
	require.Equal(t, "min", percentileKey(0))
	require.Equal(t, "max", percentileKey(1))
	require.Equal(t, "p50", percentileKey(0.5))
	require.Equal(t, "p99", percentileKey(0.99))
}
