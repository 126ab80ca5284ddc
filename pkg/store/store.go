// Package store holds every labeled counter and histogram family
// known to one running aggregator, and persists them to a checkpoint
// file so the process can restart without losing its two-sample
// history.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/seravo/vtsaggregator/pkg/histogram"
	"github.com/seravo/vtsaggregator/pkg/serieskey"
	"github.com/seravo/vtsaggregator/pkg/timeseries"
)

// NoPrevious is the sentinel value of TPrev before any interval has
// been aggregated.
const NoPrevious = -1.0

// Store is a mutex-guarded registry of time series and histogram
// families, keyed by their canonical label key. It is safe for
// concurrent use, though the aggregator currently drives it from a
// single goroutine.
type Store struct {
	mu         sync.Mutex
	series     map[serieskey.Key]*timeseries.TimeSeries
	histograms map[serieskey.Key]*histogram.Histogram
	tPrev      float64
}

// New returns an empty Store with no previous aggregation timestamp.
func New() *Store {
	return &Store{
		series:     make(map[serieskey.Key]*timeseries.TimeSeries),
		histograms: make(map[serieskey.Key]*histogram.Histogram),
		tPrev:      NoPrevious,
	}
}

// TPrev returns the timestamp of the previous aggregation interval,
// or NoPrevious if none has happened yet.
func (s *Store) TPrev() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tPrev
}

// SetTPrev records the timestamp of the interval that was just
// aggregated.
func (s *Store) SetTPrev(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tPrev = t
}

// GetOrCreate returns the time series identified by key, creating an
// empty one if it does not yet exist. If key carries an "le" label,
// it is also registered into the histogram family for key's reduced
// (le-less) label set.
func (s *Store) GetOrCreate(key serieskey.Labels) *timeseries.TimeSeries {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(key)
}

func (s *Store) getOrCreateLocked(key serieskey.Labels) *timeseries.TimeSeries {
	k := key.Key()
	ts, ok := s.series[k]
	if !ok {
		ts = timeseries.New(key)
		s.series[k] = ts
	}
	s.registerHistogramLocked(key)
	return ts
}

func (s *Store) registerHistogramLocked(key serieskey.Labels) {
	if !key.HasLe() {
		return
	}
	reduced := key.WithoutLe()
	hk := reduced.Key()
	h, ok := s.histograms[hk]
	if !ok {
		h = histogram.New(reduced)
		s.histograms[hk] = h
	}
	h.Add(key)
}

// Get returns the time series identified by key without creating it.
func (s *Store) Get(key serieskey.Labels) (*timeseries.TimeSeries, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.series[key.Key()]
	return ts, ok
}

// Diff returns the per-interval delta of the series identified by
// key, or ok=false if the series does not exist or its own Diff is
// unavailable. mutable controls whether a detected reset drops the
// series' history (see timeseries.TimeSeries.Diff).
func (s *Store) Diff(key serieskey.Labels, interval float64, mutable bool) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.series[key.Key()]
	if !ok {
		return 0, false
	}
	return ts.Diff(interval, mutable)
}

// DiffByKey is the same lookup as Diff, addressed by an already
// canonicalized Key. It satisfies histogram.DiffLookup, letting
// Histogram.Percentiles resolve bucket counters without pkg/histogram
// importing this package.
func (s *Store) DiffByKey(key serieskey.Key, interval float64, mutable bool) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.series[key]
	if !ok {
		return 0, false
	}
	return ts.Diff(interval, mutable)
}

// CreateDataPoint appends (t, value) to the series identified by key,
// creating it (and its histogram membership, if any) on first use.
func (s *Store) CreateDataPoint(key serieskey.Labels, t, value float64) *timeseries.TimeSeries {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.getOrCreateLocked(key)
	ts.Append(t, value)
	return ts
}

// Histograms returns every known histogram family. The returned slice
// is a snapshot; it does not track later registrations.
func (s *Store) Histograms() []*histogram.Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*histogram.Histogram, 0, len(s.histograms))
	for _, h := range s.histograms {
		out = append(out, h)
	}
	return out
}

// checkpointSeries is the on-disk form of one time series.
type checkpointSeries struct {
	KeyDict serieskey.Labels    `json:"key_dict"`
	Data    []timeseries.Sample `json:"data"`
}

// checkpointFile is the full on-disk checkpoint schema: a JSON
// document, not the Python original's literal-eval'd repr().
type checkpointFile struct {
	TimeSeries []checkpointSeries `json:"timeseries"`
	TPrev      float64            `json:"t_prev"`
}

// Load reads a checkpoint previously written by Save and repopulates
// the store from it. A missing file is not an error: it returns
// (false, nil) so callers can log it as an expected first-run
// condition. Any other read or decode failure is returned as an
// error; in both cases the store is left untouched on failure.
func (s *Store) Load(path string) (loaded bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}

	var cp checkpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return false, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range cp.TimeSeries {
		ts := timeseries.Deserialize(timeseries.Serialized{KeyDict: cs.KeyDict, Data: cs.Data})
		s.series[cs.KeyDict.Key()] = ts
		s.registerHistogramLocked(cs.KeyDict)
	}
	s.tPrev = cp.TPrev
	return true, nil
}

// Save writes the store's full state to path, via a temp file in the
// same directory followed by an atomic rename, so a crash mid-write
// never leaves a truncated checkpoint on disk.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	cp := checkpointFile{
		TimeSeries: make([]checkpointSeries, 0, len(s.series)),
		TPrev:      s.tPrev,
	}
	for _, ts := range s.series {
		ser := ts.Serialize()
		cp.TimeSeries = append(cp.TimeSeries, checkpointSeries{KeyDict: ser.KeyDict, Data: ser.Data})
	}
	s.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	return writeFileAtomically(path, data)
}

func writeFileAtomically(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// WriteJSONAtomically atomically (over)writes path with the JSON
// encoding of v, following the same temp-file-then-rename pattern as
// Save. It is exported for the milliseconds output file, which shares
// the same crash-safety requirement but is not part of the store.
func WriteJSONAtomically(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomically(path, data)
}
