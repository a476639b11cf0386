// Package store implements the hierarchical storage engine: the in-memory
// buffer of the open day, an LRU of closed-day series loaded from disk, a
// lazy per-(day, product) aggregate cache, one file per closed day, and the
// retention-window cleanup that bounds disk usage.
package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// AggKind selects the aggregation computed over a day window.
type AggKind int

const (
	AggQuantity AggKind = iota
	AggVolume
	AggAverage
	AggMax
)

const stateFileName = "state.bin"

// productStats is the cached accumulator for one (day, product) pair.
// Closed days are immutable, so an entry is never recomputed.
type productStats struct {
	count  int64
	volume float64
	max    float64
}

// Engine is the storage engine shared by all connections. One mutex guards
// every field and every engine-owned file; each public operation holds it
// for the full duration, including file I/O on cold reads. Correctness over
// throughput: the workload is dominated by short in-memory operations.
type Engine struct {
	mu sync.Mutex

	dir           string
	retentionDays int // D

	currentDay    int
	oldestCleaned int

	// Open day, memory only. Drained atomically by PersistDay.
	events []Sale

	// Closed-day series by day number, at most S entries, LRU-evicted.
	series *lru.Cache[int, []Sale]

	// day → product → stats, filled lazily, dropped only by retention.
	agg map[int]map[string]productStats

	logger zerolog.Logger
}

// Open creates the data directory if needed, restores the restart state and
// returns a ready engine. cacheSize is S, retentionDays is D; both must be
// positive.
func Open(dir string, cacheSize, retentionDays int, logger zerolog.Logger) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "store: create data directory")
	}
	series, err := lru.New[int, []Sale](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "store: series cache")
	}

	e := &Engine{
		dir:           dir,
		retentionDays: retentionDays,
		series:        series,
		agg:           make(map[int]map[string]productStats),
		logger:        logger,
	}
	e.currentDay, e.oldestCleaned = loadState(e.statePath(), retentionDays, logger)

	logger.Info().
		Int("current_day", e.currentDay).
		Int("oldest_cleaned_day", e.oldestCleaned).
		Int("cache_size", cacheSize).
		Int("retention_days", retentionDays).
		Msg("Storage engine opened")
	return e, nil
}

func (e *Engine) statePath() string {
	return filepath.Join(e.dir, stateFileName)
}

func (e *Engine) dayPath(day int) string {
	return filepath.Join(e.dir, fmt.Sprintf("day_%d.dat", day))
}

// CurrentDay returns the open day number.
func (e *Engine) CurrentDay() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentDay
}

// AddEvent appends a sale to the open day. Not durable until PersistDay.
func (e *Engine) AddEvent(product string, qty int32, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Sale{Product: product, Quantity: qty, Price: price})
}

// BufferedEvents reports how many sales the open day holds.
func (e *Engine) BufferedEvents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// PersistDay closes the open day: writes its buffer to day_<n>.dat,
// advances the day counter, persists the restart state, and applies the
// retention window to caches and old day files.
//
// If the file write fails, the buffer is kept and the day is not advanced,
// so data reported as persisted is on disk.
func (e *Engine) PersistDay() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.writeDayFileLocked(); err != nil {
		return err
	}

	e.events = nil
	e.currentDay++

	if err := saveState(e.statePath(), e.currentDay, e.oldestCleaned); err != nil {
		// The day file is durable; a stale state file re-persists the same
		// day after a restart, which is harmless.
		e.logger.Warn().Err(err).Msg("State file write failed after day close")
	}

	e.cleanupLocked()
	return nil
}

func (e *Engine) writeDayFileLocked() error {
	path := e.dayPath(e.currentDay)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "store: create day file")
	}
	bw := bufio.NewWriter(f)
	for _, s := range e.events {
		if err := writeSale(bw, s); err != nil {
			f.Close()
			return errors.Wrapf(err, "store: write day %d", e.currentDay)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "store: flush day %d", e.currentDay)
	}
	return errors.Wrapf(f.Close(), "store: close day %d", e.currentDay)
}

// cleanupLocked drops cache entries and day files older than the retention
// threshold. File deletion failures are logged, never raised.
func (e *Engine) cleanupLocked() {
	threshold := e.currentDay - e.retentionDays
	if threshold <= e.oldestCleaned {
		return
	}

	for day := range e.agg {
		if day < threshold {
			delete(e.agg, day)
		}
	}
	for _, day := range e.series.Keys() {
		if day < threshold {
			e.series.Remove(day)
		}
	}

	for day := e.oldestCleaned; day < threshold; day++ {
		if err := os.Remove(e.dayPath(day)); err != nil && !os.IsNotExist(err) {
			e.logger.Warn().Err(err).Int("day", day).Msg("Retention delete failed")
			continue
		}
		e.logger.Debug().Int("day", day).Msg("Retired day file")
	}
	e.oldestCleaned = threshold
}

// Aggregate computes one metric for product over the last days closed days.
// The window is clamped to min(days, D, currentDay); the open day is never
// included. An empty window yields 0 for every metric.
func (e *Engine) Aggregate(kind AggKind, product string, days int) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	toProcess := days
	if toProcess > e.retentionDays {
		toProcess = e.retentionDays
	}
	if toProcess > e.currentDay {
		toProcess = e.currentDay
	}

	var count int64
	var volume, max float64
	for i := 1; i <= toProcess; i++ {
		st, err := e.statsLocked(e.currentDay-i, product)
		if err != nil {
			return 0, err
		}
		count += st.count
		volume += st.volume
		if st.max > max {
			max = st.max
		}
	}

	switch kind {
	case AggQuantity:
		return float64(count), nil
	case AggVolume:
		return volume, nil
	case AggAverage:
		if count == 0 {
			return 0, nil
		}
		return volume / float64(count), nil
	case AggMax:
		return max, nil
	default:
		return 0, errors.Errorf("store: unknown aggregation kind %d", kind)
	}
}

// statsLocked returns the cached stats for (day, product), computing and
// caching them on first request.
func (e *Engine) statsLocked(day int, product string) (productStats, error) {
	if m, ok := e.agg[day]; ok {
		if st, ok := m[product]; ok {
			return st, nil
		}
	}

	sales, err := e.fetchDayLocked(day)
	if err != nil {
		return productStats{}, err
	}
	var st productStats
	for _, s := range sales {
		if s.Product != product {
			continue
		}
		st.count += int64(s.Quantity)
		st.volume += float64(s.Quantity) * s.Price
		if s.Price > st.max {
			st.max = s.Price
		}
	}

	m := e.agg[day]
	if m == nil {
		m = make(map[string]productStats)
		e.agg[day] = m
	}
	m[product] = st
	return st, nil
}

// fetchDayLocked returns the sale sequence of a closed day, reading it from
// disk and inserting it into the series LRU on a miss. An absent day file
// yields an empty sequence that is not cached.
func (e *Engine) fetchDayLocked(day int) ([]Sale, error) {
	if sales, ok := e.series.Get(day); ok {
		return sales, nil
	}

	f, err := os.Open(e.dayPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "store: open day %d", day)
	}
	defer f.Close()

	var sales []Sale
	br := bufio.NewReader(f)
	for {
		s, err := readSale(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "store: read day %d", day)
		}
		sales = append(sales, s)
	}

	e.series.Add(day, sales)
	return sales, nil
}

// EventsForDay returns the sales of one closed day whose product is in
// filter, in recorded order. The open day is never observable here.
func (e *Engine) EventsForDay(day int, filter map[string]struct{}) ([]Sale, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if day < 0 || day >= e.currentDay {
		return nil, errors.Errorf("store: day %d is not a closed day", day)
	}

	sales, err := e.fetchDayLocked(day)
	if err != nil {
		return nil, err
	}
	var out []Sale
	for _, s := range sales {
		if _, ok := filter[s.Product]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// CachedSeries reports how many closed-day series are resident.
func (e *Engine) CachedSeries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.series.Len()
}
