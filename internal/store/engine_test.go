package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, dir string, cacheSize, retentionDays int) *Engine {
	t.Helper()
	e, err := Open(dir, cacheSize, retentionDays, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestSingleDayAggregation(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 10, 365)

	e.AddEvent("A", 10, 5.0)
	e.AddEvent("A", 5, 10.0)
	require.NoError(t, e.PersistDay())

	qty, err := e.Aggregate(AggQuantity, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, 15.0, qty)

	vol, err := e.Aggregate(AggVolume, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, 100.0, vol)

	max, err := e.Aggregate(AggMax, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, 10.0, max)

	avg, err := e.Aggregate(AggAverage, "A", 1)
	require.NoError(t, err)
	assert.Equal(t, 100.0/15.0, avg)
}

func TestTwoDayAggregation(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 10, 365)

	e.AddEvent("A", 10, 5.0)
	e.AddEvent("A", 5, 10.0)
	require.NoError(t, e.PersistDay())
	e.AddEvent("A", 20, 8.0)
	require.NoError(t, e.PersistDay())

	qty, err := e.Aggregate(AggQuantity, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, 35.0, qty)

	vol, err := e.Aggregate(AggVolume, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, 260.0, vol)

	max, err := e.Aggregate(AggMax, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, 10.0, max)

	avg, err := e.Aggregate(AggAverage, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, 260.0/35.0, avg)
}

func TestAggregateOnDayZeroIsZero(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 10, 365)

	for _, kind := range []AggKind{AggQuantity, AggVolume, AggAverage, AggMax} {
		v, err := e.Aggregate(kind, "anything", 1)
		require.NoError(t, err)
		assert.Zero(t, v)
	}
}

func TestOpenDayNeverAggregated(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 10, 365)

	e.AddEvent("A", 3, 2.0)
	require.NoError(t, e.PersistDay())
	e.AddEvent("A", 100, 100.0) // open day, must not count

	qty, err := e.Aggregate(AggQuantity, "A", 5)
	require.NoError(t, err)
	assert.Equal(t, 3.0, qty)
}

func TestRetentionCleanup(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, 3, 10)

	for i := 0; i < 12; i++ {
		e.AddEvent("P", 1, 1.0)
		require.NoError(t, e.PersistDay())
	}

	for day := 0; day < 2; day++ {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("day_%d.dat", day)))
		assert.True(t, os.IsNotExist(err), "day_%d.dat should be retired", day)
	}
	for day := 2; day < 12; day++ {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("day_%d.dat", day)))
		assert.NoError(t, err, "day_%d.dat should exist", day)
	}

	qty, err := e.Aggregate(AggQuantity, "P", 10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, qty)
}

func TestAggregateClampsToRetentionWindow(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 3, 2)

	for i := 0; i < 5; i++ {
		e.AddEvent("P", 1, 1.0)
		require.NoError(t, e.PersistDay())
	}

	// Engine clamps to min(d, D, currentDay) even when asked for more.
	qty, err := e.Aggregate(AggQuantity, "P", 100)
	require.NoError(t, err)
	assert.Equal(t, 2.0, qty)
}

func TestSeriesCacheBoundedByS(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 2, 365)

	for i := 0; i < 6; i++ {
		e.AddEvent("P", 1, 1.0)
		require.NoError(t, e.PersistDay())
	}
	for day := 0; day < 6; day++ {
		_, err := e.EventsForDay(day, map[string]struct{}{"P": {}})
		require.NoError(t, err)
		assert.LessOrEqual(t, e.CachedSeries(), 2)
	}
}

func TestEventsForDayFiltersAndPreservesOrder(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 10, 365)

	e.AddEvent("A", 1, 1.0)
	e.AddEvent("B", 2, 2.0)
	e.AddEvent("A", 3, 3.0)
	e.AddEvent("C", 4, 4.0)
	require.NoError(t, e.PersistDay())

	got, err := e.EventsForDay(0, map[string]struct{}{"A": {}, "C": {}})
	require.NoError(t, err)
	require.Equal(t, []Sale{
		{Product: "A", Quantity: 1, Price: 1.0},
		{Product: "A", Quantity: 3, Price: 3.0},
		{Product: "C", Quantity: 4, Price: 4.0},
	}, got)

	empty, err := e.EventsForDay(0, map[string]struct{}{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEventsForDayRejectsOpenDay(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 10, 365)
	e.AddEvent("A", 1, 1.0)
	require.NoError(t, e.PersistDay())

	_, err := e.EventsForDay(1, map[string]struct{}{"A": {}})
	assert.Error(t, err, "current day is not observable")
	_, err = e.EventsForDay(-1, nil)
	assert.Error(t, err)
}

func TestAbsentDayFileYieldsEmptySequence(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, 10, 365)

	// Close an empty day, delete its file, then read it back.
	require.NoError(t, e.PersistDay())
	require.NoError(t, os.Remove(filepath.Join(dir, "day_0.dat")))
	e.series.Purge()

	got, err := e.EventsForDay(0, map[string]struct{}{"A": {}})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, e.CachedSeries(), "absent days are not cached")
}

func TestConcurrentAddEventLosesNothing(t *testing.T) {
	const writers = 8
	const eventsEach = 500

	e := openTestEngine(t, t.TempDir(), 10, 365)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsEach; j++ {
				e.AddEvent("hotspot", 1, 1.0)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, writers*eventsEach, e.BufferedEvents())
}

func TestRestartRestoresState(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, 10, 365)

	e.AddEvent("A", 7, 2.5)
	require.NoError(t, e.PersistDay())
	require.NoError(t, e.PersistDay())
	require.Equal(t, 2, e.CurrentDay())

	reopened := openTestEngine(t, dir, 10, 365)
	assert.Equal(t, 2, reopened.CurrentDay())

	qty, err := reopened.Aggregate(AggQuantity, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, 7.0, qty)
}

func TestLegacyStateFileWithoutCleanupFloor(t *testing.T) {
	dir := t.TempDir()

	// Single-int legacy format: currentDay = 20.
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte{0, 0, 0, 20}, 0o644))

	e := openTestEngine(t, dir, 10, 5)
	assert.Equal(t, 20, e.CurrentDay())

	e.mu.Lock()
	oldest := e.oldestCleaned
	e.mu.Unlock()
	assert.Equal(t, 15, oldest, "reconstructed as max(0, currentDay - D)")
}

func TestCorruptStateFileFallsBackToDayZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte{0xff}, 0o644))

	e := openTestEngine(t, dir, 10, 365)
	assert.Equal(t, 0, e.CurrentDay())
}

func TestPersistFailureKeepsBufferAndDay(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, 10, 365)
	e.AddEvent("A", 1, 1.0)

	// Make the day-file path unwritable by occupying it with a directory.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "day_0.dat"), 0o755))

	require.Error(t, e.PersistDay())
	assert.Equal(t, 0, e.CurrentDay())
	assert.Equal(t, 1, e.BufferedEvents())

	// Clearing the obstruction lets the same day close normally.
	require.NoError(t, os.Remove(filepath.Join(dir, "day_0.dat")))
	require.NoError(t, e.PersistDay())
	assert.Equal(t, 1, e.CurrentDay())
	assert.Zero(t, e.BufferedEvents())
}
