package store

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"salesd/internal/wire"
)

// restart state: two big-endian int32s, currentDay then oldestCleanedDay.
// An older format carried only currentDay; the loader reconstructs the
// missing field as max(0, currentDay − retention).

// loadState reads the state file. A missing file yields the zero state; a
// corrupt file is logged and yields the zero state (the engine restarts
// empty rather than refusing to boot).
func loadState(path string, retentionDays int, logger zerolog.Logger) (currentDay, oldestCleaned int) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("State file unreadable, starting from day 0")
		}
		return 0, 0
	}
	defer f.Close()

	cur, err := wire.ReadInt32(f)
	if err != nil || cur < 0 {
		logger.Warn().Err(err).Str("path", path).Msg("State file corrupt, starting from day 0")
		return 0, 0
	}
	oldest, err := wire.ReadInt32(f)
	if err != nil || oldest < 0 {
		// Old single-integer format, or trailing corruption. Either way the
		// cleanup floor is reconstructible from the retention window.
		if err != io.EOF {
			logger.Warn().Err(err).Str("path", path).Msg("State file missing cleanup floor, reconstructing")
		}
		reconstructed := int(cur) - retentionDays
		if reconstructed < 0 {
			reconstructed = 0
		}
		return int(cur), reconstructed
	}
	return int(cur), int(oldest)
}

// saveState rewrites the state file with both integers.
func saveState(path string, currentDay, oldestCleaned int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "store: create state file")
	}
	if err := wire.WriteInt32(f, int32(currentDay)); err != nil {
		f.Close()
		return err
	}
	if err := wire.WriteInt32(f, int32(oldestCleaned)); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "store: close state file")
}
