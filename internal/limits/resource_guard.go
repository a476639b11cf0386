package limits

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard rejects new connections while host CPU usage sits above a
// configured threshold. A background sampler keeps the reading current so
// the accept path never blocks on measurement. A zero threshold disables
// the guard entirely.
type ResourceGuard struct {
	threshold  float64
	currentCPU atomic.Uint64 // float64 bits
	logger     zerolog.Logger
}

// NewResourceGuard builds a guard with the given CPU percentage threshold.
func NewResourceGuard(threshold float64, logger zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{threshold: threshold, logger: logger}
}

// Start launches the sampler. It stops when ctx is cancelled. No-op when
// the guard is disabled.
func (g *ResourceGuard) Start(ctx context.Context, interval time.Duration) {
	if g.threshold <= 0 {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				percents, err := cpu.Percent(0, false)
				if err != nil || len(percents) == 0 {
					g.logger.Debug().Err(err).Msg("CPU sample failed")
					continue
				}
				g.currentCPU.Store(math.Float64bits(percents[0]))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// AllowConnection reports whether a new connection may be accepted.
func (g *ResourceGuard) AllowConnection() bool {
	if g.threshold <= 0 {
		return true
	}
	current := math.Float64frombits(g.currentCPU.Load())
	if current >= g.threshold {
		g.logger.Warn().
			Float64("cpu_percent", current).
			Float64("threshold", g.threshold).
			Msg("Connection rejected under CPU pressure")
		return false
	}
	return true
}
