// Package limits protects the accept path: token-bucket rate limiting of
// connection attempts and a CPU-based resource guard. Established sessions
// are never affected.
package limits

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnLimiter rate-limits connection attempts at two levels: per source IP,
// so one peer cannot flood the listener, and globally, so a distributed
// flood cannot exhaust the process. Both use token buckets.
type ConnLimiter struct {
	mu        sync.Mutex
	perIP     map[string]*ipEntry
	lastPrune time.Time

	ipBurst int
	ipRate  rate.Limit
	ipTTL   time.Duration

	global *rate.Limiter

	logger zerolog.Logger
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnLimiterConfig holds the bucket parameters. Zero values select the
// defaults: 10 burst / 1 per second per IP with a 5 minute idle TTL, and
// 300 burst / 50 per second globally.
type ConnLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

// NewConnLimiter builds a limiter from config, applying defaults.
func NewConnLimiter(config ConnLimiterConfig) *ConnLimiter {
	if config.IPBurst <= 0 {
		config.IPBurst = 10
	}
	if config.IPRate <= 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL <= 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = 50.0
	}
	return &ConnLimiter{
		perIP:     make(map[string]*ipEntry),
		lastPrune: time.Now(),
		ipBurst:   config.IPBurst,
		ipRate:    rate.Limit(config.IPRate),
		ipTTL:     config.IPTTL,
		global:    rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:    config.Logger,
	}
}

// Allow reports whether a connection from remoteAddr may proceed.
func (l *ConnLimiter) Allow(remoteAddr net.Addr) bool {
	if !l.global.Allow() {
		l.logger.Warn().Str("remote", remoteAddr.String()).Msg("Global connection rate exceeded")
		return false
	}

	ip := remoteAddr.String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastPrune) > l.ipTTL {
		l.pruneLocked(now)
	}
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastAccess = now
	l.mu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Per-IP connection rate exceeded")
		return false
	}
	return true
}

func (l *ConnLimiter) pruneLocked(now time.Time) {
	for ip, entry := range l.perIP {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.perIP, ip)
		}
	}
	l.lastPrune = now
}
