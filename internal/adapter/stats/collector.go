// Package stats implements ports.StatsCollector: per-member connection
// counts and latency percentiles, an external collaborator per spec.md
// section 1 that the proxy forwarder feeds but never reads back from on
// the request hot path.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/cm4all/golb/internal/core/ports"
)

// cleanupInterval and entryTTL bound memory growth for a long-running
// instance that sees many transient cluster members over its lifetime,
// grounded on the teacher's Collector cleanup loop.
const (
	cleanupInterval = 5 * time.Minute
	entryTTL        = 1 * time.Hour
)

var _ ports.StatsCollector = (*Collector)(nil)

// Collector tracks active connections and latency percentiles per key
// (conventionally "cluster/member_address"), using a lock-free map since
// RecordConnection and RecordLatency are called on every dispatched
// request, per the teacher's use of xsync.Map for the same reason.
type Collector struct {
	entries *xsync.Map[string, *memberStats]

	lastCleanup int64
}

type memberStats struct {
	activeConnections int64
	latency           PercentileTracker
	lastUsed          int64
}

func NewCollector() *Collector {
	return &Collector{
		entries:     xsync.NewMap[string, *memberStats](),
		lastCleanup: time.Now().UnixNano(),
	}
}

func (c *Collector) entry(key string) *memberStats {
	now := time.Now().UnixNano()
	entry, _ := c.entries.LoadOrCompute(key, func() (*memberStats, bool) {
		return &memberStats{latency: NewReservoirSampler(200), lastUsed: now}, false
	})
	atomic.StoreInt64(&entry.lastUsed, now)
	return entry
}

// RecordConnection adjusts key's active-connection count by delta, never
// letting it go negative (a late decrement racing a cleanup sweep).
func (c *Collector) RecordConnection(key string, delta int) {
	entry := c.entry(key)
	for {
		current := atomic.LoadInt64(&entry.activeConnections)
		next := current + int64(delta)
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&entry.activeConnections, current, next) {
			break
		}
	}
	c.tryCleanup()
}

// RecordLatency adds one latency sample for key.
func (c *Collector) RecordLatency(key string, d time.Duration) {
	c.entry(key).latency.Add(d.Milliseconds())
}

// Snapshot is one key's current counters, returned by Stats for diagnostics
// and tests.
type Snapshot struct {
	ActiveConnections int64
	SampleCount       int64
	P50, P95, P99     int64
}

// Stats returns a point-in-time snapshot of every tracked key.
func (c *Collector) Stats() map[string]Snapshot {
	out := make(map[string]Snapshot)
	c.entries.Range(func(key string, entry *memberStats) bool {
		p50, p95, p99 := entry.latency.GetPercentiles()
		out[key] = Snapshot{
			ActiveConnections: atomic.LoadInt64(&entry.activeConnections),
			SampleCount:       entry.latency.Count(),
			P50:               p50,
			P95:               p95,
			P99:               p99,
		}
		return true
	})
	return out
}

func (c *Collector) tryCleanup() {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&c.lastCleanup)
	if now-last < int64(cleanupInterval) {
		return
	}
	if !atomic.CompareAndSwapInt64(&c.lastCleanup, last, now) {
		return
	}

	cutoff := now - int64(entryTTL)
	var stale []string
	c.entries.Range(func(key string, entry *memberStats) bool {
		if atomic.LoadInt64(&entry.activeConnections) == 0 && atomic.LoadInt64(&entry.lastUsed) < cutoff {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		c.entries.Delete(key)
	}
}
