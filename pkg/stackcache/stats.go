package stackcache

import (
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
)

// Statistics is a snapshot of the cache counters.
type Statistics struct {
	// Cached is the number of stack traces currently in the cache.
	Cached uint64
	// Size is the memory held by pages, in bytes.
	Size uint64
	// Pages is the number of pages allocated.
	Pages uint64
	// Saturated is the number of stack traces pinned by a saturated
	// reference counter. They are never released.
	Saturated uint64
	// Unreferenced is the number of released stack traces waiting on a
	// free list to be reused.
	Unreferenced uint64

	// Requested is the total number of Intern calls.
	Requested uint64
	// Allocated is the total number of stack traces stored. This is not
	// the same as Cached, as released records are reused.
	Allocated uint64
	// References is the number of active references to stack traces.
	References uint64

	// FramesStored counts frames across all active references: a trace
	// referenced twice is counted twice.
	FramesStored uint64
	// FramesAlive counts frames physically stored in cached traces.
	FramesAlive uint64
	// FramesDead counts frames held by unreferenced traces.
	FramesDead uint64

	// Truncated is the number of Intern calls whose trace exceeded
	// the maximum number of frames.
	Truncated uint64
	// InvalidReleases is the number of Release calls with a pointer the
	// cache does not track.
	InvalidReleases uint64
}

// CompressionRatio is the ratio of referenced frames to stored frames.
// It is 0 if nothing is stored.
func (s Statistics) CompressionRatio() float64 {
	if s.FramesAlive == 0 {
		return 0
	}
	return float64(s.FramesStored) / float64(s.FramesAlive)
}

// statistics is the last lock in the lock order: no other cache lock
// may be acquired while holding mu.
type statistics struct {
	mu sync.Mutex
	s  Statistics
}

func (st *statistics) update(fn func(*Statistics)) {
	st.mu.Lock()
	fn(&st.s)
	st.mu.Unlock()
}

func (st *statistics) snapshot() Statistics {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

// Statistics returns a consistent snapshot of the cache counters.
func (c *Cache) Statistics() Statistics {
	return c.stats.snapshot()
}

// LogStatistics reports the current statistics to the logger.
// It must not be called with a shard lock held.
func (c *Cache) LogStatistics() {
	c.logStatistics(c.stats.snapshot())
}

func (c *Cache) logStatistics(s Statistics) {
	level.Info(c.logger).Log(
		"msg", "stack trace cache statistics",
		"cached", s.Cached,
		"size", humanize.IBytes(s.Size),
		"pages", s.Pages,
		"saturated", s.Saturated,
		"unreferenced", s.Unreferenced,
		"requested", s.Requested,
		"allocated", s.Allocated,
		"references", s.References,
		"frames_stored", s.FramesStored,
		"frames_alive", s.FramesAlive,
		"frames_dead", s.FramesDead,
		"compression_ratio", strconv.FormatFloat(s.CompressionRatio(), 'f', 2, 64),
	)
}
