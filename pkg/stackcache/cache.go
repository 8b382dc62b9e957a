// Package stackcache implements a concurrent, deduplicating cache of stack
// traces. Every unique trace is stored once, reference counted, and handed
// out as a stable pointer that callers may keep for as long as they hold a
// reference.
//
// Storage is pooled: records are bump-allocated from large pages and
// released records are kept on per-size free lists for reuse. Pages are
// only returned when the cache is closed.
//
// Locks are always acquired in the following order, and no operation holds
// more than two of them at a time:
//
//  1. shard lock
//  2. free list lock (one per frame count)
//  3. page lock
//  4. statistics lock
//
// Observers and statistics reports are invoked with no lock held.
package stackcache

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/stackcache/pkg/util"
)

var (
	ErrOutOfMemory       = errors.New("stack trace cache memory limit reached")
	ErrUnknownStackTrace = errors.New("stack trace is not owned by the cache")
	ErrClosed            = errors.New("stack trace cache is closed")
)

// MemoryNotifier is informed about the memory the cache allocates
// for its own use.
type MemoryNotifier interface {
	NotifyInternalUse(size int)
	NotifyReturnedToOS(size int)
}

type nopNotifier struct{}

func (nopNotifier) NotifyInternalUse(int)  {}
func (nopNotifier) NotifyReturnedToOS(int) {}

// Cache deduplicates stack traces. It is safe for concurrent use, except
// for Close. Create it with New.
type Cache struct {
	cfg       Config
	logger    log.Logger
	notifier  MemoryNotifier
	hash      func([]uint64) StackID
	metaWords int

	shards []shard
	free   *freeLists
	table  pageTable

	pageMu  sync.Mutex
	current *page

	stats     statistics
	observers observers
	closed    atomic.Bool
}

// New creates a stack trace cache. The logger, notifier and registerer
// are optional.
func New(cfg Config, logger log.Logger, notifier MemoryNotifier, reg prometheus.Registerer) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stack cache configuration")
	}
	if logger == nil {
		logger = util.Logger
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	c := &Cache{
		cfg:       cfg,
		logger:    logger,
		notifier:  notifier,
		hash:      hashFrames,
		metaWords: metadataWords(cfg.MetadataSize),
		shards:    make([]shard, cfg.Shards),
	}
	for i := range c.shards {
		c.shards[i].init()
	}
	c.free = newFreeLists(&c.table, cfg.MaxFrames)
	util.Register(reg, newCollector(c.Statistics))
	return c, nil
}

func (c *Cache) MaxFrames() int { return c.cfg.MaxFrames }

func (c *Cache) shard(id StackID) *shard {
	return &c.shards[uint64(id)%uint64(len(c.shards))]
}

// Intern stores the stack trace, or takes a reference to the identical
// one already cached. Frames beyond MaxFrames are dropped. The frames
// slice is copied and may be reused by the caller.
//
// The returned pointer is valid until Release drops the last reference.
func (c *Cache) Intern(frames []uint64) (*StackTrace, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var truncated bool
	if len(frames) > c.cfg.MaxFrames {
		frames = frames[:c.cfg.MaxFrames]
		truncated = true
	}
	id := c.hash(frames)
	n := uint64(len(frames))
	sh := c.shard(id)

	sh.mu.Lock()
	if s := sh.find(id, frames); s != nil {
		pinned := s.saturated()
		if !pinned {
			s.refs++
		}
		c.stats.update(func(st *Statistics) {
			st.Requested++
			if truncated {
				st.Truncated++
			}
			if pinned {
				return
			}
			st.References++
			st.FramesStored += n
			if s.saturated() {
				st.Saturated++
			}
		})
		sh.mu.Unlock()
		return s, nil
	}

	s, src, err := c.acquire(len(frames))
	if err != nil {
		c.stats.update(func(st *Statistics) { st.Requested++ })
		sh.mu.Unlock()
		return nil, err
	}
	s.init(id, frames, c.cfg.MetadataSize)
	sh.insert(s)

	var (
		report   bool
		snapshot Statistics
	)
	c.stats.update(func(st *Statistics) {
		st.Requested++
		st.Allocated++
		st.Cached++
		st.References++
		st.FramesStored += n
		st.FramesAlive += n
		if truncated {
			st.Truncated++
		}
		switch src.kind {
		case storageReclaimed:
			st.Unreferenced--
			st.FramesDead -= n
		case storageNewPage:
			st.Pages++
			st.Size += uint64(src.pageSize)
		}
		if p := c.cfg.CompressionReportingPeriod; p > 0 && st.Allocated%p == 0 {
			report = true
			snapshot = *st
		}
	})
	sh.mu.Unlock()

	if src.kind == storageNewPage {
		c.notifier.NotifyInternalUse(src.pageSize)
	}
	c.observers.notify(s)
	if report {
		c.logStatistics(snapshot)
	}
	return s, nil
}

// Release drops a reference to the stack trace. When the last reference
// is dropped, the record is recycled and the pointer must not be used
// anymore. Releasing a saturated stack trace has no effect.
//
// A pointer not owned by the cache is reported and ignored. The caller must
// own a reference: the record id is read without a lock to find the shard,
// so releasing a stale pointer whose storage is being reused concurrently
// is a data race, even though the release is then rejected.
func (c *Cache) Release(s *StackTrace) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.StackTracePointerIsValid(s) {
		return c.invalidRelease(s)
	}
	sh := c.shard(s.id)
	sh.mu.Lock()
	if !sh.contains(s) {
		sh.mu.Unlock()
		return c.invalidRelease(s)
	}
	if s.saturated() {
		sh.mu.Unlock()
		return nil
	}
	s.refs--
	n := uint64(s.numFrames)
	if s.refs > 0 {
		c.stats.update(func(st *Statistics) {
			st.References--
			st.FramesStored -= n
		})
		sh.mu.Unlock()
		return nil
	}
	sh.remove(s)
	// Statistics are updated before the record becomes visible
	// on the free list, where it can be picked up immediately.
	c.stats.update(func(st *Statistics) {
		st.References--
		st.FramesStored -= n
		st.Cached--
		st.Unreferenced++
		st.FramesAlive -= n
		st.FramesDead += n
	})
	sh.mu.Unlock()
	c.free.push(s)
	return nil
}

func (c *Cache) invalidRelease(s *StackTrace) error {
	c.stats.update(func(st *Statistics) { st.InvalidReleases++ })
	level.Warn(c.logger).Log("msg", "attempt to release a stack trace not owned by the cache", "ptr", fmt.Sprintf("%p", s))
	return ErrUnknownStackTrace
}

// RefCount returns the reference count of a cached stack trace. Like
// Release, it reads the record id without a lock and must not race with
// the reuse of a released record.
func (c *Cache) RefCount(s *StackTrace) (uint16, bool) {
	if !c.StackTracePointerIsValid(s) {
		return 0, false
	}
	sh := c.shard(s.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !sh.contains(s) {
		return 0, false
	}
	return s.refs, true
}

// Metadata returns the zero-initialized bytes reserved after the stack
// trace frames. The cache never reads them.
func (c *Cache) Metadata(s *StackTrace) []byte {
	return s.metadata(c.cfg.MetadataSize)
}

// StackTracePointerIsValid reports whether the pointer refers to a record
// allocated from one of the cache pages. It does not tell whether the
// record is currently referenced.
//
// The check walks all pages and is not meant for the hot path.
func (c *Cache) StackTracePointerIsValid(s *StackTrace) bool {
	if s == nil {
		return false
	}
	addr := uintptr(unsafe.Pointer(s))
	c.pageMu.Lock()
	defer c.pageMu.Unlock()
	for p := c.current; p != nil; p = p.prev {
		if off, ok := p.offset(addr); ok {
			return p.isRecordStart(off)
		}
	}
	return false
}

type storageKind int

const (
	storageCurrentPage storageKind = iota
	storageNewPage
	storageReclaimed
)

type storageSource struct {
	kind     storageKind
	pageSize int
}

// acquire returns uninitialized storage for a stack trace of numFrames
// frames. A released record of the same size is preferred. Must be called
// with the shard lock held.
func (c *Cache) acquire(numFrames int) (*StackTrace, storageSource, error) {
	if s := c.free.pop(numFrames); s != nil {
		return s, storageSource{kind: storageReclaimed}, nil
	}
	return c.allocate(recordWords(numFrames, c.metaWords))
}

func (c *Cache) allocate(words int) (*StackTrace, storageSource, error) {
	c.pageMu.Lock()
	defer c.pageMu.Unlock()
	if c.current != nil {
		if a, ok := c.current.alloc(words); ok {
			return c.stackTrace(a), storageSource{kind: storageCurrentPage}, nil
		}
	}
	pages := c.table.len()
	if m := c.cfg.MaxSizeBytes; m > 0 && int64(pages+1)*int64(c.cfg.PageSize) > m {
		return nil, storageSource{}, errors.Wrapf(ErrOutOfMemory, "allocating page %d of %d bytes", pages+1, c.cfg.PageSize)
	}
	if c.current != nil {
		level.Debug(c.logger).Log("msg", "retiring stack trace page", "page", c.current.id, "bytes_used", c.current.bytesUsed(), "bytes_left", c.current.bytesLeft())
	}
	p := newPage(uint32(pages), c.cfg.PageSize, c.current)
	c.table.add(p)
	c.current = p
	a, ok := p.alloc(words)
	if !ok {
		// Config.Validate ensures the largest record fits a page.
		panic(fmt.Sprintf("stack trace of %d words does not fit into a new page", words))
	}
	return c.stackTrace(a), storageSource{kind: storageNewPage, pageSize: p.size()}, nil
}

func (c *Cache) stackTrace(a allocation) *StackTrace {
	s := a.page.record(a.off)
	s.page = a.page.id
	return s
}

// Close releases all pages. Stack traces obtained from the cache must not
// be used after Close, and the cache must not be used concurrently with it.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		sh.init()
		sh.mu.Unlock()
	}
	c.free = newFreeLists(&c.table, c.cfg.MaxFrames)

	c.pageMu.Lock()
	var sizes []int
	for p := c.current; p != nil; p = p.prev {
		sizes = append(sizes, p.size())
	}
	c.current = nil
	c.table.pages.Store(nil)
	c.pageMu.Unlock()

	c.stats.update(func(st *Statistics) {
		st.Cached = 0
		st.Unreferenced = 0
		st.References = 0
		st.Saturated = 0
		st.FramesStored = 0
		st.FramesAlive = 0
		st.FramesDead = 0
		st.Size = 0
		st.Pages = 0
	})
	for _, size := range sizes {
		c.notifier.NotifyReturnedToOS(size)
	}
	level.Debug(c.logger).Log("msg", "stack trace cache closed", "pages", len(sizes))
	return nil
}
