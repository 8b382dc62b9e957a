package stackcache

import (
	"bytes"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCache(t testing.TB, opts ...func(*Config)) *Cache {
	t.Helper()
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	c, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	return c
}

func intern(t testing.TB, c *Cache, frames ...uint64) *StackTrace {
	t.Helper()
	s, err := c.Intern(frames)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func refCount(t testing.TB, c *Cache, s *StackTrace) uint16 {
	t.Helper()
	n, ok := c.RefCount(s)
	require.True(t, ok)
	return n
}

type notifier struct {
	mu       sync.Mutex
	used     []int
	returned []int
}

func (n *notifier) NotifyInternalUse(size int) {
	n.mu.Lock()
	n.used = append(n.used, size)
	n.mu.Unlock()
}

func (n *notifier) NotifyReturnedToOS(size int) {
	n.mu.Lock()
	n.returned = append(n.returned, size)
	n.mu.Unlock()
}

func Test_Intern_Deduplicates(t *testing.T) {
	c := newTestCache(t)
	frames := []uint64{0x1000, 0x2000, 0x3000}

	a := intern(t, c, frames...)
	frames[0] = 0xdead // The input is copied.
	assert.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, a.Frames())
	assert.Equal(t, 3, a.NumFrames())
	assert.Equal(t, hashFrames([]uint64{0x1000, 0x2000, 0x3000}), a.ID())

	b := intern(t, c, 0x1000, 0x2000, 0x3000)
	assert.Same(t, a, b)
	assert.EqualValues(t, 2, refCount(t, c, a))

	s := c.Statistics()
	assert.EqualValues(t, 1, s.Cached)
	assert.EqualValues(t, 2, s.Requested)
	assert.EqualValues(t, 1, s.Allocated)
	assert.EqualValues(t, 2, s.References)
	assert.EqualValues(t, 6, s.FramesStored)
	assert.EqualValues(t, 3, s.FramesAlive)
	assert.EqualValues(t, 1, s.Pages)
	assert.EqualValues(t, DefaultPageSize, s.Size)
	assert.Equal(t, 2.0, s.CompressionRatio())
}

func Test_InternReleaseReuse(t *testing.T) {
	c := newTestCache(t)

	a := intern(t, c, 1, 2, 3)
	b := intern(t, c, 4, 5, 6)
	require.NotSame(t, a, b)
	require.Same(t, a, intern(t, c, 1, 2, 3))

	assert.EqualValues(t, 2, c.Statistics().Cached)
	assert.EqualValues(t, 2, refCount(t, c, a))
	assert.EqualValues(t, 1, refCount(t, c, b))

	require.NoError(t, c.Release(a))
	assert.EqualValues(t, 1, refCount(t, c, a))
	require.NoError(t, c.Release(a))
	_, ok := c.RefCount(a)
	assert.False(t, ok, "released record must not be tracked")
	assert.EqualValues(t, 1, refCount(t, c, b))
	assert.Equal(t, []uint64{4, 5, 6}, b.Frames())

	s := c.Statistics()
	assert.EqualValues(t, 1, s.Cached)
	assert.EqualValues(t, 1, s.Unreferenced)
	assert.EqualValues(t, 3, s.FramesDead)
	assert.EqualValues(t, 3, s.FramesAlive)

	// A new trace of the same size reuses the released storage.
	addr := uintptr(unsafe.Pointer(a))
	cc := intern(t, c, 7, 8, 9)
	assert.Equal(t, addr, uintptr(unsafe.Pointer(cc)))
	assert.Equal(t, []uint64{7, 8, 9}, cc.Frames())
	assert.EqualValues(t, 1, refCount(t, c, cc))

	s = c.Statistics()
	assert.EqualValues(t, 2, s.Cached)
	assert.EqualValues(t, 0, s.Unreferenced)
	assert.EqualValues(t, 0, s.FramesDead)
	assert.EqualValues(t, 3, s.Allocated)
}

func Test_ReuseRequiresSameFrameCount(t *testing.T) {
	c := newTestCache(t)
	a := intern(t, c, 1, 2, 3)
	require.NoError(t, c.Release(a))
	b := intern(t, c, 1, 2)
	assert.NotEqual(t, uintptr(unsafe.Pointer(a)), uintptr(unsafe.Pointer(b)))
	assert.EqualValues(t, 1, c.Statistics().Unreferenced)
}

func Test_EmptyTrace(t *testing.T) {
	c := newTestCache(t)
	a := intern(t, c)
	assert.Empty(t, a.Frames())
	assert.Same(t, a, intern(t, c))
	require.NoError(t, c.Release(a))
	require.NoError(t, c.Release(a))
	b := intern(t, c)
	assert.Same(t, a, b)
}

func Test_Saturation(t *testing.T) {
	c := newTestCache(t)
	s := intern(t, c, 1, 2)
	for i := 1; i < MaxRefCount; i++ {
		intern(t, c, 1, 2)
	}
	assert.EqualValues(t, MaxRefCount, refCount(t, c, s))
	assert.EqualValues(t, 1, c.Statistics().Saturated)

	// Neither interning nor releasing changes a saturated count.
	intern(t, c, 1, 2)
	require.NoError(t, c.Release(s))
	require.NoError(t, c.Release(s))
	assert.EqualValues(t, MaxRefCount, refCount(t, c, s))

	st := c.Statistics()
	assert.EqualValues(t, 1, st.Saturated)
	assert.EqualValues(t, 1, st.Cached)
	assert.EqualValues(t, MaxRefCount, st.References)
	assert.EqualValues(t, MaxRefCount+1, st.Requested)
}

func Test_Truncation(t *testing.T) {
	c := newTestCache(t, func(cfg *Config) { cfg.MaxFrames = 2 })
	s := intern(t, c, 1, 2, 3, 4, 5)
	assert.Equal(t, []uint64{1, 2}, s.Frames())
	assert.Equal(t, hashFrames([]uint64{1, 2}), s.ID())
	// Traces sharing the innermost frames are the same trace.
	assert.Same(t, s, intern(t, c, 1, 2, 9))
	assert.Same(t, s, intern(t, c, 1, 2))
	assert.EqualValues(t, 2, c.Statistics().Truncated)
}

func Test_Release_Invalid(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	c, err := New(cfg, log.NewLogfmtLogger(log.NewSyncWriter(&buf)), nil, nil)
	require.NoError(t, err)

	var foreign [8]uint64
	assert.ErrorIs(t, c.Release((*StackTrace)(unsafe.Pointer(&foreign[0]))), ErrUnknownStackTrace)
	assert.ErrorIs(t, c.Release(nil), ErrUnknownStackTrace)

	s := intern(t, c, 1, 2, 3)
	interior := (*StackTrace)(unsafe.Add(unsafe.Pointer(s), wordSize))
	assert.ErrorIs(t, c.Release(interior), ErrUnknownStackTrace)

	// Double release.
	require.NoError(t, c.Release(s))
	assert.ErrorIs(t, c.Release(s), ErrUnknownStackTrace)
	_, ok := c.RefCount(s)
	assert.False(t, ok)

	assert.EqualValues(t, 4, c.Statistics().InvalidReleases)
	assert.Equal(t, 4, strings.Count(buf.String(), "not owned by the cache"))
}

func Test_StackTracePointerIsValid(t *testing.T) {
	c := newTestCache(t, func(cfg *Config) { cfg.PageSize = osPageSize })
	var live []*StackTrace
	for i := uint64(0); i < 100; i++ {
		live = append(live, intern(t, c, i, i+1, i+2, i+3))
	}
	require.Greater(t, c.Statistics().Pages, uint64(1))
	for _, s := range live {
		assert.True(t, c.StackTracePointerIsValid(s))
	}

	var foreign StackTrace
	assert.False(t, c.StackTracePointerIsValid(&foreign))
	assert.False(t, c.StackTracePointerIsValid(nil))
	assert.False(t, c.StackTracePointerIsValid((*StackTrace)(unsafe.Add(unsafe.Pointer(live[0]), 2*wordSize))))
}

func Test_CollisionsAreStoredSeparately(t *testing.T) {
	c := newTestCache(t)
	c.hash = func([]uint64) StackID { return 42 }

	a := intern(t, c, 1, 2, 3)
	b := intern(t, c, 4, 5, 6)
	require.NotSame(t, a, b)
	assert.Equal(t, a.ID(), b.ID())
	assert.Same(t, a, intern(t, c, 1, 2, 3))
	assert.Same(t, b, intern(t, c, 4, 5, 6))
	assert.EqualValues(t, 2, c.Statistics().Cached)

	require.NoError(t, c.Release(a))
	require.NoError(t, c.Release(a))
	assert.Same(t, b, intern(t, c, 4, 5, 6))
	assert.EqualValues(t, 3, refCount(t, c, b))

	// A released colliding record can be reused.
	a2 := intern(t, c, 1, 2, 3)
	assert.Same(t, a, a2)
	assert.EqualValues(t, 1, refCount(t, c, a2))
}

func Test_OutOfMemory(t *testing.T) {
	n := new(notifier)
	cfg := DefaultConfig()
	cfg.PageSize = osPageSize
	cfg.MaxSizeBytes = osPageSize
	c, err := New(cfg, nil, n, nil)
	require.NoError(t, err)

	frames := make([]uint64, DefaultMaxFrames)
	var stacks []*StackTrace
	// 8 records of 62 frames fit into a page.
	for i := 0; i < 8; i++ {
		frames[0] = uint64(i)
		stacks = append(stacks, intern(t, c, frames...))
	}
	frames[0] = 100
	_, err = c.Intern(frames)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))

	// Released storage is still available.
	require.NoError(t, c.Release(stacks[3]))
	s := intern(t, c, frames...)
	assert.Same(t, stacks[3], s)

	st := c.Statistics()
	assert.EqualValues(t, 10, st.Requested)
	assert.EqualValues(t, 9, st.Allocated)
	assert.EqualValues(t, 8, st.Cached)
	assert.Equal(t, []int{osPageSize}, n.used)
}

func Test_Metadata(t *testing.T) {
	c := newTestCache(t, func(cfg *Config) { cfg.MetadataSize = 5 })
	a := intern(t, c, 1, 2)
	md := c.Metadata(a)
	require.Len(t, md, 5)
	assert.Equal(t, make([]byte, 5), md)
	copy(md, "hello")

	b := intern(t, c, 3, 4)
	assert.Equal(t, make([]byte, 5), c.Metadata(b))
	assert.Equal(t, []uint64{1, 2}, a.Frames())
	assert.Equal(t, "hello", string(c.Metadata(a)))

	require.NoError(t, c.Release(a))
	a2 := intern(t, c, 5, 6)
	require.Same(t, a, a2)
	assert.Equal(t, make([]byte, 5), c.Metadata(a2))
}

func Test_PagesAndNotifier(t *testing.T) {
	n := new(notifier)
	cfg := DefaultConfig()
	cfg.PageSize = osPageSize
	c, err := New(cfg, nil, n, nil)
	require.NoError(t, err)

	frames := make([]uint64, DefaultMaxFrames)
	for i := 0; i < 20; i++ {
		frames[0] = uint64(i)
		intern(t, c, frames...)
	}
	st := c.Statistics()
	assert.EqualValues(t, 3, st.Pages)
	assert.EqualValues(t, 3*osPageSize, st.Size)
	assert.Equal(t, []int{osPageSize, osPageSize, osPageSize}, n.used)

	require.NoError(t, c.Close())
	assert.Equal(t, []int{osPageSize, osPageSize, osPageSize}, n.returned)
	assert.ErrorIs(t, c.Close(), ErrClosed)
	_, err = c.Intern(frames)
	assert.ErrorIs(t, err, ErrClosed)

	st = c.Statistics()
	assert.Zero(t, st.Size)
	assert.Zero(t, st.Cached)
	assert.EqualValues(t, 20, st.Allocated)
}

func Test_ConcurrentDeduplication(t *testing.T) {
	const n = 64
	c := newTestCache(t)
	var (
		wg      sync.WaitGroup
		results [n]*StackTrace
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			frames := [4]uint64{0xa, 0xb, 0xc, 0xd}
			s, err := c.Intern(frames[:])
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	close(start)
	wg.Wait()

	for _, s := range results {
		require.Same(t, results[0], s)
	}
	assert.EqualValues(t, n, refCount(t, c, results[0]))
	st := c.Statistics()
	assert.EqualValues(t, 1, st.Cached)
	assert.EqualValues(t, 1, st.Allocated)
	assert.EqualValues(t, n, st.Requested)
	assert.EqualValues(t, n, st.References)
}

func Test_ConcurrentInvariants(t *testing.T) {
	c := newTestCache(t, func(cfg *Config) {
		cfg.PageSize = osPageSize
		cfg.Shards = 4
	})
	const (
		workers = 8
		ops     = 2000
		traces  = 32
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			var held []*StackTrace
			for i := 0; i < ops; i++ {
				if len(held) > 0 && rnd.Intn(2) == 0 {
					j := rnd.Intn(len(held))
					assert.NoError(t, c.Release(held[j]))
					held = append(held[:j], held[j+1:]...)
				} else {
					x := uint64(rnd.Intn(traces))
					frames := make([]uint64, 1+x%5)
					for k := range frames {
						frames[k] = x<<8 | uint64(k)
					}
					s, err := c.Intern(frames)
					if !assert.NoError(t, err) {
						return
					}
					assert.Equal(t, frames, s.Frames())
					held = append(held, s)
				}
				st := c.Statistics()
				assert.GreaterOrEqual(t, st.Allocated, st.Cached)
				assert.GreaterOrEqual(t, st.Requested, st.Allocated)
			}
			for _, s := range held {
				assert.NoError(t, c.Release(s))
			}
		}(int64(w))
	}
	wg.Wait()

	st := c.Statistics()
	assert.Zero(t, st.Cached)
	assert.Zero(t, st.References)
	assert.Zero(t, st.FramesStored)
	assert.Zero(t, st.FramesAlive)
	assert.Zero(t, st.InvalidReleases)
	assert.LessOrEqual(t, st.Unreferenced, st.Allocated)

	var free uint64
	for i := 0; i <= c.MaxFrames(); i++ {
		free += uint64(c.free.size(i))
	}
	assert.Equal(t, st.Unreferenced, free)
}

type recordingObserver struct {
	mu     sync.Mutex
	stacks []*StackTrace
}

func (o *recordingObserver) OnNewStack(s *StackTrace) {
	o.mu.Lock()
	o.stacks = append(o.stacks, s)
	o.mu.Unlock()
}

func Test_Observers(t *testing.T) {
	c := newTestCache(t)
	o1, o2 := new(recordingObserver), new(recordingObserver)
	c.AddObserver(o1)
	c.AddObserver(o1)
	c.AddObserver(o2)

	a := intern(t, c, 1)
	intern(t, c, 1)
	c.RemoveObserver(o2)
	b := intern(t, c, 2)

	assert.Equal(t, []*StackTrace{a, b}, o1.stacks)
	assert.Equal(t, []*StackTrace{a}, o2.stacks)

	c.RemoveObserver(o1)
	c.RemoveObserver(o1)
	intern(t, c, 3)
	assert.Len(t, o1.stacks, 2)
}

type reentrantObserver struct {
	t    *testing.T
	c    *Cache
	seen []*StackTrace
}

func (o *reentrantObserver) OnNewStack(s *StackTrace) {
	o.seen = append(o.seen, s)
	if len(o.seen) > 1 {
		return
	}
	// Calling back into the cache must not deadlock.
	x, err := o.c.Intern(s.Frames())
	require.NoError(o.t, err)
	require.Same(o.t, s, x)
	require.NoError(o.t, o.c.Release(x))
	o.c.LogStatistics()
	intern(o.t, o.c, 100, 200)
}

func Test_Observers_Reentrant(t *testing.T) {
	c := newTestCache(t)
	o := &reentrantObserver{t: t, c: c}
	c.AddObserver(o)
	s := intern(t, c, 1, 2, 3)
	assert.Len(t, o.seen, 2)
	assert.EqualValues(t, 1, refCount(t, c, s))
}

func Test_PeriodicReport(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.CompressionReportingPeriod = 2
	c, err := New(cfg, log.NewLogfmtLogger(&buf), nil, nil)
	require.NoError(t, err)

	for i := uint64(0); i < 5; i++ {
		intern(t, c, i)
		intern(t, c, i)
	}
	assert.Equal(t, 2, strings.Count(buf.String(), "stack trace cache statistics"))
	assert.Contains(t, buf.String(), "compression_ratio=1.50")
	assert.Contains(t, buf.String(), "compression_ratio=1.75")

	buf.Reset()
	c.LogStatistics()
	assert.Contains(t, buf.String(), "cached=5")
	assert.Contains(t, buf.String(), "compression_ratio=2.00")
	assert.Contains(t, buf.String(), "size=\"1.0 MiB\"")
}

func Test_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(DefaultConfig(), nil, nil, reg)
	require.NoError(t, err)
	a := intern(t, c, 1, 2)
	intern(t, c, 1, 2)
	intern(t, c, 3)
	require.NoError(t, c.Release(a))

	expected := `
# HELP stack_cache_stacks Number of stack traces currently cached.
# TYPE stack_cache_stacks gauge
stack_cache_stacks 2
# HELP stack_cache_requests_total Total number of stack traces submitted to the cache.
# TYPE stack_cache_requests_total counter
stack_cache_requests_total 3
# HELP stack_cache_frames Number of frames by state.
# TYPE stack_cache_frames gauge
stack_cache_frames{state="alive"} 3
stack_cache_frames{state="dead"} 0
stack_cache_frames{state="stored"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"stack_cache_stacks", "stack_cache_requests_total", "stack_cache_frames"))
	assert.Equal(t, 14, testutil.CollectAndCount(newCollector(c.Statistics)))
}

func Test_New_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 0
	_, err := New(cfg, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stack cache configuration")
}

func BenchmarkCache_Intern(b *testing.B) {
	c := newTestCache(b)
	frames := make([]uint64, 16)
	for i := range frames {
		frames[i] = uint64(i) << 12
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s, err := c.Intern(frames)
			if err != nil {
				b.Fatal(err)
			}
			_ = c.Release(s)
		}
	})
}
