package stackcache

import (
	"unsafe"

	"github.com/bits-and-blooms/bitset"
)

// page is a fixed-size block of memory carved into stack trace records by
// a forward-only bump allocator. Pages form a LIFO chain rooted at the
// current page; a page that is no longer current is only read.
//
// All fields are guarded by Cache.pageMu.
type page struct {
	id    uint32
	prev  *page
	words []uint64
	used  int // In words.
	// starts marks the first word of every allocated record.
	starts *bitset.BitSet
}

// allocation is returned by page.alloc, it is the only way to
// roll back an allocation.
type allocation struct {
	page *page
	off  int
	size int
}

func newPage(id uint32, size int, prev *page) *page {
	n := size / wordSize
	return &page{
		id:     id,
		prev:   prev,
		words:  make([]uint64, n),
		starts: bitset.New(uint(n)),
	}
}

// alloc reserves the given number of words. The memory is zeroed only
// when the page is new or the words were rolled back.
func (p *page) alloc(words int) (allocation, bool) {
	if words <= 0 || words > p.wordsLeft() {
		return allocation{}, false
	}
	a := allocation{page: p, off: p.used, size: words}
	p.used += words
	p.starts.Set(uint(a.off))
	return a, true
}

// rollback returns the allocation to the page. It only succeeds if the
// allocation is the most recent one made from this page.
//
// The cache itself never abandons an allocation: storage is acquired after
// the lookup missed, under the shard lock. rollback keeps the page usable
// as a plain bump allocator with a checked last-allocation undo.
func (p *page) rollback(a allocation) bool {
	if a.page != p || a.size == 0 || a.off+a.size != p.used {
		return false
	}
	clear(p.words[a.off:p.used])
	p.starts.Clear(uint(a.off))
	p.used = a.off
	return true
}

func (p *page) record(off int) *StackTrace {
	return (*StackTrace)(unsafe.Pointer(&p.words[off]))
}

// offset returns the word offset of the address within the page data.
func (p *page) offset(addr uintptr) (int, bool) {
	base := uintptr(unsafe.Pointer(&p.words[0]))
	if addr < base || addr >= base+uintptr(len(p.words))*wordSize {
		return 0, false
	}
	d := addr - base
	if d%wordSize != 0 {
		return 0, false
	}
	return int(d / wordSize), true
}

func (p *page) isRecordStart(off int) bool {
	return off < p.used && p.starts.Test(uint(off))
}

func (p *page) size() int { return len(p.words) * wordSize }

func (p *page) bytesUsed() int { return p.used * wordSize }

func (p *page) bytesLeft() int { return p.wordsLeft() * wordSize }

func (p *page) wordsLeft() int { return len(p.words) - p.used }
