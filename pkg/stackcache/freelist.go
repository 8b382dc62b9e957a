package stackcache

import (
	"math"
	"sync"
	"unsafe"

	"go.uber.org/atomic"
)

// pageTable maps page ids to pages. It only grows: a new snapshot is
// published under Cache.pageMu, readers load it without locking.
type pageTable struct {
	pages atomic.Pointer[[]*page]
}

func (t *pageTable) add(p *page) {
	var pages []*page
	if s := t.pages.Load(); s != nil {
		pages = make([]*page, len(*s), len(*s)+1)
		copy(pages, *s)
	}
	pages = append(pages, p)
	t.pages.Store(&pages)
}

func (t *pageTable) get(id uint32) *page {
	s := t.pages.Load()
	if s == nil || int(id) >= len(*s) {
		return nil
	}
	return (*s)[id]
}

func (t *pageTable) len() int {
	if s := t.pages.Load(); s != nil {
		return len(*s)
	}
	return 0
}

// A free list link is a (page id, word offset) pair packed into the first
// frame slot of a released record.
const nilLink = math.MaxUint64

func (t *pageTable) ref(s *StackTrace) uint64 {
	off, _ := t.get(s.page).offset(uintptr(unsafe.Pointer(s)))
	return uint64(s.page)<<32 | uint64(off)
}

func (t *pageTable) deref(link uint64) *StackTrace {
	return t.get(uint32(link >> 32)).record(int(uint32(link)))
}

type freeList struct {
	mu   sync.Mutex
	head *StackTrace
	len  int
}

// freeLists keeps released records, one list per exact frame count.
// A record on a free list has no references and is not in any shard.
type freeLists struct {
	table *pageTable
	lists []freeList
}

func newFreeLists(table *pageTable, maxFrames int) *freeLists {
	return &freeLists{
		table: table,
		lists: make([]freeList, maxFrames+1),
	}
}

func (f *freeLists) push(s *StackTrace) {
	l := &f.lists[s.numFrames]
	l.mu.Lock()
	link := uint64(nilLink)
	if l.head != nil {
		link = f.table.ref(l.head)
	}
	s.setLink(link)
	l.head = s
	l.len++
	l.mu.Unlock()
}

// pop returns a released record of exactly numFrames frames, or nil.
func (f *freeLists) pop(numFrames int) *StackTrace {
	l := &f.lists[numFrames]
	l.mu.Lock()
	s := l.head
	if s != nil {
		if link := s.link(); link == nilLink {
			l.head = nil
		} else {
			l.head = f.table.deref(link)
		}
		l.len--
	}
	l.mu.Unlock()
	return s
}

func (f *freeLists) size(numFrames int) int {
	l := &f.lists[numFrames]
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.len
}
