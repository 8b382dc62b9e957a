package stackcache

import (
	"math"
	"slices"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// StackID identifies a stack trace. It is a pure function of the frames,
// two traces with equal frames always have the same id.
type StackID uint64

// MaxRefCount is the saturation value of the reference counter. A stack
// trace that reaches it is never released.
const MaxRefCount = math.MaxUint16

const (
	wordSize    = 8
	headerWords = 2
	headerSize  = headerWords * wordSize
)

// StackTrace is a record stored in a cache page. The header is followed by
// max(NumFrames, 1) frame slots and optional metadata. The frames are written
// once, when the record is populated, and are safe to read without locks for
// as long as the caller holds a reference.
//
// Records are never allocated by the Go runtime individually: the zero value
// and copies are meaningless, only pointers returned by Cache.Intern are.
type StackTrace struct {
	id        StackID
	refs      uint16
	numFrames uint16
	page      uint32
}

// The header must occupy exactly headerWords words.
const (
	_ uint = headerSize - uint(unsafe.Sizeof(StackTrace{}))
	_ uint = uint(unsafe.Sizeof(StackTrace{})) - headerSize
)

func (s *StackTrace) ID() StackID { return s.id }

func (s *StackTrace) NumFrames() int { return int(s.numFrames) }

// Frames returns the return addresses, innermost first. The slice aliases
// the cache storage and must not be modified.
func (s *StackTrace) Frames() []uint64 {
	return unsafe.Slice(s.slots(), s.numFrames)
}

// slots points to the first frame slot. A record always has at least one
// slot, so that a released record can hold the free list link.
func (s *StackTrace) slots() *uint64 {
	return (*uint64)(unsafe.Add(unsafe.Pointer(s), headerSize))
}

func (s *StackTrace) link() uint64 { return *s.slots() }

func (s *StackTrace) setLink(v uint64) { *s.slots() = v }

func (s *StackTrace) metadata(n int) []byte {
	if n == 0 {
		return nil
	}
	off := headerSize + slotCount(int(s.numFrames))*wordSize
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(s), off)), n)
}

// init populates a freshly acquired record.
func (s *StackTrace) init(id StackID, frames []uint64, metadataSize int) {
	s.id = id
	s.refs = 1
	s.numFrames = uint16(len(frames))
	copy(unsafe.Slice(s.slots(), len(frames)), frames)
	clear(s.metadata(metadataSize))
}

func (s *StackTrace) equalFrames(frames []uint64) bool {
	return slices.Equal(s.Frames(), frames)
}

func (s *StackTrace) saturated() bool { return s.refs == MaxRefCount }

func slotCount(numFrames int) int { return max(numFrames, 1) }

func metadataWords(size int) int { return (size + wordSize - 1) / wordSize }

func recordWords(numFrames, metaWords int) int {
	return headerWords + slotCount(numFrames) + metaWords
}

// hashFrames computes the identity of a frame sequence.
func hashFrames(frames []uint64) StackID {
	if len(frames) == 0 {
		return 0
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&frames[0])), len(frames)*wordSize)
	return StackID(xxhash.Sum64(b))
}
