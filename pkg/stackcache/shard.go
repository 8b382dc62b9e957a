package stackcache

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/samber/lo"
)

const defaultShardSize = 1 << 10

// shard is a partition of the lookup table. A stack id is always routed to
// the same shard.
//
// Distinct frame sequences sharing an id are told apart by comparing the
// frames: the first one lives in the primary map, the rest in collisions,
// which is expected to stay empty in practice.
type shard struct {
	mu         sync.Mutex
	stacks     *swiss.Map[StackID, *StackTrace]
	collisions map[StackID][]*StackTrace
}

func (s *shard) init() {
	s.stacks = swiss.NewMap[StackID, *StackTrace](defaultShardSize)
	s.collisions = make(map[StackID][]*StackTrace)
}

// find must be called with mu held.
func (s *shard) find(id StackID, frames []uint64) *StackTrace {
	x, ok := s.stacks.Get(id)
	if !ok {
		return nil
	}
	if x.equalFrames(frames) {
		return x
	}
	for _, c := range s.collisions[id] {
		if c.equalFrames(frames) {
			return c
		}
	}
	return nil
}

// insert must be called with mu held.
func (s *shard) insert(x *StackTrace) {
	if _, ok := s.stacks.Get(x.id); !ok {
		s.stacks.Put(x.id, x)
		return
	}
	s.collisions[x.id] = append(s.collisions[x.id], x)
}

// remove must be called with mu held. It reports whether x was found.
func (s *shard) remove(x *StackTrace) bool {
	p, ok := s.stacks.Get(x.id)
	if !ok {
		return false
	}
	c := s.collisions[x.id]
	if p == x {
		if len(c) == 0 {
			s.stacks.Delete(x.id)
			return true
		}
		// Promote a colliding record.
		s.stacks.Put(x.id, c[0])
		s.setCollisions(x.id, c[1:])
		return true
	}
	if !lo.Contains(c, x) {
		return false
	}
	s.setCollisions(x.id, lo.Without(c, x))
	return true
}

// contains must be called with mu held.
func (s *shard) contains(x *StackTrace) bool {
	p, ok := s.stacks.Get(x.id)
	if !ok {
		return false
	}
	return p == x || lo.Contains(s.collisions[x.id], x)
}

func (s *shard) setCollisions(id StackID, c []*StackTrace) {
	if len(c) == 0 {
		delete(s.collisions, id)
		return
	}
	s.collisions[id] = c
}

// each calls fn for every record in the shard. Must be called with mu held.
func (s *shard) each(fn func(*StackTrace)) {
	s.stacks.Iter(func(_ StackID, x *StackTrace) bool {
		fn(x)
		return false
	})
	for _, c := range s.collisions {
		for _, x := range c {
			fn(x)
		}
	}
}

func (s *shard) len() int {
	n := s.stacks.Count()
	for _, c := range s.collisions {
		n += len(c)
	}
	return n
}
