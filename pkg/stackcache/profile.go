package stackcache

import (
	"io"

	"github.com/google/pprof/profile"
)

// WriteProfile writes all cached stack traces as a gzip-compressed pprof
// profile. Every sample is a stack trace, with its reference count and
// number of frames as values. Locations only carry addresses.
//
// Shards are visited one at a time, so the profile is not a consistent
// snapshot of a cache that is being modified.
func (c *Cache) WriteProfile(w io.Writer) error {
	p := c.buildProfile()
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}

func (c *Cache) buildProfile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "references", Unit: "count"},
			{Type: "frames", Unit: "count"},
		},
	}
	locations := make(map[uint64]*profile.Location)
	location := func(addr uint64) *profile.Location {
		loc, ok := locations[addr]
		if !ok {
			loc = &profile.Location{
				ID:      uint64(len(p.Location) + 1),
				Address: addr,
			}
			locations[addr] = loc
			p.Location = append(p.Location, loc)
		}
		return loc
	}
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		sh.each(func(s *StackTrace) {
			frames := s.Frames()
			sample := &profile.Sample{
				Value:    []int64{int64(s.refs), int64(len(frames))},
				Location: make([]*profile.Location, len(frames)),
				NumLabel: map[string][]int64{"stack_id": {int64(s.id)}},
			}
			for j, addr := range frames {
				sample.Location[j] = location(addr)
			}
			p.Sample = append(p.Sample, sample)
		})
		sh.mu.Unlock()
	}
	return p
}
