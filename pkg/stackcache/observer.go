package stackcache

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/grafana/stackcache/pkg/slices"
)

// Observer is notified when a new stack trace is stored in the cache.
//
// OnNewStack is called with no cache lock held and may call back into the
// cache. The stack trace is referenced by the Intern caller for the whole
// duration of the call.
type Observer interface {
	OnNewStack(*StackTrace)
}

// observers is a copy-on-write list: registration is expected to happen
// during setup and teardown, notifications iterate a snapshot without
// taking any lock.
type observers struct {
	mu   sync.Mutex
	list atomic.Pointer[[]Observer]
}

// add registers the observer. Adding an observer twice has no effect.
func (o *observers) add(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.load()
	for _, x := range cur {
		if x == obs {
			return
		}
	}
	next := make([]Observer, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, obs)
	o.list.Store(&next)
}

func (o *observers) remove(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := append([]Observer(nil), o.load()...)
	next = slices.RemoveInPlace(next, func(x Observer, _ int) bool {
		return x == obs
	})
	o.list.Store(&next)
}

func (o *observers) load() []Observer {
	if p := o.list.Load(); p != nil {
		return *p
	}
	return nil
}

func (o *observers) notify(s *StackTrace) {
	for _, obs := range o.load() {
		obs.OnNewStack(s)
	}
}

// AddObserver registers an observer. The caller retains the ownership of
// the observer.
func (c *Cache) AddObserver(obs Observer) { c.observers.add(obs) }

// RemoveObserver unregisters a previously added observer.
func (c *Cache) RemoveObserver(obs Observer) { c.observers.remove(obs) }
