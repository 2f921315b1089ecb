package checkin

import (
	"sync"
	"time"
)

// Registry keeps open flows addressable by id between requests. Completed
// flows and flows idle past the ttl are dropped by Sweep.
type Registry struct {
	mu    sync.Mutex
	flows map[string]*entry
	ttl   time.Duration
	clock func() time.Time
}

type entry struct {
	flow     *Flow
	lastSeen time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{
		flows: make(map[string]*entry),
		ttl:   ttl,
		clock: time.Now,
	}
}

func (r *Registry) Put(f *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.ID] = &entry{flow: f, lastSeen: r.clock()}
}

func (r *Registry) Get(id string) (*Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.flows[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.clock()
	return e.flow, true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, id)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

// Sweep drops completed and expired flows and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.flows {
		if now.Sub(e.lastSeen) > r.ttl || e.flow.State().Kind == StateCompleted {
			delete(r.flows, id)
			n++
		}
	}
	return n
}
