package dispatch

import (
	"sync"

	"github.com/Sigma-Snaken/bio-patrol/internal/task"
)

// registry is the in-memory task store: every submitted task stays queryable
// until evicted. Eviction only ever removes finished tasks, oldest first, and
// only once the store exceeds its limit, so a burst of live tasks can push
// the store past the limit without losing anything.
type registry struct {
	mu    sync.Mutex
	limit int
	tasks map[string]*task.Task
	order []string
}

func newRegistry(limit int) *registry {
	return &registry{
		limit: limit,
		tasks: map[string]*task.Task{},
	}
}

func (r *registry) add(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.tasks[t.ID] = t
	r.evictLocked()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *registry) get(id string) *task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

func (r *registry) list() []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*task.Task, 0, len(r.order))
	for _, id := range r.order {
		if t, ok := r.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (r *registry) removeLocked(id string) {
	if _, ok := r.tasks[id]; !ok {
		return
	}
	delete(r.tasks, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry) evictLocked() {
	for len(r.order) > r.limit {
		evicted := false
		for _, id := range r.order {
			if r.tasks[id].CurrentStatus().Terminal() {
				r.removeLocked(id)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}
