package sink

import (
	"math/rand"
	"sync"
)

// rotation round-robins delivery across the configured table templates.
// The queue starts shuffled so restarting many writers does not synchronize
// them all onto the same first table.
type rotation struct {
	mu    sync.Mutex
	queue []string
}

func newRotation(templates []string, shuffle bool) *rotation {
	queue := make([]string, len(templates))
	copy(queue, templates)
	if shuffle {
		rand.Shuffle(len(queue), func(i, j int) {
			queue[i], queue[j] = queue[j], queue[i]
		})
	}
	return &rotation{queue: queue}
}

// next pops the front template and pushes it to the back, atomically.
func (r *rotation) next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.queue[0]
	r.queue = append(r.queue[1:], t)
	return t
}
