package entity

import "sync"

// Queue hands update requests to the host's poll loop. A request for an
// entity that is already queued is dropped.
type Queue struct {
	mu      sync.Mutex
	pending map[string]bool
	ch      chan Entity
}

// NewQueue creates a queue holding at most size distinct requests.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{pending: make(map[string]bool), ch: make(chan Entity, size)}
}

// RequestUpdate never blocks. When the queue is full the request is dropped;
// the next scheduled poll picks the change up.
func (q *Queue) RequestUpdate(e Entity) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := e.UniqueID()
	if q.pending[id] {
		return
	}
	select {
	case q.ch <- e:
		q.pending[id] = true
	default:
	}
}

// C delivers queued entities. Receivers call Done before updating.
func (q *Queue) C() <-chan Entity {
	return q.ch
}

// Done allows e to be queued again.
func (q *Queue) Done(e Entity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, e.UniqueID())
}

// Len is the number of queued requests.
func (q *Queue) Len() int {
	return len(q.ch)
}
