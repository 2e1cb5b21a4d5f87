package table

import "sync"

// Recent remembers the last ids added to it, up to a fixed capacity. Adding
// to a full set forgets the oldest id.
type Recent struct {
	mu   sync.Mutex
	ring []uint32
	next int
	full bool
	ids  map[uint32]int // id → slots of ring holding it
}

func NewRecent(capacity int) *Recent {
	if capacity < 1 {
		capacity = 1
	}
	return &Recent{
		ring: make([]uint32, capacity),
		ids:  make(map[uint32]int, capacity),
	}
}

func (r *Recent) Add(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		old := r.ring[r.next]
		if r.ids[old] <= 1 {
			delete(r.ids, old)
		} else {
			r.ids[old]--
		}
	}
	r.ring[r.next] = id
	r.ids[id]++

	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
}

func (r *Recent) Contains(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

func (r *Recent) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}
