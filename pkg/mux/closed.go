package mux

// closedRing remembers the most recently closed stream ids.
type closedRing struct {
	ids  []uint32
	next int
	set  map[uint32]struct{}
}

func newClosedRing(n int) *closedRing {
	return &closedRing{
		ids: make([]uint32, 0, n),
		set: make(map[uint32]struct{}, n),
	}
}

func (r *closedRing) add(id uint32) {
	if _, ok := r.set[id]; ok {
		return
	}
	if len(r.ids) < cap(r.ids) {
		r.ids = append(r.ids, id)
	} else {
		delete(r.set, r.ids[r.next])
		r.ids[r.next] = id
		r.next = (r.next + 1) % len(r.ids)
	}
	r.set[id] = struct{}{}
}

func (r *closedRing) contains(id uint32) bool {
	_, ok := r.set[id]
	return ok
}
