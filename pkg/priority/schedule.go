package priority

import "sort"

// Next picks the stream that should send the next frame. eligible reports
// whether a stream has sendable work. Over many calls each parent's share
// is divided among its busy dependents in proportion to their weights. It
// returns false when no stream in the tree is eligible.
func (t *Tree) Next(eligible func(uint32) bool) (uint32, bool) {
	n := t.root
	for {
		var best *node
		for _, c := range n.children {
			if !t.active(c, eligible) {
				continue
			}
			if c.vt < n.clock {
				c.vt = n.clock
			}
			if best == nil || c.vt < best.vt || (c.vt == best.vt && c.id < best.id) {
				best = c
			}
		}
		if best == nil {
			return 0, false
		}
		n.clock = best.vt
		best.vt += stride / uint64(best.weight)
		if eligible(best.id) {
			return best.id, true
		}
		n = best
	}
}

// active reports whether n or any of its dependents is eligible.
func (t *Tree) active(n *node, eligible func(uint32) bool) bool {
	if eligible(n.id) {
		return true
	}
	for _, c := range n.children {
		if t.active(c, eligible) {
			return true
		}
	}
	return false
}

// Share returns the fraction of the connection id would receive if every
// currently eligible stream stayed busy: the product, along the path from
// the root, of the node's weight over the total weight of its active
// siblings. Dependents of an eligible stream get nothing until it idles.
func (t *Tree) Share(id uint32, eligible func(uint32) bool) float64 {
	n, ok := t.nodes[id]
	if !ok || !t.active(n, eligible) {
		return 0
	}
	share := 1.0
	for x := n; x.parent != nil; x = x.parent {
		if x != n && eligible(x.id) {
			return 0
		}
		var sum int
		for _, s := range x.parent.children {
			if t.active(s, eligible) {
				sum += int(s.weight)
			}
		}
		share *= float64(x.weight) / float64(sum)
	}
	return share
}

// Schedule returns every eligible stream ordered by descending Share,
// ties broken by ascending id. Eligible streams blocked behind an eligible
// ancestor come last, in id order.
func (t *Tree) Schedule(eligible func(uint32) bool) []uint32 {
	type entry struct {
		id    uint32
		share float64
	}
	var entries []entry
	for id := range t.nodes {
		if eligible(id) {
			entries = append(entries, entry{id, t.Share(id, eligible)})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].share != entries[j].share {
			return entries[i].share > entries[j].share
		}
		return entries[i].id < entries[j].id
	})
	out := make([]uint32, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}
