// Package priority maintains the stream dependency tree and decides which
// stream sends next.
//
// Every stream is a node under the virtual root 0. A parent that can send
// is served before its dependents; otherwise its share is divided among
// its dependents in proportion to their weights (1..256). Within a parent,
// siblings are scheduled by stride scheduling: each pick advances the
// chosen child's virtual time by stride/weight and the child with the
// smallest virtual time goes next.
package priority

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vango-dev/h2mux/pkg/protocol"
)

// stride is the virtual time unit; a weight-w child advances by stride/w.
const stride = 1 << 24

var (
	ErrSelfDependency = errors.New("priority: stream depends on itself")
	ErrRootStream     = errors.New("priority: stream 0 cannot be prioritized")
)

type node struct {
	id       uint32
	weight   uint16
	parent   *node
	children []*node

	// vt is this node's virtual time among its siblings; clock is the
	// virtual time of the child most recently picked under this node.
	vt    uint64
	clock uint64
}

// Tree is the dependency tree. The zero value is not usable; call New.
type Tree struct {
	root  *node
	nodes map[uint32]*node
}

// New creates a tree holding only the root.
func New() *Tree {
	return &Tree{
		root:  &node{id: 0, weight: protocol.DefaultWeight},
		nodes: make(map[uint32]*node),
	}
}

// Len returns the number of streams in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Contains reports whether id is in the tree.
func (t *Tree) Contains(id uint32) bool {
	_, ok := t.nodes[id]
	return ok
}

// Weight returns the weight of id, or the default weight if absent.
func (t *Tree) Weight(id uint32) uint16 {
	if n, ok := t.nodes[id]; ok {
		return n.weight
	}
	return protocol.DefaultWeight
}

// Parent returns the parent of id, or 0 if absent.
func (t *Tree) Parent(id uint32) uint32 {
	if n, ok := t.nodes[id]; ok {
		return n.parent.id
	}
	return 0
}

// Children returns the dependents of id in ascending order.
func (t *Tree) Children(id uint32) []uint32 {
	n := t.root
	if id != 0 {
		var ok bool
		if n, ok = t.nodes[id]; !ok {
			return nil
		}
	}
	out := make([]uint32, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c.id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clampWeight(w uint16) uint16 {
	switch {
	case w < protocol.MinWeight:
		return protocol.MinWeight
	case w > protocol.MaxWeight:
		return protocol.MaxWeight
	}
	return w
}

// Add inserts id with default priority if it is not already present.
func (t *Tree) Add(id uint32) error {
	if t.Contains(id) {
		return nil
	}
	return t.SetPriority(id, protocol.DefaultWeight, 0, false)
}

// SetPriority creates or moves id under parent. An exclusive dependency
// makes id the only child of parent, adopting parent's former children.
// A parent not in the tree gives id the default priority. Moving id under
// one of its own descendants first moves that descendant up to id's former
// parent.
func (t *Tree) SetPriority(id uint32, weight uint16, parent uint32, exclusive bool) error {
	if id == 0 {
		return ErrRootStream
	}
	if id == parent {
		return ErrSelfDependency
	}
	weight = clampWeight(weight)

	p := t.root
	if parent != 0 {
		var ok bool
		if p, ok = t.nodes[parent]; !ok {
			p, weight, exclusive = t.root, protocol.DefaultWeight, false
		}
	}

	n, ok := t.nodes[id]
	if !ok {
		n = &node{id: id}
		t.nodes[id] = n
	} else {
		if t.isAncestor(n, p) {
			t.detach(p)
			t.attach(p, n.parent)
		}
		t.detach(n)
	}
	n.weight = weight

	if exclusive {
		for _, c := range p.children {
			c.parent = n
			n.children = append(n.children, c)
		}
		p.children = nil
	}
	t.attach(n, p)
	return nil
}

// Remove deletes id. Its dependents move to id's parent and split id's
// weight in proportion to their own weights, each getting at least 1.
func (t *Tree) Remove(id uint32) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	p := n.parent
	t.detach(n)

	var sum int
	for _, c := range n.children {
		sum += int(c.weight)
	}
	for _, c := range n.children {
		w := int(n.weight) * int(c.weight) / sum
		c.weight = clampWeight(uint16(max(w, 1)))
		c.parent = nil
		t.attach(c, p)
	}
	n.children = nil
	delete(t.nodes, id)
}

// isAncestor reports whether a is a proper ancestor of d.
func (t *Tree) isAncestor(a, d *node) bool {
	for x := d.parent; x != nil; x = x.parent {
		if x == a {
			return true
		}
	}
	return false
}

func (t *Tree) detach(n *node) {
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (t *Tree) attach(n, p *node) {
	n.parent = p
	p.children = append(p.children, n)
	if n.vt < p.clock {
		n.vt = p.clock
	}
}

// Validate checks that the tree is acyclic and that parent and child links
// agree. It returns the first inconsistency found.
func (t *Tree) Validate() error {
	seen := make(map[uint32]bool, len(t.nodes))
	var walk func(n *node, depth int) error
	walk = func(n *node, depth int) error {
		if depth > len(t.nodes)+1 {
			return fmt.Errorf("priority: cycle through stream %d", n.id)
		}
		for _, c := range n.children {
			if c.parent != n {
				return fmt.Errorf("priority: stream %d listed under %d with a different parent", c.id, n.id)
			}
			if seen[c.id] {
				return fmt.Errorf("priority: stream %d reachable twice", c.id)
			}
			seen[c.id] = true
			if c.weight < protocol.MinWeight || c.weight > protocol.MaxWeight {
				return fmt.Errorf("priority: stream %d weight %d out of range", c.id, c.weight)
			}
			if err := walk(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.root, 0); err != nil {
		return err
	}
	if len(seen) != len(t.nodes) {
		return fmt.Errorf("priority: %d of %d streams reachable from root", len(seen), len(t.nodes))
	}
	return nil
}
