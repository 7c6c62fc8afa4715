// Package sched implements CPU topology, per-CPU processors, and the
// cross-CPU scheduler contract: CPU selection, work stealing, periodic
// balancing, tick handling and the schedule()/switch_to() pipeline.
// Grounded on original_source's processor/sched.rs and
// processor/mod.rs.
package sched

import "sync"

// CPUTopoType classifies a topology node; CPU selection walks a
// topology tree of these.
type CPUTopoType int

const (
	TopoSystem CPUTopoType = iota
	TopoCache
	TopoThread
	TopoOther
)

// CPUTopoNode is one level of the CPU topology tree: either an
// internal node with children, or a leaf spanning a contiguous range
// of CPU ids (processor/sched.rs::CPUTopoNode).
type CPUTopoNode struct {
	levelType CPUTopoType
	cpus      map[uint32]bool
	first     uint32
	last      uint32
	children  []*CPUTopoNode
	parent    *CPUTopoNode
}

// NewTopoNode constructs an empty topology node of the given level.
func NewTopoNode(ty CPUTopoType) *CPUTopoNode {
	return &CPUTopoNode{levelType: ty, cpus: make(map[uint32]bool), first: ^uint32(0)}
}

// AddChild appends child as a child of n, wiring its parent pointer.
func (n *CPUTopoNode) AddChild(child *CPUTopoNode) {
	child.parent = n
	n.children = append(n.children, child)
}

// Children returns n's child nodes.
func (n *CPUTopoNode) Children() []*CPUTopoNode { return n.children }

// Parent returns n's parent, or nil at the root.
func (n *CPUTopoNode) Parent() *CPUTopoNode { return n.parent }

// SetCPU marks id as belonging to this node (and widens [first, last]).
func (n *CPUTopoNode) SetCPU(id uint32) {
	n.cpus[id] = true
	if id < n.first {
		n.first = id
	}
	if id > n.last {
		n.last = id
	}
}

// Contains reports whether id belongs to this node's cpuset.
func (n *CPUTopoNode) Contains(id uint32) bool { return n.cpus[id] }

// FindCPU locates the leaf node owning id, recursing into children.
func (n *CPUTopoNode) FindCPU(id uint32) *CPUTopoNode {
	if !n.Contains(id) {
		return nil
	}
	if len(n.children) == 0 {
		return n
	}
	for _, c := range n.children {
		if found := c.FindCPU(id); found != nil {
			return found
		}
	}
	return nil
}

// cpuRange iterates the leaf's [first, last] range, calling fn for
// every id actually present in the node's cpuset (processor/sched.rs's
// `for c in node.first..=node.last { if node.cpuset.contains(c) ... }`
// pattern, which tolerates holes in a contiguous numeric range).
func (n *CPUTopoNode) cpuRange(fn func(id uint32)) {
	if n.first > n.last {
		return
	}
	for c := n.first; c <= n.last; c++ {
		if n.cpus[c] {
			fn(c)
		}
	}
}

// CpuSet is a mutable, copyable set of CPU ids used by the topology
// walks (allowed-set shrinking in try_steal/balance).
type CpuSet struct {
	mu  sync.Mutex
	ids map[uint32]bool
}

// NewCPUSet returns a set containing exactly ids.
func NewCPUSet(ids ...uint32) *CpuSet {
	s := &CpuSet{ids: make(map[uint32]bool, len(ids))}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

// Clone returns an independent copy of s.
func (s *CpuSet) Clone() *CpuSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &CpuSet{ids: make(map[uint32]bool, len(s.ids))}
	for k, v := range s.ids {
		n.ids[k] = v
	}
	return n
}

// Remove drops id from the set.
func (s *CpuSet) Remove(id uint32) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Contains reports whether id is in the set.
func (s *CpuSet) Contains(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

// IsEmpty reports whether the set has no members.
func (s *CpuSet) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids) == 0
}
