package sched

import (
	"sync"
	"sync/atomic"

	"kfabric/archif"
	"kfabric/runq"
	"kfabric/thread"
)

// Stats mirrors the teacher's per-CPU PerCpuStats counters, exposed for
// observability (trace/metrics consumers read these directly).
type Stats struct {
	Switches  atomic.Uint64
	Steals    atomic.Uint64
	Preempts  atomic.Uint64
	Hardticks atomic.Uint64
	Wakeups   atomic.Uint64
}

// Processor is one CPU's scheduling state: its run queue, the thread
// currently executing on it, rebalance/preempt markers, and the
// exited-thread cleanup list its next stat tick drains.
type Processor struct {
	ID uint32

	RQ *runq.RunQueue

	// Timer arms this processor's one-shot quantum timer on every
	// switch_to; nil is a valid no-op (e.g. a test with no arch layer
	// wired up).
	Timer archif.Timer

	current         atomic.Pointer[thread.Thread]
	currentPriority atomic.Pointer[thread.Priority]
	idleThread      *thread.Thread

	mustRebalance atomic.Bool
	preempt       atomic.Bool

	Stats Stats

	// Wake is invoked to signal this processor that it has new work
	// (a wake IPI in the real fabric); nil is a valid no-op for a
	// single-goroutine simulation.
	Wake func()

	exitedMu sync.Mutex
	exited   []*thread.Thread
}

// QueueExited appends th to this processor's exited-thread cleanup
// list, deferring teardown to the next stat tick rather than doing it
// inline from whatever context discovered the thread was done.
func (p *Processor) QueueExited(th *thread.Thread) {
	p.exitedMu.Lock()
	p.exited = append(p.exited, th)
	p.exitedMu.Unlock()
}

// DrainExited removes and returns every thread queued via QueueExited
// since the last drain; called from the stat-tick path.
func (p *Processor) DrainExited() []*thread.Thread {
	p.exitedMu.Lock()
	defer p.exitedMu.Unlock()
	if len(p.exited) == 0 {
		return nil
	}
	out := p.exited
	p.exited = nil
	return out
}

// NewProcessor constructs a processor with an empty run queue and the
// given idle thread installed as its fallback.
func NewProcessor(id uint32, idle *thread.Thread) *Processor {
	p := &Processor{ID: id, RQ: runq.New(), idleThread: idle}
	p.current.Store(idle)
	zero := thread.Priority{Class: thread.Idle}
	p.currentPriority.Store(&zero)
	return p
}

// Current returns the thread currently assigned to this processor.
func (p *Processor) Current() *thread.Thread { return p.current.Load() }

// CurrentPriority returns the priority of the processor's currently
// running thread (distinct from RQ.CurrentPriority, which is the best
// of the *enqueued* threads).
func (p *Processor) CurrentPriority() thread.Priority { return *p.currentPriority.Load() }

// CurrentLoad is the processor's total load: its run queue's load plus
// one if it is actively running a non-idle thread (processor/sched.rs
// current_load semantics, distinct from rq.current_load()).
func (p *Processor) CurrentLoad() int {
	load := p.RQ.CurrentLoad()
	if cur := p.current.Load(); cur != nil && !cur.IsIdle() {
		load++
	}
	return load
}

// MustRebalance reports whether Balance has flagged this processor to
// shed a thread on its next Schedule call.
func (p *Processor) MustRebalance() bool { return p.mustRebalance.Load() }

// SetRebalance flags the processor for rebalancing.
func (p *Processor) SetRebalance() { p.mustRebalance.Store(true) }

// ResetRebalance clears the rebalance flag (done on every switch_to).
func (p *Processor) ResetRebalance() { p.mustRebalance.Store(false) }

// MarkPreempt sets this processor's preempt marker (schedule_mark_preempt).
func (p *Processor) MarkPreempt() { p.preempt.Store(true) }

// ConsumePreempt atomically reads-and-clears the preempt marker
// (schedule_maybe_preempt).
func (p *Processor) ConsumePreempt() bool { return p.preempt.Swap(false) }

func (p *Processor) wakeup() {
	if p.Wake != nil {
		p.Wake()
	}
}

// Topology binds a CPU topology tree to the set of live processors
// (processor/mp.rs's all_processors()/get_processor() registry,
// collapsed into one value since this port has no global statics).
type Topology struct {
	Root       *CPUTopoNode
	processors map[uint32]*Processor
	bsp        uint32
}

// NewTopology constructs a topology over root, registering procs by ID.
// bsp names the bootstrap processor, the one that drives balancing
// (processor/mod.rs uses CPU 0).
func NewTopology(root *CPUTopoNode, bsp uint32, procs ...*Processor) *Topology {
	t := &Topology{Root: root, processors: make(map[uint32]*Processor, len(procs)), bsp: bsp}
	for _, p := range procs {
		t.processors[p.ID] = p
	}
	return t
}

// GetProcessor looks up a processor by id.
func (t *Topology) GetProcessor(id uint32) *Processor { return t.processors[id] }

// AllProcessors returns every registered processor, in no particular order.
func (t *Topology) AllProcessors() []*Processor {
	out := make([]*Processor, 0, len(t.processors))
	for _, p := range t.processors {
		out = append(out, p)
	}
	return out
}

// IsBSP reports whether id is the bootstrap processor (balancing and
// the rebalance cooldown only run there).
func (t *Topology) IsBSP(id uint32) bool { return id == t.bsp }

// CPUSet returns the full set of CPU ids registered in the topology.
func (t *Topology) CPUSet() *CpuSet {
	ids := make([]uint32, 0, len(t.processors))
	for id := range t.processors {
		ids = append(ids, id)
	}
	return NewCPUSet(ids...)
}
