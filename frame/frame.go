// Package frame implements the physical frame tracker: owner-class
// accounting, a blocking allocation path, and the asynchronous reclaim
// thread. Grounded on
// biscuit's biscuit/src/mem/mem.go (Physmem_t's atomic free-list
// allocator) and original_source's memory/tracker.rs (MemoryTracker,
// ReclaimThread) — the newer of the two is the ground truth for exact
// allocation-loop and reclaim-trigger semantics per DESIGN.md.
package frame

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/text/message"
	"go.uber.org/zap"

	"kfabric/util"
)

// AllocFlags mirrors tracker.rs's FrameAllocFlags bitflags.
type AllocFlags uint32

const (
	// Zeroed guarantees the returned frame's contents are zero.
	Zeroed AllocFlags = 1 << iota
	// Kernel charges the allocation to the kernel_used class rather
	// than page_data.
	Kernel
	// WaitOk permits blocking the calling thread when the pool is dry
	// instead of failing fast.
	WaitOk
)

// ErrNoMemory is returned by TryAlloc when the pool is exhausted and
// WaitOk was not requested.
var ErrNoMemory = errors.New("frame: out of physical memory")

// Frame describes one fixed-size physical memory unit. Size is always
// PageSize; Kernel is the owner class the frame was charged to, which
// Free uses to pick the counter to decrement. No zeroed bit is kept.
type Frame struct {
	Addr   uintptr
	Kernel bool
}

// PageSize is the fixed frame size in bytes.
const PageSize = 1 << 12

// maxReclaimRounds/maxPerRound bound the reclaim thread's per-wakeup work,
// matching memory/tracker.rs's MAX_RECLAIM_ROUNDS/MAX_PER_ROUND.
const (
	maxReclaimRounds = 1000
	maxPerRound      = 100
)

type waiterGate struct {
	sem *semaphore.Weighted
}

func newWaiterGate() *waiterGate {
	g := &waiterGate{sem: semaphore.NewWeighted(1)}
	_ = g.sem.Acquire(context.Background(), 1) // drain to 0: next Acquire blocks until woken
	return g
}

func (g *waiterGate) wait(ctx context.Context) error { return g.sem.Acquire(ctx, 1) }
func (g *waiterGate) wake()                          { g.sem.Release(1) }

// freeList is the low-level allocator biscuit's Physmem_t implements as
// a singly-linked free list over Pgs; here it is just a stack of
// addresses, since the tracker above it is what enforces the counting
// contract.
type freeList struct {
	mu    sync.Mutex
	addrs []uintptr
	next  uintptr // next never-yet-used address, for first population
}

func (f *freeList) pop() (uintptr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.addrs) == 0 {
		return 0, false
	}
	a := f.addrs[len(f.addrs)-1]
	f.addrs = f.addrs[:len(f.addrs)-1]
	return a, true
}

func (f *freeList) push(addr uintptr) {
	f.mu.Lock()
	f.addrs = append(f.addrs, addr)
	f.mu.Unlock()
}

// Tracker is the process-wide frame tracker singleton. There is
// ordinarily exactly one; tests construct
// their own for isolation.
type Tracker struct {
	total           atomic.Int64
	idle            atomic.Int64
	kernelUsed      atomic.Int64
	pageData        atomic.Int64
	allocated       atomic.Int64
	freed           atomic.Int64
	reclaimed       atomic.Int64
	waiting         atomic.Int64
	pagerOutstanding atomic.Int64

	free *freeList

	waitersMu sync.Mutex
	waiters   []*waiterGate

	reclaimPendingMu sync.Mutex
	reclaimPending   []Frame
	reclaimSignal    chan struct{}

	log *zap.Logger
}

// New constructs a tracker with total frames starting at addr, idle
// initially idle, and kern frames already charged to kernel_used
// (mirrors tracker.rs's init(total, idle, kern)).
func New(log *zap.Logger, addr uintptr, total, idle, kern int64) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		free:          &freeList{},
		reclaimSignal: make(chan struct{}, 1),
		log:           log,
	}
	t.total.Store(total)
	t.idle.Store(idle)
	t.kernelUsed.Store(kern)
	for i := int64(0); i < idle; i++ {
		t.free.push(addr + uintptr(i)*PageSize)
	}
	return t
}

// Idle, Total, KernelUsed, PageData, Allocated, Freed, Reclaimed,
// Waiting and PagerOutstanding are the tracker's atomic counters,
// exposed read-only for tests and stat dumps.
func (t *Tracker) Idle() int64             { return t.idle.Load() }
func (t *Tracker) Total() int64            { return t.total.Load() }
func (t *Tracker) KernelUsed() int64       { return t.kernelUsed.Load() }
func (t *Tracker) PageData() int64        { return t.pageData.Load() }
func (t *Tracker) Allocated() int64       { return t.allocated.Load() }
func (t *Tracker) Freed() int64           { return t.freed.Load() }
func (t *Tracker) Reclaimed() int64       { return t.reclaimed.Load() }
func (t *Tracker) Waiting() int64         { return t.waiting.Load() }
func (t *Tracker) PagerOutstanding() int64 { return t.pagerOutstanding.Load() }

func (t *Tracker) kernCond() bool {
	return t.idle.Load() < 2*t.kernelUsed.Load()
}

func (t *Tracker) pageCond() bool {
	return t.pageData.Load() >= t.idle.Load()/2
}

// ShouldReclaim reports whether reclaim pressure conditions hold:
// page_data ≥ idle/2 OR idle < 2·kernel_used.
func (t *Tracker) ShouldReclaim() bool { return t.pageCond() || t.kernCond() }

func (t *Tracker) considerReclaim() {
	if t.ShouldReclaim() {
		t.triggerReclaim()
	}
}

func (t *Tracker) triggerReclaim() {
	select {
	case t.reclaimSignal <- struct{}{}:
	default:
	}
}

// TryAlloc implements the tracker's allocation loop. blockFn, if
// non-nil, is called when WaitOk is set and the pool is dry; it must
// block the calling thread until woken (the sched package supplies this
// so frame does not import sched) and is handed the waiter gate to wait
// on.
func (t *Tracker) TryAlloc(ctx context.Context, flags AllocFlags, blockFn func(ctx context.Context, wait func(context.Context) error) error) (Frame, error) {
	for {
		t.considerReclaim()
		idle := t.idle.Load()
		if idle >= 1 {
			if t.idle.CompareAndSwap(idle, idle-1) {
				addr, ok := t.free.pop()
				if !ok {
					t.idle.Add(1)
				} else {
					if flags&Kernel != 0 {
						t.kernelUsed.Add(1)
					} else {
						t.pageData.Add(1)
					}
					t.allocated.Add(1)
					return Frame{Addr: addr, Kernel: flags&Kernel != 0}, nil
				}
			} else {
				continue
			}
		}

		if flags&WaitOk == 0 {
			return Frame{}, ErrNoMemory
		}

		gate := newWaiterGate()
		t.waitersMu.Lock()
		t.waiters = append(t.waiters, gate)
		t.waitersMu.Unlock()
		t.waiting.Add(1)
		t.triggerReclaim()

		var err error
		if blockFn != nil {
			err = blockFn(ctx, gate.wait)
		} else {
			err = gate.wait(ctx)
		}
		t.waiting.Add(-1)
		if err != nil {
			return Frame{}, err
		}
	}
}

// Alloc is the infallible form; it panics on exhaustion without WaitOk,
// matching alloc_frame's documented contract: callers that need
// infallible allocation must hold frames or use try_alloc_frame.
func (t *Tracker) Alloc(flags AllocFlags) Frame {
	f, err := t.TryAlloc(context.Background(), flags, nil)
	if err != nil {
		t.log.Error("frame allocation failed without WAIT_OK", zap.Error(err))
		panic(err)
	}
	return f
}

// Free decrements the owning class counter, increments idle and freed,
// pushes the address back onto the free list, and wakes all waiters.
func (t *Tracker) Free(f Frame) {
	if f.Kernel {
		if old := t.kernelUsed.Add(-1); old < 0 {
			panic("frame: kernel_used underflow")
		}
	} else {
		if old := t.pageData.Add(-1); old < 0 {
			panic("frame: page_data underflow")
		}
	}
	t.idle.Add(1)
	t.freed.Add(1)
	t.free.push(f.Addr)
	t.wakeAll()
}

func (t *Tracker) wakeAll() {
	t.waitersMu.Lock()
	woken := t.waiters
	t.waiters = nil
	t.waitersMu.Unlock()
	for _, g := range woken {
		g.wake()
	}
}

// Reclaim hands frames to the reclaim thread's pending list and signals
// it.
func (t *Tracker) Reclaim(frames []Frame) {
	t.reclaimPendingMu.Lock()
	t.reclaimPending = append(t.reclaimPending, frames...)
	t.reclaimPendingMu.Unlock()
	t.triggerReclaim()
}

// TrackPager/UntrackPager adjust the pager_outstanding counter: frames
// currently lent to the external pager.
func (t *Tracker) TrackPager(count int64)   { t.pagerOutstanding.Add(count) }
func (t *Tracker) UntrackPager(count int64) { t.pagerOutstanding.Add(-count) }

// ReclaimRound runs one round of the reclaim thread's loop body: drain
// up to maxPerRound pending frames via Free. It returns the number
// freed this round, for the caller (the reclaim thread's loop, e.g.
// cmd/kcoresim's runReclaim) to decide whether to keep looping. Never allocates while draining,
// matching tracker.rs's "Never allocates while holding the frame-list
// lock."
func (t *Tracker) ReclaimRound() int {
	t.reclaimPendingMu.Lock()
	n := util.Min(len(t.reclaimPending), maxPerRound)
	batch := append([]Frame(nil), t.reclaimPending[:n]...)
	t.reclaimPending = t.reclaimPending[n:]
	t.reclaimPendingMu.Unlock()

	for _, f := range batch {
		t.Free(f)
	}
	if len(batch) > 0 {
		t.reclaimed.Add(int64(len(batch)))
	}
	return len(batch)
}

// MaxReclaimRounds and MaxPerRound bound one reclaim wakeup's work.
const (
	MaxReclaimRounds = maxReclaimRounds
	MaxPerRound      = maxPerRound
)

// Signal is the channel the reclaim thread blocks on between rounds.
func (t *Tracker) Signal() <-chan struct{} { return t.reclaimSignal }

// StatDump renders the tracker's stat line the way biscuit's Pgcount /
// tracker.rs's print_tracker_stats do, formatted with x/text/message
// for the percentage columns.
func (t *Tracker) StatDump(p *message.Printer) string {
	total := t.Total()
	if total == 0 {
		total = 1
	}
	idle, kern, page, loan := t.Idle(), t.KernelUsed(), t.PageData(), t.PagerOutstanding()
	return p.Sprintf("frames: total=%d idle=%d(%d%%) kernel=%d(%d%%) page=%d(%d%%) loaned=%d waiting=%d",
		total, idle, idle*100/total, kern, kern*100/total, page, page*100/total, loan, t.Waiting())
}
