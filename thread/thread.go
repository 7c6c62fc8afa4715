// Package thread implements the fabric's thread record: priority
// classes, donation, critical sections and execution state.
package thread

import (
	"sync"
	"sync/atomic"

	"kfabric/archif"
	"kfabric/objif"
	"kfabric/util"
)

// Class orders threads coarsely; RealTime is highest, Idle lowest.
type Class int

const (
	RealTime Class = iota
	User
	Background
	Idle
	numClasses
)

// NumClasses is the number of priority classes, exported for runq's
// per-class queue sizing.
const NumClasses = int(numClasses)

func (c Class) String() string {
	switch c {
	case RealTime:
		return "realtime"
	case User:
		return "user"
	case Background:
		return "background"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

/// Priority is a class plus a signed within-class adjustment. Ordering
/// is reversed on class number (RealTime, numerically 0, outranks
/// everything) matching thread.rs's "backwards because of how priority
/// works" comment.
type Priority struct {
	Class  Class
	Adjust int32
}

// Less reports whether p sorts below other (other has strictly higher
// priority).
func (p Priority) Less(other Priority) bool {
	if p.Class != other.Class {
		return p.Class > other.Class // higher class number == lower priority
	}
	return p.Adjust < other.Adjust
}

// Max returns the higher-priority of a and b.
func Max(a, b Priority) Priority {
	if a.Less(b) {
		return b
	}
	return a
}

// QueueNumber maps a priority to a queue index in a run queue with
// nrQueues total slots split evenly across the four classes.
func (p Priority) QueueNumber(nrQueues int) int {
	perClass := nrQueues / NumClasses
	equilibrium := perClass / 2
	base := int(p.Class)*perClass + equilibrium
	adj := util.Max(util.Min(int(p.Adjust), equilibrium), -equilibrium)
	q := base + adj
	if q < 0 {
		q = 0
	}
	if q >= nrQueues {
		q = nrQueues - 1
	}
	return q
}

// FromQueueNumber is the inverse of QueueNumber.
func FromQueueNumber(queue, nrQueues int) Priority {
	perClass := nrQueues / NumClasses
	class := queue / perClass
	equilibrium := perClass / 2
	base := class*perClass + equilibrium
	return Priority{Class: Class(class), Adjust: int32(queue - base)}
}

// State is a thread's execution state.
type State int

const (
	Starting State = iota
	Running
	Sleeping
	Suspended
	Exited
)

const (
	flagIdle = 1 << iota
	flagHasDonated
	flagInKernel
)

// SchedState is the per-thread scheduler bookkeeping the run queue and
// scheduler mutate directly.
type SchedState struct {
	LastCPU           int32
	PreferredCPU      int32
	TimesliceRemaining int64
	Deadline          int64
}

// Thread is the fabric's thread record.
type Thread struct {
	id uint64

	basePriority Priority
	donated      atomic.Pointer[Priority]
	flags        atomic.Uint32

	state          atomic.Int32
	exitCode       atomic.Uint64
	criticalCount  atomic.Int64
	switchLock     atomic.Uint64 // 1 == held; released by the first switcher-in
	currentCPU     atomic.Int32  // -1 when not enqueued

	mu    sync.Mutex
	sched SchedState

	// MemCtx is the thread's virtual context; nil for kernel threads that
	// run entirely in the shared kernel context.
	MemCtx archif.ArchContext
	// ObjRepr is this thread's attached object identifier (repr).
	ObjRepr objif.ObjID

	// Reschedule is invoked when the thread's effective priority changes:
	// by DonatePriority when it rises, by RemoveDonatedPriority when it
	// falls; the scheduler installs this to request an IPI rather
	// than thread importing sched (which would cycle import thread).
	Reschedule func(t *Thread)
}

var idCounter atomic.Uint64

// New creates a thread with User priority, Starting state, not enqueued.
func New() *Thread {
	t := &Thread{
		id:           idCounter.Add(1),
		basePriority: Priority{Class: User},
	}
	t.flags.Store(flagInKernel)
	t.state.Store(int32(Starting))
	t.currentCPU.Store(-1)
	t.switchLock.Store(1)
	t.sched.LastCPU = -1
	t.sched.PreferredCPU = -1
	return t
}

// NewIdle creates the per-CPU idle thread: Idle class, switch-lock held
// (a thread's initial switch-lock is 1, so it must be released by the
// first switcher-in).
func NewIdle() *Thread {
	t := New()
	t.basePriority = Priority{Class: Idle}
	t.flags.Store(t.flags.Load() | flagIdle)
	t.switchLock.Store(1)
	return t
}

// ID returns the thread's unique id.
func (t *Thread) ID() uint64 { return t.id }

// IsIdle reports whether this is a CPU's idle thread.
func (t *Thread) IsIdle() bool { return t.flags.Load()&flagIdle != 0 }

// IsInKernel reports whether the thread is currently executing kernel code.
func (t *Thread) IsInKernel() bool { return t.flags.Load()&flagInKernel != 0 }

// EnterKernel marks the thread as having crossed into the kernel.
func (t *Thread) EnterKernel() { t.flags.Store(t.flags.Load() | flagInKernel) }

// ExitKernel marks the thread as returning to user space.
func (t *Thread) ExitKernel() { t.flags.Store(t.flags.Load() &^ flagInKernel) }

// State returns the thread's execution state.
func (t *Thread) State() State { return State(t.state.Load()) }

// SetState sets the thread's execution state.
func (t *Thread) SetState(s State) { t.state.Store(int32(s)) }

// Abort is the fabric's thread-exit path for a condition fatal to this
// thread but not the kernel: it records code and sets State to Exited.
// Cleanup (removing the thread from whatever CPU's run queue still
// references it) is deferred to that CPU's next stat tick, not done
// here.
func (t *Thread) Abort(code uint64) {
	t.exitCode.Store(code)
	t.SetState(Exited)
}

// ExitCode returns the code passed to Abort and true, or (0, false) if
// the thread has not exited.
func (t *Thread) ExitCode() (uint64, bool) {
	if t.State() != Exited {
		return 0, false
	}
	return t.exitCode.Load(), true
}

// BasePriority returns the thread's undonated priority.
func (t *Thread) BasePriority() Priority { return t.basePriority }

// SetBasePriority sets the thread's undonated priority (used only at
// construction / explicit renice; donation never touches this field).
func (t *Thread) SetBasePriority(p Priority) { t.basePriority = p }

// EffectivePriority is max(base, donated).
func (t *Thread) EffectivePriority() Priority {
	if t.flags.Load()&flagHasDonated != 0 {
		if d := t.donated.Load(); d != nil {
			return Max(*d, t.basePriority)
		}
	}
	return t.basePriority
}

// DonatePriority raises the thread's donated priority to p, unless an
// equal or higher donation is already in place. Returns true if p was
// recorded as the donation, false if it was a no-op; Reschedule is
// invoked only when the effective priority actually rose.
func (t *Thread) DonatePriority(p Priority) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.EffectivePriority()
	if cur := t.donated.Load(); cur != nil && !cur.Less(p) {
		return false
	}
	t.donated.Store(&p)
	t.flags.Store(t.flags.Load() | flagHasDonated)
	rose := before.Less(t.EffectivePriority())
	if rose && t.Reschedule != nil {
		t.Reschedule(t)
	}
	return true
}

// RemoveDonatedPriority clears any donation in place.
func (t *Thread) RemoveDonatedPriority() {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.EffectivePriority()
	t.flags.Store(t.flags.Load() &^ flagHasDonated)
	t.donated.Store(nil)
	if t.EffectivePriority().Less(before) && t.Reschedule != nil {
		t.Reschedule(t)
	}
}

// DonatedPriority returns the current donation, if any.
func (t *Thread) DonatedPriority() (Priority, bool) {
	if d := t.donated.Load(); d != nil {
		return *d, true
	}
	return Priority{}, false
}

// CriticalGuard releases a critical section on Close; obtained from
// EnterCritical.
type CriticalGuard struct{ t *Thread }

// Close decrements the thread's critical-section counter.
func (g CriticalGuard) Close() { g.t.criticalCount.Add(-1) }

// EnterCritical increments the thread's critical-section depth; while
// positive, the scheduler defers preemption of this thread.
func (t *Thread) EnterCritical() CriticalGuard {
	t.criticalCount.Add(1)
	return CriticalGuard{t: t}
}

// IsCritical reports whether the thread is inside a critical section.
func (t *Thread) IsCritical() bool { return t.criticalCount.Load() > 0 }

// SwitchLockAcquire spins until it wins the switch-lock exchange,
// returning only once this CPU owns the thread.
func (t *Thread) SwitchLockAcquire() {
	for !t.switchLock.CompareAndSwap(0, 1) {
	}
}

// SwitchLockRelease releases the switch-lock (a SeqCst store, matching
// the mfence-bracketed release in __do_switch).
func (t *Thread) SwitchLockRelease() { t.switchLock.Store(0) }

// SwitchLockHeld reports whether the switch-lock is held (value 1; a
// running thread holds it).
func (t *Thread) SwitchLockHeld() bool { return t.switchLock.Load() == 1 }

// Sched returns a copy of the thread's scheduler-private state.
func (t *Thread) Sched() SchedState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched
}

// SetSched replaces the thread's scheduler-private state.
func (t *Thread) SetSched(s SchedState) {
	t.mu.Lock()
	t.sched = s
	t.mu.Unlock()
}

// CurrentCPU returns the CPU id this thread is enqueued on, or -1.
func (t *Thread) CurrentCPU() int32 { return t.currentCPU.Load() }

// SetCurrentCPU records which CPU's run queue holds this thread.
func (t *Thread) SetCurrentCPU(cpu int32) { t.currentCPU.Store(cpu) }
