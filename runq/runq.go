// Package runq implements the per-CPU run queue: four class-partitioned
// queues (RealTime, User, Background, Idle) with deadline-ordered
// rotation for the timeshare classes. Grounded on
// original_source's processor/sched.rs call-site contract (rq.insert,
// rq.take, rq.current_load, rq.current_timeshare_load, rq.movable,
// rq.deadline, rq.timeslice, rq.hardtick, rq.clock, rq.is_empty,
// rq.current_priority) and processor/rq.rs's RunQueue<N> shape (the
// per-class deadline btree was not present in the retrieved source, so
// its concrete structure here is built to the contract those call
// sites imply).
package runq

import (
	"sync"

	"github.com/google/btree"

	"kfabric/thread"
)

// Quantum bounds, in hardware-tick units.
const (
	MinTimesliceTicks     = 2
	DefaultTimesliceTicks = 32
	MaxTimesliceTicks     = 100
)

// classQuantum is this run queue's per-class timeslice, in ticks.
// RealTime gets the shortest quantum (most responsive), Background the
// longest, matching the "specific per-class values are implementation-
// defined but must respect the bounds" clause.
var classQuantum = [thread.NumClasses]int64{
	thread.RealTime:   MinTimesliceTicks,
	thread.User:       DefaultTimesliceTicks,
	thread.Background: MaxTimesliceTicks,
	thread.Idle:       DefaultTimesliceTicks,
}

// classDeadline is the nanosecond (here: tick) deadline horizon handed
// to a newly-inserted thread of each class, used only by the timeshare
// classes' btree ordering.
var classDeadline = [thread.NumClasses]int64{
	thread.RealTime:   0,
	thread.User:       int64(DefaultTimesliceTicks),
	thread.Background: int64(MaxTimesliceTicks),
	thread.Idle:       int64(MaxTimesliceTicks),
}

// deadlineItem is a btree.Item ordering timeshare threads by
// (deadline, id), giving O(log n) insert/take matching rq.take/
// rq.insert (SPEC_FULL.md §2's btree justification).
type deadlineItem struct {
	deadline int64
	id       uint64
	th       *thread.Thread
}

func (a *deadlineItem) Less(than btree.Item) bool {
	b := than.(*deadlineItem)
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.id < b.id
}

// realtimeQueue is a plain slice in insertion order, scanned on take:
// real-time selects strictly by priority, no deadline rotation.
type realtimeQueue struct {
	items []*thread.Thread
}

func (q *realtimeQueue) insert(t *thread.Thread) {
	q.items = append(q.items, t)
}

// takeHighest removes and returns the highest-effective-priority
// thread, or nil if empty.
func (q *realtimeQueue) takeHighest() *thread.Thread {
	if len(q.items) == 0 {
		return nil
	}
	bestIdx := 0
	best := q.items[0].EffectivePriority()
	for i := 1; i < len(q.items); i++ {
		p := q.items[i].EffectivePriority()
		if best.Less(p) {
			best = p
			bestIdx = i
		}
	}
	t := q.items[bestIdx]
	q.items = append(q.items[:bestIdx], q.items[bestIdx+1:]...)
	return t
}

func (q *realtimeQueue) peekHighest() (thread.Priority, bool) {
	if len(q.items) == 0 {
		return thread.Priority{}, false
	}
	best := q.items[0].EffectivePriority()
	for i := 1; i < len(q.items); i++ {
		if p := q.items[i].EffectivePriority(); best.Less(p) {
			best = p
		}
	}
	return best, true
}

// RunQueue is a single CPU's scheduling queue: one realtimeQueue for
// RealTime, one deadline btree each for User and Background, and a
// trivial idle slot. Clock() is the tick counter
// Hardtick() diffs against.
type RunQueue struct {
	mu sync.Mutex

	rt         realtimeQueue
	timeshare  [2]*btree.BTree // indexed by [0]=User, [1]=Background
	idle       []*thread.Thread

	clock int64
}

func timeshareIndex(c thread.Class) int {
	if c == thread.Background {
		return 1
	}
	return 0
}

// New constructs an empty run queue.
func New() *RunQueue {
	return &RunQueue{
		timeshare: [2]*btree.BTree{btree.New(32), btree.New(32)},
	}
}

// Deadline returns the tick offset from now at which a newly-inserted
// thread of class c should next be reconsidered (each insertion writes
// thread.deadline = now + rq.deadline(class)).
func (rq *RunQueue) Deadline(c thread.Class) int64 { return classDeadline[c] }

// Timeslice returns class c's quantum in ticks, within
// [MinTimesliceTicks, MaxTimesliceTicks].
func (rq *RunQueue) Timeslice(c thread.Class) int64 { return classQuantum[c] }

// Insert pushes t into its effective-priority class's queue, writing
// its deadline and resetting its timeslice counter.
// isCurrent is accepted for parity with the teacher's call signature;
// it does not change queue placement here (the counting treatment of
// a reinserted-current thread lives in the scheduler, not the queue).
func (rq *RunQueue) Insert(t *thread.Thread, isCurrent bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	pri := t.EffectivePriority()
	s := t.Sched()
	s.Deadline = rq.clock + rq.Deadline(pri.Class)
	s.TimesliceRemaining = rq.Timeslice(pri.Class)
	t.SetSched(s)

	switch pri.Class {
	case thread.RealTime:
		rq.rt.insert(t)
	case thread.Idle:
		rq.idle = append(rq.idle, t)
	default:
		idx := timeshareIndex(pri.Class)
		rq.timeshare[idx].ReplaceOrInsert(&deadlineItem{deadline: s.Deadline, id: t.ID(), th: t})
	}
}

// Take removes and returns the next thread to run: RealTime first (by
// priority), then the timeshare class with the earliest deadline, then
// Idle. With stealing set, only Movable threads are candidates: the
// real-time and idle queues are skipped and only the timeshare classes
// are consulted.
func (rq *RunQueue) Take(stealing bool) *thread.Thread {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.takeLocked(stealing)
}

func (rq *RunQueue) takeLocked(stealing bool) *thread.Thread {
	if !stealing {
		if t := rq.rt.takeHighest(); t != nil {
			return t
		}
	}

	var best *deadlineItem
	var bestIdx = -1
	for i, bt := range rq.timeshare {
		if bt.Len() == 0 {
			continue
		}
		item := bt.Min().(*deadlineItem)
		if best == nil || item.deadline < best.deadline {
			best = item
			bestIdx = i
		}
	}
	if best != nil {
		rq.timeshare[bestIdx].Delete(best)
		return best.th
	}

	if !stealing && len(rq.idle) > 0 {
		t := rq.idle[0]
		rq.idle = rq.idle[1:]
		return t
	}
	return nil
}

// IsEmpty reports whether the queue holds no threads at all.
func (rq *RunQueue) IsEmpty() bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.rt.items) == 0 && rq.timeshare[0].Len() == 0 && rq.timeshare[1].Len() == 0 && len(rq.idle) == 0
}

// CurrentLoad is the total enqueued count across all classes.
func (rq *RunQueue) CurrentLoad() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.rt.items) + rq.timeshare[0].Len() + rq.timeshare[1].Len() + len(rq.idle)
}

// CurrentTimeshareLoad is the User+Background subset of CurrentLoad.
func (rq *RunQueue) CurrentTimeshareLoad() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.timeshare[0].Len() + rq.timeshare[1].Len()
}

// Movable is the count of threads a stealer may take: every enqueued
// thread except real-time (kept local for cache affinity of latency-
// sensitive work) and the idle placeholder.
func (rq *RunQueue) Movable() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.timeshare[0].Len() + rq.timeshare[1].Len()
}

// CurrentPriority is the max effective priority across all enqueued
// threads, or Idle with Adjust -1 (below any enqueued thread, an idle
// one included) if empty.
func (rq *RunQueue) CurrentPriority() thread.Priority {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	best := thread.Priority{Class: thread.Idle}
	any := false
	if p, ok := rq.rt.peekHighest(); ok {
		best, any = p, true
	}
	for _, bt := range rq.timeshare {
		bt.Ascend(func(i btree.Item) bool {
			p := i.(*deadlineItem).th.EffectivePriority()
			if !any || best.Less(p) {
				best, any = p, true
			}
			return true
		})
	}
	for _, t := range rq.idle {
		if p := t.EffectivePriority(); !any || best.Less(p) {
			best, any = p, true
		}
	}
	if !any {
		return thread.Priority{Class: thread.Idle, Adjust: -1}
	}
	return best
}

// Clock returns the queue's local tick counter.
func (rq *RunQueue) Clock() int64 {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.clock
}

// Hardtick advances the queue's tick counter by one, returning the new
// value and the delta since the previous call (always 1 here; the
// teacher's variant admits variable tick sources, this port assumes a
// fixed simulated tick).
func (rq *RunQueue) Hardtick() (now int64, delta int64) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.clock++
	return rq.clock, 1
}
