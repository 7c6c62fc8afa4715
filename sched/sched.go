package sched

import (
	"math/rand"

	"kfabric/thread"
)

// SchedFlags controls Schedule's reinsertion behavior.
type SchedFlags uint32

const (
	Reinsert SchedFlags = 1 << iota
	Yield
	Preempt
)

// Contains reports whether f includes all bits of other.
func (f SchedFlags) Contains(other SchedFlags) bool { return f&other == other }

// StealLoadThresh is the minimum load a neighbor CPU must carry before
// it is considered for stealing.
const StealLoadThresh = 2

// Tracer receives scheduler events for observability; the trace
// package implements this. A nil Tracer on Scheduler is a valid no-op.
type Tracer interface {
	Switch(from, to *thread.Thread, flags SchedFlags)
	Migrate(th *thread.Thread, from, to uint32)
}

// Scheduler coordinates CPU selection, stealing and balancing across a
// Topology. It holds no "current CPU" global state (the teacher's
// thread-locals): callers pass the acting Processor explicitly,
// matching idiomatic Go's preference for explicit state over
// ambient/thread-local lookups.
type Scheduler struct {
	Topo   *Topology
	Tracer Tracer

	// Rand supplies the jitter source for jload = load·256 - rand()&127;
	// overridable for deterministic tests.
	Rand func() uint32
}

// New constructs a Scheduler over topo.
func New(topo *Topology) *Scheduler {
	return &Scheduler{Topo: topo, Rand: func() uint32 { return rand.Uint32() }}
}

func (s *Scheduler) jitter() uint32 { return s.Rand() & 127 }

type searchResult struct {
	load int64
	cpu  uint32
	ok   bool
}

// findCPU walks the topology tree looking for the highest- (or lowest-
// if !highest) jittered-loaded leaf CPU matching the optional priority
// and allowed-set filters (processor/sched.rs::find_cpu_from_topo).
func (s *Scheduler) findCPU(node *CPUTopoNode, highest bool, pri *thread.Priority, allowed *CpuSet) searchResult {
	if len(node.children) > 0 {
		var best searchResult
		for _, child := range node.children {
			res := s.findCPU(child, highest, pri, allowed)
			if !res.ok {
				continue
			}
			if !best.ok || (highest && res.load > best.load) || (!highest && res.load < best.load) {
				best = res
			}
		}
		return best
	}

	var best searchResult
	node.cpuRange(func(c uint32) {
		proc := s.Topo.GetProcessor(c)
		if proc == nil {
			return
		}
		if pri != nil && pri.Less(proc.CurrentPriority()) {
			return
		}
		if allowed != nil && !allowed.Contains(c) {
			return
		}
		load := int64(proc.CurrentLoad())
		jload := load*256 - int64(s.jitter())
		if !best.ok || (highest && jload > best.load) || (!highest && jload < best.load) {
			best = searchResult{load: jload, cpu: c, ok: true}
		}
	})
	return best
}

// SelectCPU implements the scheduler's three-tier CPU selection:
// preferred CPU, then a topology-wide search biased by priority, then
// an unconstrained fallback.
func (s *Scheduler) SelectCPU(th *thread.Thread, tryAvoid *uint32) uint32 {
	sched := th.Sched()
	if sched.PreferredCPU >= 0 && (tryAvoid == nil || *tryAvoid != uint32(sched.PreferredCPU)) {
		proc := s.Topo.GetProcessor(uint32(sched.PreferredCPU))
		if proc != nil {
			if proc.RQ.CurrentLoad() == 0 {
				return proc.ID
			}
			if proc.CurrentPriority().Less(th.EffectivePriority()) {
				return proc.ID
			}
		}
	}

	pri := th.EffectivePriority()
	if res := s.findCPU(s.Topo.Root, false, &pri, nil); res.ok {
		if tryAvoid == nil || *tryAvoid != res.cpu {
			return res.cpu
		}
	}

	res := s.findCPU(s.Topo.Root, false, nil, nil)
	return res.cpu
}

func (s *Scheduler) resetThreadTime(th *thread.Thread, proc *Processor) {
	sched := th.Sched()
	now, _ := proc.RQ.Hardtick()
	sched.Deadline = now + proc.RQ.Deadline(th.EffectivePriority().Class)
	sched.TimesliceRemaining = proc.RQ.Timeslice(th.EffectivePriority().Class)
	th.SetSched(sched)
}

// ScheduleThreadOnCPU inserts th onto proc's run queue, waking proc if
// it is idle or lower priority than th and proc is not the caller
// itself.
func (s *Scheduler) ScheduleThreadOnCPU(th *thread.Thread, proc *Processor, isCurrent bool, callerID uint32) {
	shouldSignal := proc.ID != callerID &&
		(proc.RQ.IsEmpty() || !th.EffectivePriority().Less(proc.RQ.CurrentPriority()))

	sched := th.Sched()
	sched.PreferredCPU = int32(proc.ID)
	th.SetSched(sched)

	proc.RQ.Insert(th, isCurrent)
	if shouldSignal {
		proc.wakeup()
	}
}

// ScheduleThread places a newly-runnable thread via SelectCPU, as if
// issued from the given caller processor.
func (s *Scheduler) ScheduleThread(th *thread.Thread, caller *Processor) {
	th.SetState(thread.Running)
	if th.IsIdle() {
		return
	}
	cpuid := s.SelectCPU(th, nil)
	proc := s.Topo.GetProcessor(cpuid)
	s.ScheduleThreadOnCPU(th, proc, false, caller.ID)
}

func (s *Scheduler) takeFrom(donor *Processor, recipientID uint32) *thread.Thread {
	th := donor.RQ.Take(recipientID != donor.ID)
	if th == nil {
		return nil
	}
	sched := th.Sched()
	sched.PreferredCPU = int32(recipientID)
	th.SetSched(sched)
	return th
}

func (s *Scheduler) chooseStealVictim(node *CPUTopoNode, allowed *CpuSet) (uint32, bool) {
	if allowed.IsEmpty() {
		return 0, false
	}
	var found uint32
	var ok bool
	node.cpuRange(func(c uint32) {
		if ok || !allowed.Contains(c) {
			return
		}
		proc := s.Topo.GetProcessor(c)
		if proc == nil {
			return
		}
		if proc.CurrentLoad() >= StealLoadThresh && proc.RQ.Movable() > 0 {
			found, ok = proc.ID, true
			return
		}
		allowed.Remove(c)
	})
	if ok {
		return found, true
	}
	if node.parent == nil {
		return 0, false
	}
	return s.chooseStealVictim(node.parent, allowed)
}

// TrySteal attempts to take one thread from a neighboring, sufficiently
// loaded, movable-having CPU for caller.
func (s *Scheduler) TrySteal(caller *Processor) *thread.Thread {
	ourNode := s.Topo.Root.FindCPU(caller.ID)
	if ourNode == nil {
		return nil
	}
	allowed := s.Topo.CPUSet()
	allowed.Remove(caller.ID)

	cpuid, ok := s.chooseStealVictim(ourNode, allowed)
	if !ok {
		return nil
	}
	if !caller.RQ.IsEmpty() {
		return caller.RQ.Take(false)
	}
	victim := s.Topo.GetProcessor(cpuid)
	if victim.CurrentLoad() < StealLoadThresh {
		return nil
	}
	return s.takeFrom(victim, caller.ID)
}

type balancePair struct {
	donor, recipient uint32
	ok               bool
}

func (s *Scheduler) chooseBalancePair(allowed *CpuSet) balancePair {
	if allowed.IsEmpty() {
		return balancePair{}
	}
	var lowID, highID uint32
	var lowLoad, highLoad int64 = -1, -1
	var haveLow, haveHigh bool

	s.Topo.Root.cpuRange(func(c uint32) {
		if !allowed.Contains(c) {
			return
		}
		proc := s.Topo.GetProcessor(c)
		if proc == nil {
			return
		}
		jload := int64(proc.CurrentLoad())*256 - int64(s.jitter())
		if !haveHigh || jload > highLoad {
			highID, highLoad, haveHigh = proc.ID, jload, true
		}
		if !haveLow || jload < lowLoad {
			lowID, lowLoad, haveLow = proc.ID, jload, true
		}
	})
	if haveLow && lowID != highID {
		return balancePair{donor: highID, recipient: lowID, ok: true}
	}
	return balancePair{}
}

// MaxBalanceSteps bounds how many pairs Balance will examine per call.
const MaxBalanceSteps = 20

// Balance runs one periodic rebalancing pass: repeatedly finds the
// highest/lowest jittered-load CPU pair and migrates one thread from
// donor to recipient. Callers are expected
// to invoke this only from the BSP, on a roughly 1-second ± jitter
// period (Topology.IsBSP / the caller's own ticker own the cooldown;
// this port does not hide a sleep inside a library call).
func (s *Scheduler) Balance() {
	allowed := s.Topo.CPUSet()
	steps := 0
	for steps < MaxBalanceSteps {
		pair := s.chooseBalancePair(allowed)
		if !pair.ok {
			break
		}
		donor := s.Topo.GetProcessor(pair.donor)
		recipient := s.Topo.GetProcessor(pair.recipient)
		if donor.CurrentLoad() == 0 {
			break
		}

		donor.SetRebalance()
		if donor.RQ.CurrentLoad() > 0 {
			allowed.Remove(pair.recipient)
			if th := s.takeFrom(donor, recipient.ID); th != nil {
				s.ScheduleThreadOnCPU(th, recipient, false, donor.ID)
				steps += 10
			}
		} else if donor.CurrentLoad() == 1 {
			allowed.Remove(pair.donor)
		}
		steps++
	}
}

// NeedsReschedule reports whether proc's currently running thread
// should yield, per needs_reschedule's rule.
func (s *Scheduler) NeedsReschedule(proc *Processor, cur *thread.Thread, ticking bool) bool {
	if cur.IsCritical() {
		return false
	}
	if proc.RQ.IsEmpty() {
		return false
	}
	rqPri := proc.RQ.CurrentPriority()
	curPri := cur.EffectivePriority()
	if curPri.Less(rqPri) {
		return true
	}
	if ticking && !rqPri.Less(curPri) {
		return true
	}
	return false
}

// ScheduleHardtick implements the scheduler's tick handler: advances
// the queue clock, pays down the current thread's timeslice, and marks
// preempt if a reschedule is warranted. Returns the next one-shot
// timer target in ticks.
func (s *Scheduler) ScheduleHardtick(proc *Processor) int64 {
	proc.Stats.Hardticks.Add(1)
	cur := proc.Current()
	resched := s.NeedsReschedule(proc, cur, true)
	_, delta := proc.RQ.Hardtick()

	curPri := cur.EffectivePriority()
	sched := cur.Sched()
	sched.TimesliceRemaining -= delta
	tsExpire := sched.TimesliceRemaining <= 0
	cur.SetSched(sched)

	rqPri := proc.RQ.CurrentPriority()
	if resched || tsExpire {
		proc.MarkPreempt()
	}
	return proc.RQ.Timeslice(thread.Max(rqPri, curPri).Class)
}

func (s *Scheduler) rqHasHigher(cur *thread.Thread, proc *Processor, eq bool) bool {
	thPri := cur.EffectivePriority()
	rqPri := proc.RQ.CurrentPriority()
	if thPri.Less(rqPri) {
		return true
	}
	return eq && !rqPri.Less(thPri)
}

// switchTo installs next as proc's running thread, updates its
// preferred-CPU/current-priority bookkeeping, traces the transition,
// arms proc's one-shot quantum timer for next's class, and resets the
// rebalance marker. It does not perform a real register-level
// context switch (there is none to perform in this library); callers
// that embed this in an actual execution harness hook their own stack
// swap around this call.
func (s *Scheduler) switchTo(proc *Processor, next, old *thread.Thread, flags SchedFlags) {
	prevCPU := next.Sched()
	oldCPU := uint32(prevCPU.LastCPU)
	migrated := prevCPU.LastCPU >= 0 && uint32(prevCPU.LastCPU) != proc.ID
	prevCPU.LastCPU = int32(proc.ID)
	prevCPU.PreferredCPU = int32(proc.ID)
	next.SetSched(prevCPU)

	if old.ID() != next.ID() {
		if s.Tracer != nil {
			s.Tracer.Switch(old, next, flags)
		}
	}
	proc.Stats.Switches.Add(1)

	if migrated && s.Tracer != nil {
		s.Tracer.Migrate(next, oldCPU, proc.ID)
	}

	if !next.IsIdle() {
		p := next.EffectivePriority()
		proc.currentPriority.Store(&p)
	} else {
		zero := thread.Priority{Class: thread.Idle}
		proc.currentPriority.Store(&zero)
	}
	proc.ResetRebalance()
	proc.current.Store(next)

	if proc.Timer != nil {
		if next.IsIdle() {
			proc.Timer.ScheduleOneshotTick(0)
		} else {
			proc.Timer.ScheduleOneshotTick(uint64(proc.RQ.Timeslice(next.EffectivePriority().Class)))
		}
	}
}

// doSchedule implements the scheduler's schedule() body for proc, whose
// currently running thread is cur.
func (s *Scheduler) doSchedule(proc *Processor, cur *thread.Thread, flags SchedFlags) {
	guard := cur.EnterCritical()
	defer guard.Close()

	if !cur.IsIdle() && flags.Contains(Reinsert) {
		if flags.Contains(Preempt) || proc.MustRebalance() || s.rqHasHigher(cur, proc, flags.Contains(Yield)) {
			cpuid := proc.ID
			if proc.MustRebalance() {
				avoid := proc.ID
				cpuid = s.SelectCPU(cur, &avoid)
			}
			target := s.Topo.GetProcessor(cpuid)
			s.ScheduleThreadOnCPU(cur, target, false, proc.ID)
		} else if flags.Contains(Yield) {
			s.ScheduleThreadOnCPU(cur, proc, false, proc.ID)
		} else {
			s.resetThreadTime(cur, proc)
			return
		}
	}

	next := proc.RQ.Take(false)
	if next != nil {
		if next.ID() == cur.ID() {
			return
		}
		s.switchTo(proc, next, cur, flags)
		return
	}

	if stolen := s.TrySteal(proc); stolen != nil {
		proc.Stats.Steals.Add(1)
		s.switchTo(proc, stolen, cur, flags)
		return
	}

	if cur.IsIdle() {
		return
	}
	s.switchTo(proc, proc.idleThread, cur, flags)
}

// Schedule is the cooperative reschedule entry point for proc. It is a
// no-op while the current thread is in a critical section, deferring
// via the preempt marker instead.
func (s *Scheduler) Schedule(proc *Processor, flags SchedFlags) {
	cur := proc.Current()
	if cur.IsCritical() {
		proc.MarkPreempt()
		return
	}
	s.doSchedule(proc, cur, flags)
}

// MaybePreempt consumes proc's preempt marker, if set, and runs a full
// reschedule (schedule_maybe_preempt).
func (s *Scheduler) MaybePreempt(proc *Processor) {
	if proc.ConsumePreempt() {
		proc.Stats.Preempts.Add(1)
		s.Schedule(proc, Preempt|Reinsert)
	}
}

// AbortCurrent is the thread-exit path for a condition fatal to proc's
// currently running thread (a page fault that could not be resolved, an
// upcall that could not be delivered) but not to the kernel as a whole.
// It marks the thread Exited, defers its removal to proc's cleanup list
// (drained on the next stat tick), and reschedules without reinserting
// it, the way thread_exit hands off to schedule() without requeuing the
// exiting thread.
func (s *Scheduler) AbortCurrent(proc *Processor, code uint64) {
	cur := proc.Current()
	if cur.IsIdle() {
		return
	}
	cur.Abort(code)
	proc.QueueExited(cur)
	s.Schedule(proc, 0)
}
