package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfabric/thread"
)

func flatTopology(ids ...uint32) *Topology {
	root := NewTopoNode(TopoSystem)
	for _, id := range ids {
		root.SetCPU(id)
	}
	procs := make([]*Processor, 0, len(ids))
	for _, id := range ids {
		procs = append(procs, NewProcessor(id, thread.NewIdle()))
	}
	return NewTopology(root, ids[0], procs...)
}

func newTestScheduler(ids ...uint32) *Scheduler {
	s := New(flatTopology(ids...))
	s.Rand = func() uint32 { return 0 }
	return s
}

func TestSelectCPUPrefersIdlePreferredCPU(t *testing.T) {
	s := newTestScheduler(0, 1)
	th := thread.New()
	sched := th.Sched()
	sched.PreferredCPU = 1
	th.SetSched(sched)

	assert.Equal(t, uint32(1), s.SelectCPU(th, nil))
}

func TestSelectCPUFallsBackToLeastLoaded(t *testing.T) {
	s := newTestScheduler(0, 1)
	busy := s.Topo.GetProcessor(0)
	for i := 0; i < 3; i++ {
		busy.RQ.Insert(thread.New(), false)
	}

	th := thread.New()
	got := s.SelectCPU(th, nil)
	assert.Equal(t, uint32(1), got)
}

func TestScheduleThreadOnCPUInsertsAndSetsPreferredCPU(t *testing.T) {
	s := newTestScheduler(0, 1)
	proc := s.Topo.GetProcessor(1)
	th := thread.New()
	s.ScheduleThreadOnCPU(th, proc, false, 0)

	assert.Equal(t, 1, proc.RQ.CurrentLoad())
	assert.Equal(t, int32(1), th.Sched().PreferredCPU)
}

func TestTryStealTakesFromOverloadedNeighbor(t *testing.T) {
	s := newTestScheduler(0, 1)
	neighbor := s.Topo.GetProcessor(1)
	a := thread.New()
	b := thread.New()
	neighbor.RQ.Insert(a, false)
	neighbor.RQ.Insert(b, false)

	us := s.Topo.GetProcessor(0)
	stolen := s.TrySteal(us)
	require.NotNil(t, stolen)
	assert.Equal(t, 1, neighbor.RQ.CurrentLoad())
}

func TestTryStealReturnsNilBelowThreshold(t *testing.T) {
	s := newTestScheduler(0, 1)
	neighbor := s.Topo.GetProcessor(1)
	neighbor.RQ.Insert(thread.New(), false)

	us := s.Topo.GetProcessor(0)
	assert.Nil(t, s.TrySteal(us))
}

func TestBalanceMovesThreadFromOverloadedToIdleCPU(t *testing.T) {
	s := newTestScheduler(0, 1)
	donor := s.Topo.GetProcessor(0)
	for i := 0; i < 4; i++ {
		donor.RQ.Insert(thread.New(), false)
	}
	recipient := s.Topo.GetProcessor(1)

	s.Balance()
	assert.Greater(t, recipient.RQ.CurrentLoad(), 0, "balance should have migrated at least one thread")
	assert.Equal(t, 4, recipient.RQ.CurrentLoad()+donor.RQ.CurrentLoad())
}

func TestDoScheduleSwitchesToHigherPriorityThread(t *testing.T) {
	s := newTestScheduler(0)
	proc := s.Topo.GetProcessor(0)
	cur := thread.New()
	cur.SetSched(thread.SchedState{LastCPU: 0, PreferredCPU: 0})
	proc.current.Store(cur)

	next := thread.New()
	next.SetBasePriority(thread.Priority{Class: thread.RealTime})
	proc.RQ.Insert(next, false)

	s.Schedule(proc, Reinsert)
	assert.Equal(t, next.ID(), proc.Current().ID())
	// invariant 4: the running thread's priority tracking is current.
	assert.Equal(t, next.EffectivePriority(), proc.CurrentPriority())
}

func TestScheduleHardtickMarksPreemptOnQuantumExpiry(t *testing.T) {
	s := newTestScheduler(0)
	proc := s.Topo.GetProcessor(0)
	cur := thread.New()
	cur.SetSched(thread.SchedState{LastCPU: 0, TimesliceRemaining: 1})
	proc.current.Store(cur)

	s.ScheduleHardtick(proc)
	assert.True(t, proc.ConsumePreempt())
}

func TestNeedsRescheduleFalseWhenCritical(t *testing.T) {
	s := newTestScheduler(0)
	proc := s.Topo.GetProcessor(0)
	cur := thread.New()
	proc.RQ.Insert(thread.New(), false)
	guard := cur.EnterCritical()
	defer guard.Close()

	assert.False(t, s.NeedsReschedule(proc, cur, true))
}
