package runq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfabric/thread"
)

func TestInsertTakeRealtimeStrictlyByPriority(t *testing.T) {
	rq := New()
	low := thread.New()
	low.SetBasePriority(thread.Priority{Class: thread.RealTime, Adjust: 0})
	high := thread.New()
	high.SetBasePriority(thread.Priority{Class: thread.RealTime, Adjust: 5})

	rq.Insert(low, false)
	rq.Insert(high, false)

	got := rq.Take(false)
	require.NotNil(t, got)
	assert.Equal(t, high.ID(), got.ID())
	got = rq.Take(false)
	require.NotNil(t, got)
	assert.Equal(t, low.ID(), got.ID())
}

func TestRealtimeBeatsTimeshareAndIdle(t *testing.T) {
	rq := New()
	idle := thread.NewIdle()
	user := thread.New()
	rt := thread.New()
	rt.SetBasePriority(thread.Priority{Class: thread.RealTime})

	rq.Insert(idle, false)
	rq.Insert(user, false)
	rq.Insert(rt, false)

	got := rq.Take(false)
	require.NotNil(t, got)
	assert.Equal(t, rt.ID(), got.ID())
	got = rq.Take(false)
	require.NotNil(t, got)
	assert.Equal(t, user.ID(), got.ID())
	got = rq.Take(false)
	require.NotNil(t, got)
	assert.Equal(t, idle.ID(), got.ID())
}

func TestInsertWritesDeadlineAndTimeslice(t *testing.T) {
	rq := New()
	th := thread.New()
	rq.Insert(th, false)
	s := th.Sched()
	assert.Equal(t, rq.Timeslice(thread.User), s.TimesliceRemaining)
	assert.Equal(t, rq.Deadline(thread.User), s.Deadline)
}

func TestCurrentLoadInvariant(t *testing.T) {
	// spec.md §8 invariant 1: class-sum == current_load.
	rq := New()
	rq.Insert(thread.New(), false)
	rq.Insert(thread.New(), false)
	rt := thread.New()
	rt.SetBasePriority(thread.Priority{Class: thread.RealTime})
	rq.Insert(rt, false)

	assert.Equal(t, 3, rq.CurrentLoad())
	assert.Equal(t, 2, rq.CurrentTimeshareLoad())
}

func TestMovableExcludesRealtimeAndIdle(t *testing.T) {
	rq := New()
	rq.Insert(thread.NewIdle(), false)
	rt := thread.New()
	rt.SetBasePriority(thread.Priority{Class: thread.RealTime})
	rq.Insert(rt, false)
	rq.Insert(thread.New(), false)

	assert.Equal(t, 1, rq.Movable())
}

func TestCurrentPriorityTracksHighestEnqueued(t *testing.T) {
	rq := New()
	u := thread.New()
	rq.Insert(u, false)
	assert.Equal(t, u.EffectivePriority(), rq.CurrentPriority())

	rt := thread.New()
	rt.SetBasePriority(thread.Priority{Class: thread.RealTime})
	rq.Insert(rt, false)
	assert.Equal(t, rt.EffectivePriority(), rq.CurrentPriority())
}

func TestIsEmptyAndHardtickClock(t *testing.T) {
	rq := New()
	assert.True(t, rq.IsEmpty())
	rq.Insert(thread.New(), false)
	assert.False(t, rq.IsEmpty())

	now, delta := rq.Hardtick()
	assert.Equal(t, int64(1), now)
	assert.Equal(t, int64(1), delta)
	assert.Equal(t, int64(1), rq.Clock())
}

func TestTimeshareOrderedByDeadlineThenID(t *testing.T) {
	rq := New()
	a := thread.New()
	b := thread.New()
	// Insert a first so it gets an earlier-or-equal deadline at the same
	// clock tick; ties break by id (insertion order here).
	rq.Insert(a, false)
	rq.Insert(b, false)

	first := rq.Take(false)
	second := rq.Take(false)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, a.ID(), first.ID())
	assert.Equal(t, b.ID(), second.ID())
}
