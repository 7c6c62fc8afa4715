package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	rt := Priority{Class: RealTime}
	user := Priority{Class: User}
	bg := Priority{Class: Background}
	idle := Priority{Class: Idle}

	assert.True(t, user.Less(rt))
	assert.True(t, bg.Less(user))
	assert.True(t, idle.Less(bg))
	assert.False(t, rt.Less(idle))
}

func TestPriorityAdjustOrderingWithinClass(t *testing.T) {
	low := Priority{Class: User, Adjust: -1}
	high := Priority{Class: User, Adjust: 1}
	assert.True(t, low.Less(high))
}

func TestQueueNumberRoundTrip(t *testing.T) {
	const nrQueues = 16
	for class := RealTime; class < numClasses; class++ {
		p := Priority{Class: class, Adjust: 0}
		q := p.QueueNumber(nrQueues)
		back := FromQueueNumber(q, nrQueues)
		assert.Equal(t, class, back.Class)
	}
}

func TestDonatePriorityThenRemoveRestoresBase(t *testing.T) {
	th := New()
	base := th.EffectivePriority()
	require.Equal(t, User, base.Class)

	ok := th.DonatePriority(Priority{Class: RealTime})
	require.True(t, ok)
	assert.Equal(t, RealTime, th.EffectivePriority().Class)

	th.RemoveDonatedPriority()
	assert.Equal(t, base, th.EffectivePriority())
}

func TestDonateLowerPriorityIsNoop(t *testing.T) {
	th := New()
	require.True(t, th.DonatePriority(Priority{Class: RealTime}))
	ok := th.DonatePriority(Priority{Class: Background})
	assert.False(t, ok)
	assert.Equal(t, RealTime, th.EffectivePriority().Class)
}

func TestDonateTriggersReschedule(t *testing.T) {
	th := New()
	called := false
	th.Reschedule = func(*Thread) { called = true }
	th.DonatePriority(Priority{Class: RealTime})
	assert.True(t, called)
}

func TestCriticalSectionGuard(t *testing.T) {
	th := New()
	assert.False(t, th.IsCritical())
	g := th.EnterCritical()
	assert.True(t, th.IsCritical())
	g.Close()
	assert.False(t, th.IsCritical())
}

func TestSwitchLockInitialStateForIdle(t *testing.T) {
	idle := NewIdle()
	assert.True(t, idle.SwitchLockHeld())
	idle.SwitchLockRelease()
	assert.False(t, idle.SwitchLockHeld())
}
