package trap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfabric/fault"
)

type fakeResolver struct {
	called bool
	vaddr  uint64
	cause  fault.Cause
	flags  fault.Flags
	err    error
}

func (f *fakeResolver) ResolveFault(vaddr uint64, cause fault.Cause, flags fault.Flags, ip uint64) error {
	f.called = true
	f.vaddr, f.cause, f.flags = vaddr, cause, flags
	return f.err
}

type fakeController struct {
	eois int
	ipis []uint8
}

func (c *fakeController) SendIPI(cpu int, vector uint8) { c.ipis = append(c.ipis, vector) }
func (c *fakeController) EOI()                          { c.eois++ }

func TestHandlePageFaultDecodesCauseAndFlagsThenResolves(t *testing.T) {
	resolver := &fakeResolver{}
	ctrl := &fakeController{}
	d := &Dispatcher{Resolver: resolver, Controller: ctrl}

	f := &Frame{Err: 0b0011, FaultAddr: 0xdead0000, RIP: 0x400000} // present|write
	err := d.Handle(f, vecPageFault, true)
	require.NoError(t, err)
	assert.True(t, resolver.called)
	assert.Equal(t, fault.CauseWrite, resolver.cause)
	assert.True(t, resolver.flags&fault.FlagPresent != 0)
	assert.Equal(t, 1, ctrl.eois)
}

func TestHandlePageFaultPropagatesResolverError(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("boom")}
	d := &Dispatcher{Resolver: resolver, Controller: &fakeController{}}
	err := d.Handle(&Frame{}, vecPageFault, true)
	assert.Error(t, err)
}

func TestHandleDivergingExceptionReturnsError(t *testing.T) {
	d := &Dispatcher{Controller: &fakeController{}}
	err := d.Handle(&Frame{}, vecDoubleFault, false)
	assert.ErrorIs(t, err, ErrDiverging)
}

func TestHandleTimerBroadcastsOnBSPAndRunsHardtick(t *testing.T) {
	ctrl := &fakeController{}
	ticked := false
	d := &Dispatcher{
		Controller: ctrl,
		IsBSP:      func() bool { return true },
		HardTick:   func() int64 { ticked = true; return 32 },
	}
	err := d.Handle(&Frame{}, VectorTimer, false)
	require.NoError(t, err)
	assert.True(t, ticked)
	require.Len(t, ctrl.ipis, 1)
	assert.Equal(t, uint8(VectorTimer), ctrl.ipis[0])
}

func TestHandleUnknownLowVectorIsError(t *testing.T) {
	d := &Dispatcher{Controller: &fakeController{}}
	err := d.Handle(&Frame{}, Vector(15), false) // reserved gap, <32
	assert.Error(t, err)
}

func TestIDTInstallDefaultsSetsPageFaultAndTimer(t *testing.T) {
	idt := NewIDT()
	var handlers [NumVectors]uintptr
	handlers[vecPageFault] = 0x1000
	handlers[VectorTimer] = 0x2000
	idt.InstallDefaults(handlers)

	assert.True(t, idt.Entry(vecPageFault).Present)
	assert.True(t, idt.Entry(VectorTimer).Present)
	assert.Equal(t, DoubleFaultIST, idt.Entry(vecDoubleFault).IST)
}

func TestQueueUpcallFailsWithoutRoom(t *testing.T) {
	_, err := QueueUpcall(0x1000, 64, 512, 0x2000)
	assert.Error(t, err)
}

func TestHandleDivergingExceptionDecodesFaultingInstruction(t *testing.T) {
	d := &Dispatcher{Controller: &fakeController{}}
	// 0x90 is NOP; present purely so the decode path has a valid
	// instruction to render into the error.
	f := &Frame{RIP: 0x400000, Code: []byte{0x90}}
	err := d.Handle(f, vecDoubleFault, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nop")
}

func TestDecodedInstructionEmptyWithoutCode(t *testing.T) {
	assert.Equal(t, "", decodedInstruction(&Frame{}))
}
