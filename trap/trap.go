// Package trap implements the interrupt/trap dispatch layer: the IDT
// layout, the entry-stub → generic-handler pipeline, and upcall
// queueing. Grounded on original_source's
// arch/amd64/interrupt.rs (IDT shape, generic_isr_handler's exception/
// page-fault/timer/APIC branches, the user_interrupt/kernel_interrupt
// common_handler_entry split) and arch/amd64/thread.rs's set_upcall
// (reused here via the upcall package).
package trap

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"kfabric/archif"
	"kfabric/fault"
	"kfabric/upcall"
)

// Vector is an IDT vector number.
type Vector uint8

const (
	VectorTimer     Vector = 32
	VectorIPILow    Vector = 240
	NumVectors             = 256
)

// Exception names the fixed architecture exceptions occupying vectors
// 0-31 (arch/amd64/interrupt.rs::Exception).
var exceptionNames = [32]string{
	0: "divide-error", 1: "debug", 2: "nmi", 3: "breakpoint", 4: "overflow",
	5: "bounds-range-exceeded", 6: "invalid-opcode", 7: "device-not-available",
	8: "double-fault", 9: "coprocessor-overrun", 10: "invalid-tss",
	11: "segment-not-present", 12: "stack-segment-fault", 13: "general-protection-fault",
	14: "page-fault", 16: "x87-floating-point", 17: "alignment-check",
	18: "machine-check", 19: "simd-floating-point", 20: "virtualization",
	21: "control-protection", 28: "hypervisor-injection", 29: "vmm-communication",
	30: "security",
}

const (
	vecDoubleFault  Vector = 8
	vecMachineCheck Vector = 18
	vecPageFault    Vector = 14
)

func exceptionName(v Vector) string {
	if int(v) < len(exceptionNames) && exceptionNames[v] != "" {
		return exceptionNames[v]
	}
	return fmt.Sprintf("reserved-%d", v)
}

// Frame is the saved register state an entry stub pushes before
// calling into Go (arch/amd64/interrupt.rs::IsrContext). Regs holds
// r15..rax in push order; Err is the (possibly synthetic) error code.
type Frame struct {
	Regs           [15]uint64
	Err            uint64
	RIP            uint64
	CS              uint64
	RFlags         uint64
	RSP            uint64
	SS             uint64
	FaultAddr      uint64 // CR2, valid only for vecPageFault
	// Code is a handful of bytes the entry stub copied from [RIP, RIP+n)
	// before calling in, used only to annotate a diverging exception's
	// panic dump with the decoded faulting instruction. Nil is valid;
	// Handle simply omits the decode.
	Code []byte
}

// decodedInstruction renders f.Code at f.RIP in AT&T syntax, the way
// arch/amd64/interrupt.rs's fatal path logs the faulting opcode
// alongside the register dump. Returns "" if there is nothing to
// decode or the bytes do not form a valid instruction.
func decodedInstruction(f *Frame) string {
	if len(f.Code) == 0 {
		return ""
	}
	inst, err := x86asm.Decode(f.Code, 64)
	if err != nil {
		return ""
	}
	return x86asm.GNUSyntax(inst, f.RIP, nil)
}

// IDTEntry is one descriptor: handler target plus privilege/IST config
// (handler address, kernel/user DPL, optional IST index).
type IDTEntry struct {
	Present bool
	User    bool
	IST     uint8
	Handler uintptr
}

// IDT is the 256-entry interrupt descriptor table.
type IDT struct {
	entries [NumVectors]IDTEntry
}

// NewIDT returns an IDT with every entry absent.
func NewIDT() *IDT { return &IDT{} }

// SetHandler installs handler at vector v. ist selects a dedicated
// interrupt stack (0 means "use the current stack"; double-fault uses
// a dedicated IST, see DoubleFaultIST).
func (t *IDT) SetHandler(v Vector, handler uintptr, user bool, ist uint8) {
	t.entries[v] = IDTEntry{Present: true, User: user, IST: ist, Handler: handler}
}

// Entry returns vector v's descriptor.
func (t *IDT) Entry(v Vector) IDTEntry { return t.entries[v] }

// DoubleFaultIST is the IST index double-fault is wired to, matching
// arch/amd64/interrupt.rs::set_handlers's DOUBLE_FAULT_IST_INDEX usage.
const DoubleFaultIST uint8 = 1

// InstallDefaults wires the fixed exception vectors (0-31, minus the
// reserved gaps) and vector 32's timer slot the way
// arch/amd64/interrupt.rs::set_handlers does, taking each handler's
// entry-stub address from handlers (indexed by vector). Device and IPI
// vectors (33-255, excluding gaps already named) are left to the
// caller via SetHandler.
func (t *IDT) InstallDefaults(handlers [NumVectors]uintptr) {
	for v := range exceptionNames {
		if exceptionNames[v] == "" {
			continue
		}
		ist := uint8(0)
		if Vector(v) == vecDoubleFault {
			ist = DoubleFaultIST
		}
		user := Vector(v) == 3 // breakpoint is the one exception reachable from user (int3)
		t.SetHandler(Vector(v), handlers[v], user, ist)
	}
	t.SetHandler(VectorTimer, handlers[VectorTimer], false, 0)
}

// PageFaultResolver resolves a decoded page fault, the seam to package
// fault's Resolve (kept as an interface so trap does not need the
// concrete vmctx/frame-tracker types at the call site).
type PageFaultResolver interface {
	ResolveFault(vaddr uint64, cause fault.Cause, flags fault.Flags, ip uint64) error
}

// Dispatcher bundles every external collaborator the generic handler
// calls out to: page-fault resolution,
// the hardtick scheduler hook, the interrupt controller for EOI/IPI,
// and a preempt-consuming hook run after EOI (post_interrupt).
type Dispatcher struct {
	Resolver    PageFaultResolver
	Controller  archif.InterruptController
	HardTick    func() (nextTimeslice int64)
	PostInterrupt func()
	IsBSP       func() bool
	// EnterKernel/ExitKernel bracket page-fault handling, matching
	// thread::enter_kernel/exit_kernel around memory::fault::page_fault.
	EnterKernel func()
	ExitKernel  func()
	// AbortCurrent runs the thread-exit path when ResolveFault returns a
	// fatal-to-thread error (anything other than ErrKernelFault): the
	// faulting thread is killed rather than the whole dispatch returning
	// an error the entry stub would have to panic on. nil means the
	// caller has no concept of "the current thread" to abort (e.g. a
	// test with no scheduler wired up), so the error just propagates.
	AbortCurrent func(err error)
}

// ErrDiverging is returned (and should be treated as fatal by the
// caller, typically a panic at the call site) for #DF/#MC, which the
// teacher's handler does not attempt to recover from.
var ErrDiverging = errors.New("trap: diverging exception")

// decodePageFaultErrorCode mirrors arch/amd64/interrupt.rs's bit
// layout: bit0 present, bit1 write, bit2 user, bit3 reserved-bit
// violation ("invalid"), bit4 instruction fetch.
func decodePageFaultErrorCode(err uint64) (fault.Cause, fault.Flags) {
	var cause fault.Cause
	switch {
	case err&(1<<4) != 0:
		cause = fault.CauseInstructionFetch
	case err&(1<<1) != 0:
		cause = fault.CauseWrite
	default:
		cause = fault.CauseRead
	}

	var flags fault.Flags
	if err&1 != 0 {
		flags |= fault.FlagPresent
	}
	if err&(1<<2) != 0 {
		flags |= fault.FlagUser
	}
	if err&(1<<3) != 0 {
		flags |= fault.FlagInvalid
	}
	return cause, flags
}

// Handle implements the generic handler for one trap,
// having already been routed to by vector/user the way an entry stub
// would (TLS FS-base swap is the caller's responsibility via a TLS
// implementation, matching common_handler_entry's placement around
// generic_isr_handler rather than inside it).
func (d *Dispatcher) Handle(f *Frame, v Vector, user bool) error {
	if v == vecDoubleFault || v == vecMachineCheck {
		if insn := decodedInstruction(f); insn != "" {
			return fmt.Errorf("%w: %s at %s: %#v", ErrDiverging, exceptionName(v), insn, f)
		}
		return fmt.Errorf("%w: %s: %#v", ErrDiverging, exceptionName(v), f)
	}

	if v == vecPageFault {
		cause, flags := decodePageFaultErrorCode(f.Err)
		if user {
			flags |= fault.FlagUser
		}
		if d.EnterKernel != nil {
			d.EnterKernel()
		}
		err := d.Resolver.ResolveFault(f.FaultAddr, cause, flags, f.RIP)
		if d.ExitKernel != nil {
			d.ExitKernel()
		}
		if err != nil {
			if errors.Is(err, fault.ErrKernelFault) || d.AbortCurrent == nil {
				return err
			}
			d.AbortCurrent(err)
		}
	} else if v < 32 {
		return fmt.Errorf("trap: unhandled exception %s: %#v", exceptionName(v), f)
	}

	if v == VectorTimer {
		if d.IsBSP != nil && d.IsBSP() && d.Controller != nil {
			d.Controller.SendIPI(archif.IPIBroadcastOthers, uint8(VectorTimer))
		}
		if d.HardTick != nil {
			d.HardTick()
		}
	}

	// Vectors >= VectorIPILow are APIC/IPI work the local APIC layer
	// itself dispatches; this port has no further routing to do beyond
	// EOI (device interrupts below VectorIPILow behave the same way).
	if d.Controller != nil {
		d.Controller.EOI()
	}
	if d.PostInterrupt != nil {
		d.PostInterrupt()
	}
	return nil
}

// QueueUpcall rewrites a user thread's return path so that on return
// to user space it lands in the upcall handler instead of its
// interrupted PC. It is a thin wrapper
// over upcall.Place; trap owns the decision of *when* to queue one
// (e.g. from a security-layer request), upcall owns the stack-layout
// arithmetic.
func QueueUpcall(currentSP uintptr, dataSize, frameSize int, lowestLegalAddr uintptr) (upcall.Layout, error) {
	layout, ok := upcall.Place(currentSP, dataSize, frameSize, lowestLegalAddr)
	if !ok {
		return upcall.Layout{}, errors.New("trap: insufficient stack for upcall frame")
	}
	return layout, nil
}
