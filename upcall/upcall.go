// Package upcall names the fabric's boundary with user space: the frame
// and data records written to a user stack to simulate an exception
// delivery, and the stack-layout algorithm that places them.
package upcall

import "kfabric/objif"

// Stack layout constants.
const (
	// MinStackAlign is the minimum required stack alignment.
	MinStackAlign = 16
	// RedZoneSize bytes at the top of the stack are never touched.
	RedZoneSize = 512
	// MinFrameAlign is the alignment the xsave region embedded in
	// UpcallFrame requires.
	MinFrameAlign = 64
	// MinStackRemaining is the minimum free space required below the
	// installed frame for the handler to execute in.
	MinStackRemaining = 1024 * 1024
)

// ExitCode is the well-known exit code used when a thread is aborted
// because its upcall could not be delivered.
const ExitCode = 0xf0f0f0f0

// HandlerFlags records extra context about how an upcall was delivered.
type HandlerFlags uint32

// SwitchedContext is set when the upcall ran in the supervisor context
// rather than the thread's own.
const SwitchedContext HandlerFlags = 1 << 0

// Info is an opaque per-delivery payload (e.g. which exception, fault
// address); the fabric only stores and copies it, never interprets it.
type Info struct {
	Code uint64
	Aux  [3]uint64
}

// Data is the fixed record written just below the frame.
type Data struct {
	Info      Info
	Flags     HandlerFlags
	SourceCtx objif.ObjID
	ThreadID  objif.ObjID
}

// Frame is the arch register snapshot handed to the upcall handler; the
// fabric treats its layout as opaque beyond Size/Align and the two
// fields it must itself populate.
type Frame struct {
	// Raw holds the arch-specific register image (opaque to the fabric).
	Raw []byte
	// ThreadPtr is the thread's saved user FS base, copied in so the
	// handler can recover TLS.
	ThreadPtr uint64
	// XsaveRegion is the saved FP/SSE state, 64-byte aligned by layout.
	XsaveRegion []byte
	// PriorCtx is the security context active at the moment of delivery,
	// restored by a later "return from upcall" syscall.
	PriorCtx objif.ObjID
}

// Size returns the encoded size of the frame (header fields plus the
// xsave region), used by the layout algorithm.
func (f Frame) Size() int { return len(f.Raw) + len(f.XsaveRegion) }

// Target names where an upcall should deliver to: either the thread's
// own handler or a supervisor-context handler with its own stack.
type Target struct {
	SuperCtx        objif.ObjID
	SuperStack      uintptr
	SuperStackSize  uintptr
	SuperAddress    uintptr
	SelfAddress     uintptr
	SuperThreadPtr  uint64
}

// Layout is the result of placing a Data/Frame pair on a stack: the
// addresses the caller must write them to and the final (misaligned by
// one word) stack pointer to deliver the upcall at.
type Layout struct {
	DataAddr  uintptr
	FrameAddr uintptr
	StackPtr  uintptr
}

// Place computes where Data and Frame should be written below
// currentSP, per the stack layout rules above. frameSize is
// Frame.Size(); dataSize is a fixed constant (the encoded Data size).
// It returns false if the remaining space would fall under
// MinStackRemaining once frame and data are carved out.
func Place(currentSP uintptr, dataSize, frameSize int, lowestLegalAddr uintptr) (Layout, bool) {
	if currentSP == 0 {
		return Layout{}, false
	}
	alignedData := (dataSize + MinStackAlign) &^ (MinStackAlign - 1)
	alignedFrame := (frameSize + MinFrameAlign) &^ (MinFrameAlign - 1)

	stackTop := currentSP - RedZoneSize
	stackTop &^= (MinStackAlign - 1)

	dataStart := stackTop - uintptr(alignedData)
	frameHighest := dataStart - uintptr(alignedFrame)
	frameStart := frameHighest &^ (MinFrameAlign - 1)

	totalSize := alignedData + alignedFrame + int(dataStart-frameHighest) + RedZoneSize
	totalSize = (totalSize + MinStackAlign) &^ (MinStackAlign - 1)

	if frameStart < lowestLegalAddr+MinStackRemaining+uintptr(totalSize) {
		return Layout{}, false
	}

	stackStart := frameStart - MinStackAlign
	stackStart &^= (MinStackAlign - 1)
	stackStart -= 8 // one word of intentional misalignment

	return Layout{DataAddr: dataStart, FrameAddr: frameStart, StackPtr: stackStart}, true
}
