// Package fault implements the page-fault entry point that resolves a
// hardware fault into a frame allocation and mapping. Grounded on
// original_source's memory/context/virtmem.rs::page_fault.
package fault

import (
	"context"
	"errors"
	"fmt"

	"kfabric/archif"
	"kfabric/frame"
	"kfabric/objif"
	"kfabric/page"
	"kfabric/vmctx"
)

// Cause is why the fault occurred.
type Cause int

const (
	CauseRead Cause = iota
	CauseWrite
	CauseInstructionFetch
)

// Flags carries the hardware error-code bits decoded for the fault.
type Flags uint32

const (
	FlagUser Flags = 1 << iota
	FlagInvalid
	FlagPresent
)

// ErrKernelFault is a fatal-to-kernel condition: a fault to the kernel
// portion of the address space with user=false is currently unhandled.
var ErrKernelFault = errors.New("fault: kernel-mode fault in kernel address space is unhandled")

// Kill is a fatal-to-thread condition: the fault should abort the
// faulting thread. Errors wrapping Kill carry a human-readable reason.
var Kill = errors.New("fault: thread killed")

func killf(reason string) error { return fmt.Errorf("%w: %s", Kill, reason) }

// Resolve walks a fault from raw cause/flags to a completed mapping.
// tracker supplies ZEROED frames for first-touch faults. Returns nil on
// a successful mapping
// install, ErrKernelFault for the fatal-to-kernel case, or an error
// meaning "abort the thread": one wrapping Kill (errors.Is(err, Kill))
// for the kill cases, or the frame tracker's allocation error. Callers
// treat any non-nil, non-ErrKernelFault error as fatal to the thread.
func Resolve(ctx context.Context, vc *vmctx.VirtContext, vaddr uint64, cause Cause, flags Flags, ip uint64, tracker *frame.Tracker) error {
	if flags&FlagUser == 0 && vaddr >= vmctx.KernelBoundary {
		return ErrKernelFault
	}
	if vaddr >= vmctx.KernelBoundary {
		return killf("user thread faulted on a kernel address")
	}

	slot, err := vmctx.SlotOf(vaddr)
	if err != nil {
		return killf("no slot for address")
	}

	info, ok := vc.LookupObject(slot)
	if !ok {
		return killf("no mapping at slot")
	}

	pageNum := page.Number((vaddr - slot.StartVAddr()) / frame.PageSize)
	if pageNum == 0 {
		return killf("zero-page fault is never legal")
	}

	obj, ok := info.Object.(pageTreeOwner)
	if !ok {
		return killf("object does not expose a page tree")
	}

	write := cause == CauseWrite
	guard := obj.Tree().LockPageTree()
	p, cow, hit := guard.GetPage(pageNum, write)
	if !hit {
		f, allocErr := tracker.TryAlloc(ctx, frame.Zeroed, nil)
		if allocErr != nil {
			guard.Unlock()
			return allocErr
		}
		newPage := page.Page{Frame: f, Obj: info.Object.ID()}
		guard.AddPage(pageNum, newPage)
		p, cow, hit = guard.GetPage(pageNum, write)
		if !hit {
			guard.Unlock()
			panic("fault: page tree miss immediately after insert")
		}
	}
	guard.Unlock()

	perms := info.Perms
	if cow {
		perms &^= archif.PermWrite
	}
	cursor := vmctx.Cursor(slot, pageNum.ByteOffset())
	provider := singleFrameProvider{frame: p.Frame}
	return vc.Arch().Map(cursor, provider, archif.MapSettings{Perms: perms, Cache: info.Cache})
}

// pageTreeOwner is satisfied by page.Object; Resolve type-asserts to it
// rather than widening objif.Object, since the page tree is a storage-
// system internal the external interface does not expose.
type pageTreeOwner interface {
	objif.Object
	Tree() *page.Tree
}

type singleFrameProvider struct{ frame frame.Frame }

func (s singleFrameProvider) Frame(uintptr) (uintptr, bool) { return s.frame.Addr, true }
