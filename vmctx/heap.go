package vmctx

import (
	"errors"
	"sync"

	"kfabric/archif"
	"kfabric/frame"
	"kfabric/util"
)

// HeapStart is the fixed high virtual address the kernel heap begins
// at. There is ordinarily one global singleton heap.
const HeapStart uint64 = 0xffffff0000000000

// HeapMaxLen bounds how far the heap may be extended.
const HeapMaxLen uint64 = 0x0000001000000000 / 16

// heapChunk is level-0-page-multiple sized extension granularity.
const heapChunk = 2 * 1024 * 1024

type freeBlock struct {
	off, size uint64
}

// Heap is a first-fit allocator over a reserved high-address virtual
// range, extended on demand in aligned chunks. There is ordinarily one
// global instance; tests construct their own.
type Heap struct {
	mu     sync.Mutex
	end    uint64 // current high-water mark of mapped-but-not-yet-carved space
	free   []freeBlock
	ctx    *VirtContext
	prov   archif.PageProvider
}

// NewHeap constructs an (unmapped) heap bound to ctx; call Init before
// the first allocation.
func NewHeap(ctx *VirtContext, prov archif.PageProvider) *Heap {
	return &Heap{end: HeapStart, ctx: ctx, prov: prov}
}

// Init performs the heap's first extension, matching
// GlobalPageAlloc::init's initial 2MiB reservation.
func (h *Heap) Init() error { return h.extendLocked(heapChunk) }

// extendLocked reserves len bytes of virtual range starting at h.end,
// maps ZeroPageProvider into it, and hands the new bytes to the free
// list. Caller must hold h.mu.
func (h *Heap) extendLocked(length uint64) error {
	settings := archif.MapSettings{Perms: archif.PermRead | archif.PermWrite, Cache: archif.CacheWriteBack, Global: true}
	for off := uint64(0); off < length; off += frame.PageSize {
		cursor := simpleCursor{addr: uintptr(h.end + off)}
		if err := h.ctx.Arch().Map(cursor, h.prov, settings); err != nil {
			return err
		}
	}
	h.free = append(h.free, freeBlock{off: h.end, size: length})
	h.end += length
	if h.end-HeapStart > HeapMaxLen {
		return errors.New("vmctx: kernel heap exceeded HeapMaxLen")
	}
	return nil
}

// Alloc reserves size bytes, extending the heap by a multiple of
// heapChunk if no free block is large enough.
func (h *Heap) Alloc(size uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if addr, ok := h.firstFit(size); ok {
		return addr, nil
	}

	need := util.Roundup(size, heapChunk) * 2
	if err := h.extendLocked(need); err != nil {
		return 0, err
	}
	addr, ok := h.firstFit(size)
	if !ok {
		return 0, errors.New("vmctx: kernel heap extension did not yield a fit")
	}
	return addr, nil
}

func (h *Heap) firstFit(size uint64) (uint64, bool) {
	for i, b := range h.free {
		if b.size >= size {
			addr := b.off
			if b.size == size {
				h.free = append(h.free[:i], h.free[i+1:]...)
			} else {
				h.free[i] = freeBlock{off: b.off + size, size: b.size - size}
			}
			return addr, true
		}
	}
	return 0, false
}

// Free returns [addr, addr+size) to the free list, kept in address
// order so firstFit takes the lowest-addressed block that fits. The
// heap never unmaps the backing storage, since it is static for the
// life of the kernel.
func (h *Heap) Free(addr, size uint64) {
	h.mu.Lock()
	i := 0
	for i < len(h.free) && h.free[i].off < addr {
		i++
	}
	h.free = append(h.free, freeBlock{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = freeBlock{off: addr, size: size}
	h.mu.Unlock()
}
