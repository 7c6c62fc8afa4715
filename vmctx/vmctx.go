// Package vmctx implements the per-address-space virtual context:
// slot→object mapping, switch-to, upcall target, and kernel-context
// construction. Grounded on original_source's
// memory/context/virtmem.rs (VirtContext, SlotMgr, init_kernel_context).
package vmctx

import (
	"errors"
	"sync"
	"sync/atomic"

	"kfabric/archif"
	"kfabric/frame"
	"kfabric/objif"
)

// ErrOccupied is returned by InsertObject when a different record is
// already installed at the requested slot.
var ErrOccupied = errors.New("vmctx: slot occupied by a different record")

// Slot identifies one aligned, max-object-size-wide region of a user
// address space. The injective slot→vaddr function
// is StartVAddr/SlotOf below, parameterized by MaxObjectSize since this
// module has no fixed hardware target (DESIGN.md Open Question).
type Slot uint64

// MaxObjectSize is the width of one slot in bytes.
var MaxObjectSize uint64 = 1 << 30 // 1 GiB, matches a common slot width

// KernelBoundary is the lowest virtual address considered kernel; slot
// conversion of any address at or above it fails.
var KernelBoundary uint64 = 0xffff800000000000

// StartVAddr returns the base virtual address of slot s.
func (s Slot) StartVAddr() uint64 { return uint64(s) * MaxObjectSize }

// SlotOf converts a user virtual address to its containing slot.
func SlotOf(vaddr uint64) (Slot, error) {
	if vaddr >= KernelBoundary {
		return 0, errors.New("vmctx: kernel address has no slot")
	}
	return Slot(vaddr / MaxObjectSize), nil
}

// ObjectContextInfo is the value handed back by LookupObject: enough
// to reconstruct a mapping without exposing SlotMgr internals.
type ObjectContextInfo struct {
	Object objif.Object
	Perms  archif.Perms
	Cache  archif.CacheType
}

// contextSlot is the internal record keyed by Slot.
type contextSlot struct {
	obj   objif.Object
	slot  Slot
	perms archif.Perms
	cache archif.CacheType
}

func (a contextSlot) sameRecord(b contextSlot) bool {
	return a.obj.ID() == b.obj.ID() && a.perms == b.perms && a.cache == b.cache
}

type slotMgr struct {
	mu    sync.Mutex
	slots map[Slot]contextSlot
	objs  map[objif.ObjID][]Slot
}

func newSlotMgr() *slotMgr {
	return &slotMgr{slots: make(map[Slot]contextSlot), objs: make(map[objif.ObjID][]Slot)}
}

func (m *slotMgr) get(s Slot) (contextSlot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.slots[s]
	return cs, ok
}

func (m *slotMgr) insert(s Slot, cs contextSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.slots[s]; ok {
		if existing.sameRecord(cs) {
			return nil
		}
		return ErrOccupied
	}
	m.slots[s] = cs
	m.objs[cs.obj.ID()] = append(m.objs[cs.obj.ID()], s)
	return nil
}

func (m *slotMgr) slotsForObject(id objif.ObjID) []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Slot, len(m.objs[id]))
	copy(out, m.objs[id])
	return out
}

var contextIDs atomic.Uint64

// VirtContext is an address space.
type VirtContext struct {
	id    uint64
	arch  archif.ArchContext
	slots *slotMgr

	upcallMu sync.Mutex
	upcall   *uintptr
}

// New constructs a fresh, empty virtual context backed by arch.
func New(arch archif.ArchContext) *VirtContext {
	return &VirtContext{id: contextIDs.Add(1), arch: arch, slots: newSlotMgr()}
}

// ID returns the context's unique id (also satisfies objif.ContextBackref).
func (c *VirtContext) ID() uint64 { return c.id }

// InsertObject atomically adds slot→record and the object→slot backref;
// idempotent on an identical record, ErrOccupied on a conflicting one.
func (c *VirtContext) InsertObject(slot Slot, info ObjectContextInfo) error {
	cs := contextSlot{obj: info.Object, slot: slot, perms: info.Perms, cache: info.Cache}
	if err := c.slots.insert(slot, cs); err != nil {
		return err
	}
	info.Object.AddContext(c)
	return nil
}

// LookupObject returns the record installed at slot, if any.
func (c *VirtContext) LookupObject(slot Slot) (ObjectContextInfo, bool) {
	cs, ok := c.slots.get(slot)
	if !ok {
		return ObjectContextInfo{}, false
	}
	return ObjectContextInfo{Object: cs.obj, Perms: cs.perms, Cache: cs.cache}, true
}

// Invalidate satisfies objif.ContextBackref: applied by an Object
// iterating its backref set. Returns false if this context no longer
// has the object mapped (the backref is stale and should be dropped).
func (c *VirtContext) Invalidate(obj objif.ObjID, lo, hi uint64, mode objif.InvalidateMode) bool {
	slots := c.slots.slotsForObject(obj)
	if len(slots) == 0 {
		return false
	}
	for _, s := range slots {
		cs, ok := c.slots.get(s)
		if !ok {
			continue
		}
		for off := lo; off < hi; off += frame.PageSize {
			cursor := simpleCursor{addr: uintptr(s.StartVAddr() + off)}
			switch mode {
			case objif.InvalidateFull:
				_ = c.arch.Unmap(cursor)
			case objif.InvalidateWriteProtect:
				perms := cs.perms &^ archif.PermWrite
				_ = c.arch.Change(cursor, archif.MapSettings{Perms: perms, Cache: cs.cache})
			}
		}
	}
	return true
}

// SwitchTo installs this context's page-table root on the current CPU.
func (c *VirtContext) SwitchTo() { c.arch.SwitchTo() }

// SetUpcall records the address a subsequent upcall should target.
func (c *VirtContext) SetUpcall(addr uintptr) {
	c.upcallMu.Lock()
	c.upcall = &addr
	c.upcallMu.Unlock()
}

// GetUpcall returns the previously set upcall address, if any.
func (c *VirtContext) GetUpcall() (uintptr, bool) {
	c.upcallMu.Lock()
	defer c.upcallMu.Unlock()
	if c.upcall == nil {
		return 0, false
	}
	return *c.upcall, true
}

// Arch exposes the underlying arch context (needed by fault/trap to
// install mappings directly).
func (c *VirtContext) Arch() archif.ArchContext { return c.arch }

type simpleCursor struct{ addr uintptr }

func (s simpleCursor) Addr() uintptr { return s.addr }

// Cursor builds an archif.Cursor for a byte offset into slot s.
func Cursor(s Slot, byteOffset uint64) archif.Cursor {
	return simpleCursor{addr: uintptr(s.StartVAddr() + byteOffset)}
}

// InitKernelContext mirrors the existing kernel mapping (described by
// src) leaf-first into c, setting the GLOBAL bit on every mapping so
// every kernel context shares identical global translations. src
// enumerates the coalesced kernel ranges to copy; each is installed
// with Global forced on regardless of what src reports.
func (c *VirtContext) InitKernelContext(src []KernelMapping, provider archif.PageProvider) {
	for _, m := range src {
		settings := m.Settings
		settings.Global = true
		for off := uintptr(0); off < m.Len; off += frame.PageSize {
			_ = c.arch.Map(simpleCursor{addr: m.Vaddr + off}, provider, settings)
		}
	}
}

// KernelMapping is one coalesced range of the existing kernel address
// space, as read back via archif.Mapper/readmap.
type KernelMapping struct {
	Vaddr    uintptr
	Len      uintptr
	Settings archif.MapSettings
}
