// Package archif names the fabric's boundary with the architecture layer
// below it (page-table encoding, CPU register save areas, the local APIC,
// model-specific registers). These are external interfaces only — no
// concrete amd64/arm implementation lives in this module.
package archif

// CacheType selects the caching behavior of a mapping.
type CacheType int

const (
	CacheWriteBack CacheType = iota
	CacheWriteThrough
	CacheUncacheable
)

// Perms is a bitmask of mapping permissions.
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExecute
)

// MapSettings carries the permission and caching attributes of one
// mapping, plus the GLOBAL bit used when mirroring the kernel's own
// mappings into a fresh context.
type MapSettings struct {
	Perms  Perms
	Cache  CacheType
	Global bool
}

// PageProvider hands the arch layer the physical frame backing one
// virtual page of a mapping.
type PageProvider interface {
	// Frame returns the physical address to map at vaddr.
	Frame(vaddr uintptr) (uintptr, bool)
}

// Cursor addresses one slot of a page-table walk (an arch-specific
// position the fabric passes back into Map/Unmap/Change without
// inspecting).
type Cursor interface {
	Addr() uintptr
}

// ArchContext is the per-address-space handle into the arch layer's page
// tables: the fabric drives it but never encodes PTEs itself.
type ArchContext interface {
	// Map installs one page at cursor's address using provider and settings.
	Map(cursor Cursor, provider PageProvider, settings MapSettings) error
	// Unmap removes any mapping at cursor's address.
	Unmap(cursor Cursor) error
	// Change updates the settings of an existing mapping without
	// changing its backing frame (used by WriteProtect invalidation).
	Change(cursor Cursor, settings MapSettings) error
	// Readmap returns the current settings installed at cursor, if any.
	Readmap(cursor Cursor) (MapSettings, bool)
	// SwitchTo installs this context's page-table root on the calling CPU.
	SwitchTo()
	// Root is an opaque identifier for the page-table root (for tracing).
	Root() uintptr
}

// Mapper is the per-CPU "currently installed context" accessor.
type Mapper interface {
	Current() ArchContext
}

// Timer is the one-shot tick source backing the scheduler's quantum
// timer. Resolution must be at least as fine as MIN_TIMESLICE_TICKS
// (see runq.MinTimesliceTicks).
type Timer interface {
	// ScheduleOneshotTick arms a one-shot interrupt ticks ticks from now.
	// ticks == 0 disables the pending tick (used when switching to idle).
	ScheduleOneshotTick(ticks uint64)
}

// IPIBroadcastOthers is the SendIPI cpu argument meaning "every CPU
// except the sender", mirroring interrupt::Destination::AllButSelf.
const IPIBroadcastOthers = -1

// InterruptController abstracts the local APIC: sending an IPI with a
// given vector to a target CPU, and end-of-interrupt.
type InterruptController interface {
	SendIPI(cpu int, vector uint8)
	EOI()
}
