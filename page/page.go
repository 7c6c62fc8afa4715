// Package page implements the per-object sparse page map and the
// concrete Object type that owns it. Grounded on original_source's
// memory/context/virtmem.rs (PageRangeTree usage, ObjectPageProvider)
// and thread.rs's lock_page_tree call sites; the PageRangeTree type
// itself was not in the retrieved source, so its internal shape (a
// plain map under one mutex) is this package's own, built to the
// contract those call sites imply.
package page

import (
	"sync"

	"kfabric/frame"
	"kfabric/objif"
)

// Number identifies a page within an object. Number 0 is reserved:
// faulting it is always fatal.
type Number uint64

// ByteOffset returns this page's offset into its object, used to build
// the arch mapping cursor for it.
func (n Number) ByteOffset() uint64 { return uint64(n) * uint64(frame.PageSize) }

// Page references a physical Frame plus the backing object identity
// it belongs to.
type Page struct {
	Frame frame.Frame
	Obj   objif.ObjID
}

// Tree is a sparse PageNumber→Page map, held under one lock per
// object.
type Tree struct {
	mu    sync.Mutex
	pages map[Number]Page
}

// NewTree constructs an empty page tree.
func NewTree() *Tree { return &Tree{pages: make(map[Number]Page)} }

// Guard is the tree's exclusive guard, returned by LockPageTree; callers
// must Unlock when done. Modeled as an explicit guard (rather than a
// Go mutex used directly) so call sites read the same shape as
// original_source's lock_page_tree/Guard pairing.
type Guard struct{ t *Tree }

// LockPageTree returns the tree's guard, blocking until acquired.
func (t *Tree) LockPageTree() *Guard {
	t.mu.Lock()
	return &Guard{t: t}
}

// Unlock releases the guard.
func (g *Guard) Unlock() { g.t.mu.Unlock() }

// GetPage returns the page at n and whether the caller should install
// it read-only (the CoW flag), which can only be true when write is
// false. ok is false when n has never been faulted.
func (g *Guard) GetPage(n Number, write bool) (p Page, cow bool, ok bool) {
	p, ok = g.t.pages[n]
	if !ok {
		return Page{}, false, false
	}
	cow = !write
	return p, cow, true
}

// AddPage inserts p at n. Re-inserting the same frame at an
// already-populated n is idempotent; inserting a different frame
// replaces it.
func (g *Guard) AddPage(n Number, p Page) {
	g.t.pages[n] = p
}

// Object is the concrete objif.Object: a page tree plus the set of
// VirtContexts that have mapped it, tracked as weak backrefs for
// invalidation fan-out (so a dropped context never pins the object
// through its backref).
type Object struct {
	id      objif.ObjID
	maxSize uint64
	tree    *Tree

	mu       sync.Mutex
	contexts map[uint64]objif.ContextBackref
}

// NewObject constructs an object with the given id and size bound.
func NewObject(id objif.ObjID, maxSize uint64) *Object {
	return &Object{id: id, maxSize: maxSize, tree: NewTree(), contexts: make(map[uint64]objif.ContextBackref)}
}

// ID returns the object's identifier.
func (o *Object) ID() objif.ObjID { return o.id }

// MaxSize returns the object's size bound in bytes.
func (o *Object) MaxSize() uint64 { return o.maxSize }

// Tree returns the object's page tree.
func (o *Object) Tree() *Tree { return o.tree }

// AddContext registers ctx as having mapped this object.
func (o *Object) AddContext(ctx objif.ContextBackref) {
	o.mu.Lock()
	o.contexts[ctx.ID()] = ctx
	o.mu.Unlock()
}

// RemoveContext drops ctx's backref.
func (o *Object) RemoveContext(id uint64) {
	o.mu.Lock()
	delete(o.contexts, id)
	o.mu.Unlock()
}

// Invalidate fans mode out to every registered context, over a
// snapshot of the backref set so a context that removes itself mid-walk
// does not deadlock or corrupt iteration.
func (o *Object) Invalidate(lo, hi uint64, mode objif.InvalidateMode) {
	o.mu.Lock()
	snapshot := make([]objif.ContextBackref, 0, len(o.contexts))
	for _, ctx := range o.contexts {
		snapshot = append(snapshot, ctx)
	}
	o.mu.Unlock()

	for _, ctx := range snapshot {
		if !ctx.Invalidate(o.id, lo, hi, mode) {
			o.RemoveContext(ctx.ID())
		}
	}
}
