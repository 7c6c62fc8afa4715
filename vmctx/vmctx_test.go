package vmctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfabric/archif"
	"kfabric/objif"
)

type fakeArch struct {
	mapped map[uintptr]archif.MapSettings
}

func newFakeArch() *fakeArch { return &fakeArch{mapped: make(map[uintptr]archif.MapSettings)} }

func (f *fakeArch) Map(c archif.Cursor, _ archif.PageProvider, s archif.MapSettings) error {
	f.mapped[c.Addr()] = s
	return nil
}
func (f *fakeArch) Unmap(c archif.Cursor) error { delete(f.mapped, c.Addr()); return nil }
func (f *fakeArch) Change(c archif.Cursor, s archif.MapSettings) error {
	f.mapped[c.Addr()] = s
	return nil
}
func (f *fakeArch) Readmap(c archif.Cursor) (archif.MapSettings, bool) {
	s, ok := f.mapped[c.Addr()]
	return s, ok
}
func (f *fakeArch) SwitchTo()       {}
func (f *fakeArch) Root() uintptr   { return 0 }

type fakeObj struct{ id objif.ObjID }

func (o *fakeObj) ID() objif.ObjID                                { return o.id }
func (o *fakeObj) MaxSize() uint64                                { return MaxObjectSize }
func (o *fakeObj) AddContext(objif.ContextBackref)                {}
func (o *fakeObj) RemoveContext(uint64)                           {}
func (o *fakeObj) Invalidate(uint64, uint64, objif.InvalidateMode) {}

func TestSlotOfRejectsKernelAddress(t *testing.T) {
	_, err := SlotOf(KernelBoundary)
	assert.Error(t, err)
}

func TestInsertThenLookupReturnsIdenticalRecord(t *testing.T) {
	ctx := New(newFakeArch())
	obj := &fakeObj{id: objif.ObjID{1}}
	info := ObjectContextInfo{Object: obj, Perms: archif.PermRead, Cache: archif.CacheWriteBack}

	require.NoError(t, ctx.InsertObject(Slot(2), info))
	got, ok := ctx.LookupObject(Slot(2))
	require.True(t, ok)
	assert.Equal(t, obj.ID(), got.Object.ID())
	assert.Equal(t, info.Perms, got.Perms)
}

func TestInsertIdempotentOnSameRecord(t *testing.T) {
	ctx := New(newFakeArch())
	obj := &fakeObj{id: objif.ObjID{1}}
	info := ObjectContextInfo{Object: obj, Perms: archif.PermRead, Cache: archif.CacheWriteBack}
	require.NoError(t, ctx.InsertObject(Slot(2), info))
	assert.NoError(t, ctx.InsertObject(Slot(2), info))
}

func TestInsertDifferentRecordAtSameSlotIsOccupied(t *testing.T) {
	ctx := New(newFakeArch())
	obj1 := &fakeObj{id: objif.ObjID{1}}
	obj2 := &fakeObj{id: objif.ObjID{2}}
	require.NoError(t, ctx.InsertObject(Slot(2), ObjectContextInfo{Object: obj1, Perms: archif.PermRead}))
	err := ctx.InsertObject(Slot(2), ObjectContextInfo{Object: obj2, Perms: archif.PermRead})
	assert.ErrorIs(t, err, ErrOccupied)
}

func TestInvalidateFullThenLookupStillReturnsRecord(t *testing.T) {
	ctx := New(newFakeArch())
	obj := &fakeObj{id: objif.ObjID{1}}
	require.NoError(t, ctx.InsertObject(Slot(2), ObjectContextInfo{Object: obj, Perms: archif.PermRead}))
	ok := ctx.Invalidate(obj.ID(), 0, 4096, objif.InvalidateFull)
	assert.True(t, ok)
	_, stillThere := ctx.LookupObject(Slot(2))
	assert.True(t, stillThere)
}

func TestHeapAllocFirstFitReuse(t *testing.T) {
	ctx := New(newFakeArch())
	h := NewHeap(ctx, fakeZeroPage{})
	require.NoError(t, h.Init())

	a, err := h.Alloc(64)
	require.NoError(t, err)
	h.Free(a, 64)
	b, err := h.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

type fakeZeroPage struct{}

func (fakeZeroPage) Frame(uintptr) (uintptr, bool) { return 0, true }
