package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfabric/frame"
	"kfabric/objif"
)

func TestGetPageMissReturnsNotOk(t *testing.T) {
	tr := NewTree()
	g := tr.LockPageTree()
	defer g.Unlock()
	_, _, ok := g.GetPage(5, false)
	assert.False(t, ok)
}

func TestAddThenGetPageReadInstallsCow(t *testing.T) {
	tr := NewTree()
	g := tr.LockPageTree()
	defer g.Unlock()
	g.AddPage(5, Page{Frame: frame.Frame{Addr: 0x3000}})
	p, cow, ok := g.GetPage(5, false)
	require.True(t, ok)
	assert.True(t, cow)
	assert.Equal(t, uintptr(0x3000), p.Frame.Addr)
}

func TestGetPageWriteNeverCow(t *testing.T) {
	tr := NewTree()
	g := tr.LockPageTree()
	g.AddPage(5, Page{Frame: frame.Frame{Addr: 0x3000}})
	_, cow, ok := g.GetPage(5, true)
	g.Unlock()
	require.True(t, ok)
	assert.False(t, cow)
}

type fakeCtx struct {
	id       uint64
	alive    bool
	invalidated bool
}

func (f *fakeCtx) ID() uint64 { return f.id }
func (f *fakeCtx) Invalidate(objif.ObjID, uint64, uint64, objif.InvalidateMode) bool {
	f.invalidated = true
	return f.alive
}

func TestInvalidateFansOutAndDropsDeadBackrefs(t *testing.T) {
	obj := NewObject(objif.ObjID{1}, 1<<20)
	live := &fakeCtx{id: 1, alive: true}
	dead := &fakeCtx{id: 2, alive: false}
	obj.AddContext(live)
	obj.AddContext(dead)

	obj.Invalidate(0, 4096, objif.InvalidateFull)

	assert.True(t, live.invalidated)
	assert.True(t, dead.invalidated)

	// dead backref should have been dropped; a second invalidate only
	// reaches the live one.
	live.invalidated = false
	dead.invalidated = false
	obj.Invalidate(0, 4096, objif.InvalidateFull)
	assert.True(t, live.invalidated)
	assert.False(t, dead.invalidated)
}
