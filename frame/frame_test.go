package frame

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeAccounting(t *testing.T) {
	tr := New(nil, 0x1000, 10, 10, 0)
	f, err := tr.TryAlloc(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 9, tr.Idle())
	assert.EqualValues(t, 1, tr.PageData())
	assert.EqualValues(t, 1, tr.Allocated())

	tr.Free(f)
	assert.EqualValues(t, 10, tr.Idle())
	assert.EqualValues(t, 0, tr.PageData())
	assert.EqualValues(t, 1, tr.Freed())
}

func TestAllocKernelClass(t *testing.T) {
	tr := New(nil, 0x1000, 4, 4, 0)
	f, err := tr.TryAlloc(context.Background(), Kernel, nil)
	require.NoError(t, err)
	assert.True(t, f.Kernel)
	assert.EqualValues(t, 1, tr.KernelUsed())
}

func TestTryAllocExhaustedFailsFastWithoutWaitOk(t *testing.T) {
	tr := New(nil, 0x1000, 1, 1, 0)
	_, err := tr.TryAlloc(context.Background(), 0, nil)
	require.NoError(t, err)
	_, err = tr.TryAlloc(context.Background(), 0, nil)
	assert.ErrorIs(t, err, ErrNoMemory)
}

func TestInvariantSumNeverExceedsTotal(t *testing.T) {
	tr := New(nil, 0x1000, 100, 100, 0)
	var frames []Frame
	for i := 0; i < 50; i++ {
		f, err := tr.TryAlloc(context.Background(), 0, nil)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	assert.LessOrEqual(t, tr.Idle()+tr.KernelUsed()+tr.PageData()+tr.PagerOutstanding(), tr.Total())
	for _, f := range frames {
		tr.Free(f)
	}
	assert.Equal(t, tr.Total(), tr.Idle())
}

func TestWaitOkBlocksThenWakesOnFree(t *testing.T) {
	tr := New(nil, 0x1000, 1, 1, 0)
	f, err := tr.TryAlloc(context.Background(), 0, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, err := tr.TryAlloc(context.Background(), WaitOk, nil)
		assert.NoError(t, err)
		close(done)
	}()

	// give the waiter time to register before freeing
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, tr.Waiting())
	tr.Free(f)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken after free")
	}
}

func TestReclaimUnderPressure(t *testing.T) {
	// total=1000, page_data=900, idle=50, kernel_used=50 (spec.md §8 scenario 5).
	tr := New(nil, 0x1000, 1000, 50, 50)
	tr.pageData.Store(900)
	require.True(t, tr.ShouldReclaim())

	var toFree []Frame
	for i := 0; i < 50; i++ {
		toFree = append(toFree, Frame{Addr: uintptr(0x2000 + i*PageSize)})
	}
	tr.Reclaim(toFree)

	var freedCount int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for tr.ShouldReclaim() {
			n := tr.ReclaimRound()
			freedCount += n
			if n == 0 {
				break
			}
		}
	}()
	wg.Wait()
	assert.Greater(t, freedCount, 0)
}

func TestBatchAllocatorAbortReturnsFrames(t *testing.T) {
	tr := New(nil, 0x1000, 4, 4, 0)
	al := NewAllocator(tr, 0)
	f1, err := al.TryAllocate(context.Background())
	require.NoError(t, err)
	al.Abort(f1)
	f2, err := al.TryAllocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
	al.Abort(f2)
	al.Close()
	assert.EqualValues(t, 4, tr.Idle())
}
