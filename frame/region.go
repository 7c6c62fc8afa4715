package frame

import "context"

// Region is a contiguous physical range handed back to an external
// caller (the pager) for bulk iteration, grounded on tracker.rs's
// FrameRegion/FrameIter.
type Region struct {
	Base  uintptr
	Count int
}

// Iter walks a Region one Frame at a time.
type Iter struct {
	r *Region
	n int
}

// Frames returns a fresh iterator over the region.
func (r *Region) Frames() *Iter { return &Iter{r: r} }

// NumFrames returns the frame count in the region.
func (r *Region) NumFrames() int { return r.Count }

// Next returns the next frame in the region, or ok=false at the end.
func (it *Iter) Next() (Frame, bool) {
	if it.n >= it.r.Count {
		return Frame{}, false
	}
	f := Frame{Addr: it.r.Base + uintptr(it.n)*PageSize}
	it.n++
	return f, true
}

// Allocator batches several TryAlloc calls so a caller building a
// multi-level structure (e.g. page tables on the fault path) can back
// out cleanly without holding a long failure window open: frames
// accumulated via TryAllocate are either committed by the caller or
// handed back via Abort and returned to the tracker by Close, grounded on
// tracker.rs's FrameAllocator.
type Allocator struct {
	tracker *Tracker
	flags   AllocFlags
	held    []Frame
}

// NewAllocator creates a batch allocator drawing frames with flags.
func NewAllocator(tracker *Tracker, flags AllocFlags) *Allocator {
	return &Allocator{tracker: tracker, flags: flags}
}

// TryAllocate returns a previously-aborted frame if one is buffered,
// else draws a fresh one from the tracker.
func (a *Allocator) TryAllocate(ctx context.Context) (Frame, error) {
	if n := len(a.held); n > 0 {
		f := a.held[n-1]
		a.held = a.held[:n-1]
		return f, nil
	}
	return a.tracker.TryAlloc(ctx, a.flags, nil)
}

// Abort returns frames to the allocator's private buffer; Close later
// frees anything left unclaimed.
func (a *Allocator) Abort(frames ...Frame) { a.held = append(a.held, frames...) }

// Close frees every frame still buffered (the caller committed the
// rest elsewhere). Mirrors FrameAllocator's Drop impl.
func (a *Allocator) Close() {
	for _, f := range a.held {
		a.tracker.Free(f)
	}
	a.held = nil
}
