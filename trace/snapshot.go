package trace

import (
	"sync"

	"github.com/google/pprof/profile"
)

// Snapshotter accumulates THREAD_SAMPLE entries and periodically
// renders them as a pprof profile.Profile, the Go analogue of the
// teacher's bin/trace/src/stat.rs sampling report (program-counter and
// per-thread sample histograms) rendered in a format flame-graph
// tooling can already consume.
type Snapshotter struct {
	mu       sync.Mutex
	byIP     map[uint64]int64
	byThread map[uint64]int64
}

// NewSnapshotter returns an empty Snapshotter.
func NewSnapshotter() *Snapshotter {
	return &Snapshotter{byIP: make(map[uint64]int64), byThread: make(map[uint64]int64)}
}

// Record implements Sink, so a Snapshotter can be composed with a
// PromSink behind the same Recorder (trace.NewRecorder only takes one
// Sink; callers wanting both wire a small fan-out Sink over the two).
func (s *Snapshotter) Record(e Entry) {
	if e.Kind != KindThread || e.Event != ThreadSample {
		return
	}
	sample, ok := e.Data.(ThreadSampleData)
	if !ok {
		return
	}
	s.mu.Lock()
	s.byIP[sample.IP]++
	s.byThread[e.ThreadID]++
	s.mu.Unlock()
}

// Snapshot renders the accumulated sample counts as a pprof profile:
// one location+function per distinct instruction pointer, one sample
// per location carrying its observed count. ByThread counts are not
// representable in a flat pprof profile and are returned separately
// for callers that want the teacher's "THREAD ID / COUNT" table.
func (s *Snapshotter) Snapshot() (*profile.Profile, map[uint64]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "samples", Unit: "count"},
		Period:     1,
	}

	var nextID uint64 = 1
	for ip, count := range s.byIP {
		fn := &profile.Function{ID: nextID, Name: hexFuncName(ip)}
		nextID++
		loc := &profile.Location{ID: nextID, Address: ip, Line: []profile.Line{{Function: fn, Line: 0}}}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{count},
		})
	}

	byThread := make(map[uint64]int64, len(s.byThread))
	for k, v := range s.byThread {
		byThread[k] = v
	}
	return p, byThread
}

func hexFuncName(ip uint64) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, 18)
	buf = append(buf, '0', 'x')
	shifted := false
	for shift := 60; shift >= 0; shift -= 4 {
		nibble := (ip >> uint(shift)) & 0xf
		if nibble != 0 {
			shifted = true
		}
		if shifted || shift == 0 {
			buf = append(buf, hex[nibble])
		}
	}
	return string(buf)
}

// FanOut is a Sink that forwards every Entry to each of its members,
// used to compose a PromSink and a Snapshotter behind one Recorder.
type FanOut []Sink

// Record implements Sink.
func (f FanOut) Record(e Entry) {
	for _, sink := range f {
		sink.Record(e)
	}
}
