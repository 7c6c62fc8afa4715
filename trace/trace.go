// Package trace implements the fabric's async event consumer: a
// bounded channel draining into Prometheus counters/histograms, the Go
// analogue of the teacher's TRACE_MGR.async_enqueue pipeline and the
// bin/trace/src/stat.rs report it feeds. Grounded on
// original_source's processor/sched.rs (trace_switch/
// trace_migrate call sites and their ThreadCtxSwitch/ThreadMigrate
// payload shapes) and bin/trace/src/stat.rs (the fixed event kinds:
// THREAD_MIGRATE, THREAD_CONTEXT_SWITCH, THREAD_SAMPLE,
// THREAD_SYSCALL_EXIT, CONTEXT_INVALIDATION, CONTEXT_SHOOTDOWN,
// CONTEXT_FAULT, KERNEL_ALLOC, RUNTIME_ALLOC).
package trace

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kfabric/sched"
	"kfabric/thread"
)

// Kind tags which subsystem emitted an Entry.
type Kind int

const (
	KindThread Kind = iota
	KindContext
	KindKernel
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindContext:
		return "context"
	case KindKernel:
		return "kernel"
	case KindRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// Event is a bitmask of record kinds within a Kind (bin/trace/src/
// stat.rs's THREAD_*/CONTEXT_*/KERNEL_ALLOC/RUNTIME_ALLOC constants).
type Event uint64

const (
	ThreadMigrate Event = 1 << iota
	ThreadContextSwitch
	ThreadSample
	ThreadSyscallExit
)

const (
	ContextInvalidation Event = 1 << iota
	ContextShootdown
	ContextFault
)

const (
	KernelAlloc Event = 1 << iota
)

const (
	RuntimeAlloc Event = 1 << iota
)

func (e Event) name(k Kind) string {
	switch k {
	case KindThread:
		switch e {
		case ThreadMigrate:
			return "migrate"
		case ThreadContextSwitch:
			return "context_switch"
		case ThreadSample:
			return "sample"
		case ThreadSyscallExit:
			return "syscall_exit"
		}
	case KindContext:
		switch e {
		case ContextInvalidation:
			return "invalidation"
		case ContextShootdown:
			return "shootdown"
		case ContextFault:
			return "fault"
		}
	case KindKernel:
		if e == KernelAlloc {
			return "alloc"
		}
	case KindRuntime:
		if e == RuntimeAlloc {
			return "alloc"
		}
	}
	return "unknown"
}

// SwitchFlags annotates a ThreadContextSwitch record (sched.rs's
// SwitchFlags bitflags).
type SwitchFlags uint32

const (
	SwitchIsTrace SwitchFlags = 1 << iota
	SwitchPreempted
	SwitchToIdle
	SwitchToKthread
	SwitchSleeping
)

// ThreadCtxSwitchData is THREAD_CONTEXT_SWITCH's payload.
type ThreadCtxSwitchData struct {
	To    *uint64
	Flags SwitchFlags
}

// ThreadMigrateData is THREAD_MIGRATE's payload.
type ThreadMigrateData struct{ From, To uint32 }

// ThreadSampleData is THREAD_SAMPLE's payload: a program-counter sample
// taken while the thread was in the given state.
type ThreadSampleData struct {
	IP    uint64
	State thread.State
}

// SyscallExitData is THREAD_SYSCALL_EXIT's payload.
type SyscallExitData struct {
	Num      uint64
	Subtype  uint64
	Duration time.Duration
}

// FaultFlags annotates a ContextFault record.
type FaultFlags uint32

const (
	FaultPager FaultFlags = 1 << iota
	FaultLarge
)

// ContextFaultData is CONTEXT_FAULT's payload.
type ContextFaultData struct {
	Obj            [16]byte
	Flags          FaultFlags
	ProcessingTime time.Duration
}

// AllocData is the shared shape of KERNEL_ALLOC/RUNTIME_ALLOC records.
type AllocData struct {
	Size     uint64
	IsFree   bool
	Duration time.Duration
}

// Entry is one trace record (mirrors the teacher's TraceEntry+payload pair).
type Entry struct {
	Kind     Kind
	Event    Event
	ThreadID uint64
	CPU      uint32
	Data     any
}

// Recorder is the async bounded-channel consumer: producers call
// Enqueue (non-blocking, dropping on a full channel rather than ever
// stalling a hot path, matching TRACE_MGR.async_enqueue's intent); one
// goroutine drains into Sink.
type Recorder struct {
	ch      chan Entry
	sink    Sink
	dropped prometheus.Counter
	done    chan struct{}
}

// Sink receives drained Entries. PromSink is the production
// implementation; tests can substitute their own.
type Sink interface {
	Record(e Entry)
}

// NewRecorder starts a Recorder with the given channel capacity,
// draining into sink. registerer (optional) receives the counter of
// entries discarded because the channel was full.
func NewRecorder(capacity int, sink Sink, registerer prometheus.Registerer) *Recorder {
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kfabric",
		Subsystem: "trace",
		Name:      "dropped_total",
		Help:      "Trace entries dropped because the async queue was full.",
	})
	if registerer != nil {
		registerer.MustRegister(dropped)
	}
	r := &Recorder{
		ch:      make(chan Entry, capacity),
		sink:    sink,
		dropped: dropped,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Enqueue submits e for async recording; returns false if dropped.
func (r *Recorder) Enqueue(e Entry) bool {
	select {
	case r.ch <- e:
		return true
	default:
		r.dropped.Inc()
		return false
	}
}

func (r *Recorder) run() {
	for {
		select {
		case e := <-r.ch:
			r.sink.Record(e)
		case <-r.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case e := <-r.ch:
					r.sink.Record(e)
				default:
					return
				}
			}
		}
	}
}

// Close stops the consumer goroutine after draining the channel.
func (r *Recorder) Close() { close(r.done) }

// SchedTracer adapts Recorder to sched.Tracer, translating switch_to's
// calls into THREAD_CONTEXT_SWITCH/THREAD_MIGRATE entries (sched.rs's
// trace_switch/trace_migrate).
type SchedTracer struct {
	R   *Recorder
	CPU uint32
}

// Switch records a context-switch event.
func (t *SchedTracer) Switch(from, to *thread.Thread, flags sched.SchedFlags) {
	var sf SwitchFlags
	if flags.Contains(sched.Preempt) {
		sf |= SwitchPreempted
	}
	if to.IsIdle() {
		sf |= SwitchToIdle
	}
	if !flags.Contains(sched.Reinsert) {
		sf |= SwitchSleeping
	}
	toID := to.ID()
	t.R.Enqueue(Entry{
		Kind: KindThread, Event: ThreadContextSwitch, ThreadID: from.ID(), CPU: t.CPU,
		Data: ThreadCtxSwitchData{To: &toID, Flags: sf},
	})
}

// Migrate records a cross-CPU migration event.
func (t *SchedTracer) Migrate(th *thread.Thread, from, to uint32) {
	t.R.Enqueue(Entry{
		Kind: KindThread, Event: ThreadMigrate, ThreadID: th.ID(), CPU: t.CPU,
		Data: ThreadMigrateData{From: from, To: to},
	})
}
