package trace

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfabric/sched"
	"kfabric/thread"
)

type captureSink struct{ entries []Entry }

func (c *captureSink) Record(e Entry) { c.entries = append(c.entries, e) }

func TestRecorderDeliversEnqueuedEntries(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(8, sink, nil)
	defer r.Close()

	ok := r.Enqueue(Entry{Kind: KindThread, Event: ThreadMigrate, ThreadID: 1})
	assert.True(t, ok)

	require.Eventually(t, func() bool { return len(sink.entries) == 1 }, time.Second, time.Millisecond)
}

func TestRecorderEnqueueNeverBlocksWhenFull(t *testing.T) {
	sink := blockingSink{}
	reg := prometheus.NewRegistry()
	r := NewRecorder(0, sink, reg)
	defer r.Close()

	// capacity 0 with a consumer goroutine racing to drain means the
	// first send may or may not land before the consumer is ready; what
	// matters is that a flood of sends never blocks the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Enqueue(Entry{Kind: KindThread, Event: ThreadSample})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked")
	}
}

type blockingSink struct{}

func (blockingSink) Record(Entry) {}

func TestPromSinkCountsByKindAndEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPromSink(reg)
	sink.Record(Entry{Kind: KindThread, Event: ThreadMigrate})
	sink.Record(Entry{Kind: KindThread, Event: ThreadMigrate})

	assert.Equal(t, float64(2), testutil.ToFloat64(sink.counts.WithLabelValues("thread", "migrate")))
}

func TestPromSinkObservesDurationForFaults(t *testing.T) {
	sink := NewPromSink(nil)
	sink.Record(Entry{
		Kind: KindContext, Event: ContextFault,
		Data: ContextFaultData{ProcessingTime: 5 * time.Millisecond},
	})
	assert.Equal(t, uint64(1), testutil.CollectAndCount(sink.durations))
}

func TestSnapshotterAggregatesSamplesByIPAndThread(t *testing.T) {
	snap := NewSnapshotter()
	snap.Record(Entry{Kind: KindThread, Event: ThreadSample, ThreadID: 1, Data: ThreadSampleData{IP: 0x1000}})
	snap.Record(Entry{Kind: KindThread, Event: ThreadSample, ThreadID: 1, Data: ThreadSampleData{IP: 0x1000}})
	snap.Record(Entry{Kind: KindThread, Event: ThreadSample, ThreadID: 2, Data: ThreadSampleData{IP: 0x2000}})

	prof, byThread := snap.Snapshot()
	require.Len(t, prof.Sample, 2)
	assert.Equal(t, int64(2), byThread[1])
	assert.Equal(t, int64(1), byThread[2])
}

func TestSchedTracerSwitchEnqueuesContextSwitchEntry(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(8, sink, nil)
	defer r.Close()
	tr := &SchedTracer{R: r, CPU: 0}

	from := thread.New()
	to := thread.New()
	tr.Switch(from, to, sched.Reinsert)

	require.Eventually(t, func() bool { return len(sink.entries) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ThreadContextSwitch, sink.entries[0].Event)
}
