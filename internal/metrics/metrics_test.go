package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/go-ibnet/ibnet/internal/engine"
)

type fakeRecvSink struct {
	got []engine.RecvBuffer
}

func (s *fakeRecvSink) Deliver(buf engine.RecvBuffer) { s.got = append(s.got, buf) }

type fakeFCSink struct {
	got []uint32
}

func (s *fakeFCSink) DeliverFlowControl(nodeID uint16, credit uint32) { s.got = append(s.got, credit) }

func TestObserverRecordsSendSideCounters(t *testing.T) {
	m := NewMetrics()
	var obs engine.Observer = m

	obs.OnBytesSent(1, 128)
	obs.OnBytesSent(1, 64)
	obs.OnFlowControlSent(1)
	obs.OnSendError(1, errors.New("boom"))

	require.EqualValues(t, 192, m.BytesSent.Load())
	require.EqualValues(t, 1, m.FCSent.Load())
	require.EqualValues(t, 1, m.SendErrors.Load())
}

func TestWrapRecvSinkForwardsAndCounts(t *testing.T) {
	m := NewMetrics()
	inner := &fakeRecvSink{}
	sink := WrapRecvSink(inner, m)

	sink.Deliver(engine.RecvBuffer{NodeID: 2, Payload: make([]byte, 37)})
	sink.Deliver(engine.RecvBuffer{NodeID: 2, Payload: make([]byte, 13)})

	require.EqualValues(t, 50, m.BytesRecv.Load())
	require.Len(t, inner.got, 2)
}

func TestWrapFlowControlSinkForwardsAndCounts(t *testing.T) {
	m := NewMetrics()
	inner := &fakeFCSink{}
	sink := WrapFlowControlSink(inner, m)

	sink.DeliverFlowControl(3, 9)

	require.EqualValues(t, 1, m.FCRecv.Load())
	require.Equal(t, []uint32{9}, inner.got)
}

func TestCollectorReportsCurrentCounters(t *testing.T) {
	m := NewMetrics()
	m.BytesSent.Store(10)
	m.RecordZombieDetected()
	m.SetJobQueueDepth(5)

	c := NewCollector(m, "ibnet")
	require.NoError(t, testCollectAndCount(c))
}

// testCollectAndCount drives Describe/Collect directly, the way
// prometheus.Registry does internally, without pulling in the testutil
// package just for a smoke test.
func testCollectAndCount(c prometheus.Collector) error {
	descs := make(chan *prometheus.Desc, 16)
	c.Describe(descs)
	close(descs)
	n := 0
	for range descs {
		n++
	}
	if n != 9 {
		return errors.New("unexpected descriptor count")
	}

	metrics := make(chan prometheus.Metric, 16)
	c.Collect(metrics)
	close(metrics)
	got := 0
	for range metrics {
		got++
	}
	if got != n {
		return errors.New("unexpected metric count")
	}
	return nil
}
