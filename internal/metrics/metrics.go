// Package metrics tracks connection-manager and data-plane statistics with
// atomic counters (SPEC_FULL.md section 10.5), the same shape the original
// ublk driver's Metrics type uses, and exposes them to Prometheus through a
// Collector grounded on the runZeroInc-conniver TCPInfoCollector's
// Describe/Collect split.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-ibnet/ibnet/internal/engine"
)

// Metrics holds the atomic counters updated from the send/recv engine hot
// paths. All fields are safe for concurrent use; Collector reads them from a
// Prometheus scrape goroutine while the engines keep incrementing them.
type Metrics struct {
	BytesSent     atomic.Uint64
	BytesRecv     atomic.Uint64
	FCSent        atomic.Uint64
	FCRecv        atomic.Uint64
	SendErrors    atomic.Uint64
	ZombiesFound  atomic.Uint64
	ConnsOpened   atomic.Uint64
	ConnsClosed   atomic.Uint64
	JobQueueDepth atomic.Int64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) RecordZombieDetected()   { m.ZombiesFound.Add(1) }
func (m *Metrics) RecordConnectionOpened() { m.ConnsOpened.Add(1) }
func (m *Metrics) RecordConnectionClosed() { m.ConnsClosed.Add(1) }
func (m *Metrics) SetJobQueueDepth(n int)  { m.JobQueueDepth.Store(int64(n)) }

// OnBytesSent, OnFlowControlSent and OnSendError implement engine.Observer,
// so a Metrics can be handed straight to a SendEngineConfig.
func (m *Metrics) OnBytesSent(nodeID uint16, n int)     { m.BytesSent.Add(uint64(n)) }
func (m *Metrics) OnFlowControlSent(nodeID uint16)      { m.FCSent.Add(1) }
func (m *Metrics) OnSendError(nodeID uint16, err error) { m.SendErrors.Add(1) }

var _ engine.Observer = (*Metrics)(nil)

// recvMeteringSink wraps a RecvSink so recv-side byte counts are recorded
// without the application's sink needing to know about metrics at all.
type recvMeteringSink struct {
	inner engine.RecvSink
	m     *Metrics
}

// WrapRecvSink returns a RecvSink that records bytes received into m before
// forwarding every buffer to inner unchanged.
func WrapRecvSink(inner engine.RecvSink, m *Metrics) engine.RecvSink {
	return &recvMeteringSink{inner: inner, m: m}
}

func (s *recvMeteringSink) Deliver(buf engine.RecvBuffer) {
	s.m.BytesRecv.Add(uint64(len(buf.Payload)))
	s.inner.Deliver(buf)
}

type fcMeteringSink struct {
	inner engine.FlowControlSink
	m     *Metrics
}

// WrapFlowControlSink is WrapRecvSink's flow-control-side counterpart.
func WrapFlowControlSink(inner engine.FlowControlSink, m *Metrics) engine.FlowControlSink {
	return &fcMeteringSink{inner: inner, m: m}
}

func (s *fcMeteringSink) DeliverFlowControl(nodeID uint16, credit uint32) {
	s.m.FCRecv.Add(1)
	if s.inner != nil {
		s.inner.DeliverFlowControl(nodeID, credit)
	}
}

// Collector exposes a Metrics to Prometheus. Unlike TCPInfoCollector it has
// no per-connection entries to track: every value it reports comes straight
// off the shared atomic counters, so Describe/Collect need no locking.
type Collector struct {
	m *Metrics

	bytesSent     *prometheus.Desc
	bytesRecv     *prometheus.Desc
	fcSent        *prometheus.Desc
	fcRecv        *prometheus.Desc
	sendErrors    *prometheus.Desc
	zombiesFound  *prometheus.Desc
	connsOpened   *prometheus.Desc
	connsClosed   *prometheus.Desc
	jobQueueDepth *prometheus.Desc
}

// NewCollector builds a Collector reporting m's counters under the given
// metric name prefix (e.g. "ibnet").
func NewCollector(m *Metrics, prefix string) *Collector {
	return &Collector{
		m:             m,
		bytesSent:     prometheus.NewDesc(prefix+"_bytes_sent_total", "Total application payload bytes sent.", nil, nil),
		bytesRecv:     prometheus.NewDesc(prefix+"_bytes_received_total", "Total application payload bytes received.", nil, nil),
		fcSent:        prometheus.NewDesc(prefix+"_flow_control_sent_total", "Total flow control credits sent.", nil, nil),
		fcRecv:        prometheus.NewDesc(prefix+"_flow_control_received_total", "Total flow control credits received.", nil, nil),
		sendErrors:    prometheus.NewDesc(prefix+"_send_errors_total", "Total send work request failures.", nil, nil),
		zombiesFound:  prometheus.NewDesc(prefix+"_zombie_connections_total", "Total zombie connections detected and torn down.", nil, nil),
		connsOpened:   prometheus.NewDesc(prefix+"_connections_opened_total", "Total connections brought up.", nil, nil),
		connsClosed:   prometheus.NewDesc(prefix+"_connections_closed_total", "Total connections torn down.", nil, nil),
		jobQueueDepth: prometheus.NewDesc(prefix+"_job_queue_depth", "Current depth of the job worker's queue.", nil, nil),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesSent
	descs <- c.bytesRecv
	descs <- c.fcSent
	descs <- c.fcRecv
	descs <- c.sendErrors
	descs <- c.zombiesFound
	descs <- c.connsOpened
	descs <- c.connsClosed
	descs <- c.jobQueueDepth
}

func (c *Collector) Collect(out chan<- prometheus.Metric) {
	out <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(c.m.BytesSent.Load()))
	out <- prometheus.MustNewConstMetric(c.bytesRecv, prometheus.CounterValue, float64(c.m.BytesRecv.Load()))
	out <- prometheus.MustNewConstMetric(c.fcSent, prometheus.CounterValue, float64(c.m.FCSent.Load()))
	out <- prometheus.MustNewConstMetric(c.fcRecv, prometheus.CounterValue, float64(c.m.FCRecv.Load()))
	out <- prometheus.MustNewConstMetric(c.sendErrors, prometheus.CounterValue, float64(c.m.SendErrors.Load()))
	out <- prometheus.MustNewConstMetric(c.zombiesFound, prometheus.CounterValue, float64(c.m.ZombiesFound.Load()))
	out <- prometheus.MustNewConstMetric(c.connsOpened, prometheus.CounterValue, float64(c.m.ConnsOpened.Load()))
	out <- prometheus.MustNewConstMetric(c.connsClosed, prometheus.CounterValue, float64(c.m.ConnsClosed.Load()))
	out <- prometheus.MustNewConstMetric(c.jobQueueDepth, prometheus.GaugeValue, float64(c.m.JobQueueDepth.Load()))
}

var _ prometheus.Collector = (*Collector)(nil)
