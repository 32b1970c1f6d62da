package ibnet

import "github.com/prometheus/client_golang/prometheus"

// Collector returns the Runtime's Prometheus collector, or nil if
// Config.MetricsEnabled is false. Register it with a prometheus.Registry
// the same way any other collector is registered; every value it reports
// comes straight off the Runtime's own atomic counters, so scraping never
// contends with the send/recv engines.
func (rt *Runtime) Collector() prometheus.Collector {
	if rt.collector == nil {
		return nil
	}
	return rt.collector
}

// MetricsSnapshot is a point-in-time read of every counter a Runtime
// tracks, for callers that want the numbers without standing up a
// Prometheus scrape.
type MetricsSnapshot struct {
	BytesSent     uint64
	BytesRecv     uint64
	FCSent        uint64
	FCRecv        uint64
	SendErrors    uint64
	ZombiesFound  uint64
	ConnsOpened   uint64
	ConnsClosed   uint64
	JobQueueDepth int64
}

// MetricsSnapshot reads every counter.
func (rt *Runtime) MetricsSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BytesSent:     rt.metrics.BytesSent.Load(),
		BytesRecv:     rt.metrics.BytesRecv.Load(),
		FCSent:        rt.metrics.FCSent.Load(),
		FCRecv:        rt.metrics.FCRecv.Load(),
		SendErrors:    rt.metrics.SendErrors.Load(),
		ZombiesFound:  rt.metrics.ZombiesFound.Load(),
		ConnsOpened:   rt.metrics.ConnsOpened.Load(),
		ConnsClosed:   rt.metrics.ConnsClosed.Load(),
		JobQueueDepth: rt.metrics.JobQueueDepth.Load(),
	}
}
