package ibnet

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-ibnet/ibnet/internal/config"
	"github.com/go-ibnet/ibnet/internal/conn"
	"github.com/go-ibnet/ibnet/internal/discovery"
	"github.com/go-ibnet/ibnet/internal/engine"
	"github.com/go-ibnet/ibnet/internal/jobqueue"
	"github.com/go-ibnet/ibnet/internal/logging"
	"github.com/go-ibnet/ibnet/internal/manager"
	"github.com/go-ibnet/ibnet/internal/metrics"
	"github.com/go-ibnet/ibnet/internal/pool"
	"github.com/go-ibnet/ibnet/internal/verbs"
)

// Topology selects the Connection Creator strategy a Runtime uses for
// every connection it brings up.
type Topology int

const (
	// TopologySimple gives every connection one queue pair, sharing a
	// single receive SRQ/CQ across peers, and carries no flow control
	// path of its own.
	TopologySimple Topology = iota
	// TopologyDatapath gives every connection two queue pairs: payload on
	// QP[0], flow control on QP[1], each with its own shared SRQ/CQ.
	TopologyDatapath
)

// Options configures a new Runtime. Config and Provider are required;
// DeviceName defaults to "ibnet0" when empty. Source, Sink and FCSink may be
// nil, in which case the Runtime sends nothing on its own and silently
// discards received payload/credits (still acking the underlying queue so
// the peer is never starved).
type Options struct {
	Config     config.Config
	Provider   verbs.Provider
	DeviceName string
	Topology   Topology

	Source SendSource
	Sink   RecvSink
	FCSink FlowControlSink
}

// Runtime is the root facade: one value per node, owning its device handle,
// protection domain, connection manager, exchange worker, and send/recv
// engines. There is no package-level global state; every long-running
// worker this module starts is reachable only from the Runtime that created
// it, and Stop joins all of them before returning.
type Runtime struct {
	cfg      config.Config
	provider verbs.Provider
	device   verbs.DeviceHandle
	pd       verbs.PDHandle
	ident    uint32
	lid      uint16

	jobs         *jobqueue.Queue
	discoveryCtx *discovery.Context
	mgr          *manager.Manager
	exchange     *discovery.ExchangeWorker
	sendEngine   *engine.SendEngine
	recvEngine   *engine.RecvEngine

	metrics   *metrics.Metrics
	collector *metrics.Collector

	events chan Event

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// New constructs a Runtime. It opens the verbs device, allocates a
// protection domain, and builds every shared recv-side queue up front, but
// starts no goroutines; call Start to bring the worker threads up.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Provider == nil {
		return nil, NewError("ibnet.New", CodeConfig, "no verbs provider supplied")
	}
	deviceName := opts.DeviceName
	if deviceName == "" {
		deviceName = "ibnet0"
	}

	device, err := opts.Provider.OpenDevice(deviceName)
	if err != nil {
		return nil, WrapError("ibnet.New", err)
	}
	pd, err := opts.Provider.AllocPD(device)
	if err != nil {
		return nil, WrapError("ibnet.New", err)
	}
	lid, err := opts.Provider.LID(device)
	if err != nil {
		return nil, WrapError("ibnet.New", err)
	}

	rt := &Runtime{
		cfg:      cfg,
		provider: opts.Provider,
		device:   device,
		pd:       pd,
		ident:    rand.Uint32(),
		lid:      lid,
		jobs:     jobqueue.New(uint32(cfg.JobQueueCapacity)),
		events:   make(chan Event, 256),
		metrics:  metrics.NewMetrics(),
	}
	if cfg.MetricsEnabled {
		rt.collector = metrics.NewCollector(rt.metrics, "ibnet")
	}

	sink := &eventSink{rt: rt}
	rt.discoveryCtx = discovery.NewContext(cfg.OwnNodeID, cfg.SocketPort, sink)

	exchange, err := discovery.NewExchangeWorker(discovery.ExchangeWorkerConfig{
		Port:        cfg.SocketPort,
		BindAddr:    cfg.BindAddr,
		OwnNodeID:   cfg.OwnNodeID,
		Ident:       rt.ident,
		LID:         lid,
		Jobs:        rt.jobs,
		Context:     rt.discoveryCtx,
		CPUAffinity: affinityFor(cfg.CPUAffinity, 1),
	})
	if err != nil {
		return nil, WrapError("ibnet.New", err)
	}
	rt.exchange = exchange

	// One shared payload receive SRQ+CQ regardless of topology: the Recv
	// Engine polls exactly one payload completion queue on behalf of every
	// peer, never one per connection.
	payloadSRQ, err := opts.Provider.CreateSRQ(pd, uint32(cfg.MaxRecvReqs))
	if err != nil {
		return nil, WrapError("ibnet.New", err)
	}
	payloadCQHandle, err := opts.Provider.CreateCQ(device, uint32(cfg.MaxRecvReqs))
	if err != nil {
		return nil, WrapError("ibnet.New", err)
	}
	payloadCQ := verbs.NewCompQueue(opts.Provider, payloadCQHandle, uint32(cfg.MaxRecvReqs))

	var fcSRQ verbs.SRQHandle
	var fcCQ *verbs.CompQueue
	var creator conn.Creator
	switch opts.Topology {
	case TopologyDatapath:
		fcSRQ, err = opts.Provider.CreateSRQ(pd, uint32(cfg.FlowControlMaxRecvReqs))
		if err != nil {
			return nil, WrapError("ibnet.New", err)
		}
		fcCQHandle, err := opts.Provider.CreateCQ(device, uint32(cfg.FlowControlMaxRecvReqs))
		if err != nil {
			return nil, WrapError("ibnet.New", err)
		}
		fcCQ = verbs.NewCompQueue(opts.Provider, fcCQHandle, uint32(cfg.FlowControlMaxRecvReqs))
		creator = &conn.DatapathCreator{
			Provider:            opts.Provider,
			Device:              device,
			PD:                  pd,
			PayloadSendDepth:    uint32(cfg.MaxSendReqs),
			PayloadRecvDepth:    uint32(cfg.MaxRecvReqs),
			FCRecvDepth:         uint32(cfg.FlowControlMaxRecvReqs),
			SharedPayloadSRQ:    payloadSRQ,
			SharedPayloadRecvCQ: payloadCQ,
			SharedFCSRQ:         fcSRQ,
			SharedFCRecvCQ:      fcCQ,
		}
	default:
		creator = &conn.SimpleCreator{
			Provider:      opts.Provider,
			Device:        device,
			PD:            pd,
			SendDepth:     uint32(cfg.MaxSendReqs),
			RecvDepth:     uint32(cfg.MaxRecvReqs),
			SharedRecvSRQ: payloadSRQ,
			SharedRecvCQ:  payloadCQ,
		}
	}

	rt.mgr = manager.New(manager.Config{
		OwnNodeID:         cfg.OwnNodeID,
		OwnIdent:          rt.ident,
		OwnLID:            lid,
		MaxNumConnections: cfg.MaxNumConnections,
		CreationTimeout:   cfg.ConnectionCreationTimeout,
		SocketPort:        cfg.SocketPort,
		CPUAffinity:       affinityFor(cfg.CPUAffinity, 0),
		Creator:           creator,
		Jobs:              rt.jobs,
		Discovery:         rt.discoveryCtx,
		Sender:            exchange,
		Notifier:          sink,
	})

	sendBuffers, err := pool.NewSendBuffers(opts.Provider, pd, cfg.MaxNumConnections, cfg.SendBufferSize, cfg.MaxSendReqs)
	if err != nil {
		return nil, WrapError("ibnet.New", err)
	}
	recvPool, err := pool.NewRecvPayloadPool(opts.Provider, pd, cfg.RecvBufferSize, cfg.RecvPoolCapacity())
	if err != nil {
		return nil, WrapError("ibnet.New", err)
	}
	var fcPool *pool.FCBufferPool
	if opts.Topology == TopologyDatapath {
		fcPool, err = pool.NewFCBufferPool(opts.Provider, pd, cfg.FlowControlMaxRecvReqs)
		if err != nil {
			return nil, WrapError("ibnet.New", err)
		}
	}

	source := opts.Source
	if source == nil {
		source = noopSendSource{}
	}
	rt.sendEngine = engine.NewSendEngine(engine.SendEngineConfig{
		Manager:        rt.mgr,
		Source:         source,
		Buffers:        sendBuffers,
		RecvBufferSize: cfg.RecvBufferSize,
		SendQueueDepth: cfg.MaxSendReqs,
		CPUAffinity:    affinityFor(cfg.CPUAffinity, 2),
		Observer:       rt.metrics,
	})

	var recvSink engine.RecvSink
	if opts.Sink != nil {
		recvSink = metrics.WrapRecvSink(opts.Sink, rt.metrics)
	}
	rt.recvEngine = engine.NewRecvEngine(engine.RecvEngineConfig{
		Manager:     rt.mgr,
		PayloadPool: recvPool,
		FCPool:      fcPool,
		PayloadCQ:   payloadCQ,
		FCCQ:        fcCQ,
		Sink:        recvSink,
		FCSink:      metrics.WrapFlowControlSink(opts.FCSink, rt.metrics),
		CPUAffinity: affinityFor(cfg.CPUAffinity, 3),
	})

	return rt, nil
}

// affinityFor picks the CPU a given worker index pins to, round-robining
// over cpus. An empty list means unpinned (-1).
func affinityFor(cpus []int, idx int) int {
	if len(cpus) == 0 {
		return -1
	}
	return cpus[idx%len(cpus)]
}

// Start brings up the Job Worker, Exchange Worker, Send Engine and Recv
// Engine goroutines. Calling Start twice on the same Runtime is a no-op.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.started = true

	rt.wg.Add(4)
	go func() { defer rt.wg.Done(); rt.mgr.Run(runCtx) }()
	go func() { defer rt.wg.Done(); rt.exchange.Run(runCtx) }()
	go func() { defer rt.wg.Done(); rt.sendEngine.Run(runCtx) }()
	go func() { defer rt.wg.Done(); rt.recvEngine.Run(runCtx) }()

	if rt.cfg.MetricsEnabled {
		rt.wg.Add(1)
		go func() { defer rt.wg.Done(); rt.statsLoop(runCtx) }()
	}
	return nil
}

// statsLoop periodically republishes the job queue depth into the metrics
// counters the Collector scrapes, since the Job Worker itself has no
// natural point to push that gauge from on every change.
func (rt *Runtime) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.metrics.SetJobQueueDepth(rt.mgr.JobQueueDepth())
		}
	}
}

// Stop enqueues a forced close for every connection, waits for every worker
// goroutine to exit, closes the exchange socket and verbs device, and closes
// the event channel. Stop is idempotent; calling it on a Runtime that was
// never started is a no-op.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()

	rt.mgr.Shutdown()
	rt.cancel()
	rt.wg.Wait()

	if err := rt.exchange.Close(); err != nil {
		logging.Debug("runtime: exchange socket close failed", "err", err)
	}
	if err := rt.provider.Close(); err != nil {
		logging.Debug("runtime: provider close failed", "err", err)
	}
	close(rt.events)
}

// AddNode registers a peer awaiting discovery at ip under nodeID.
func (rt *Runtime) AddNode(nodeID uint16, ip string) {
	rt.mgr.AddNode(nodeID, ip)
}

// GetConnection blocks (spinning) until nodeID's connection is established
// or ConnectionCreationTimeout elapses. Every successful call must be
// matched with exactly one ReturnConnection.
func (rt *Runtime) GetConnection(nodeID uint16) (*Connection, error) {
	c, err := rt.mgr.GetConnection(nodeID)
	if err != nil {
		return nil, err
	}
	return &Connection{inner: c}, nil
}

// ReturnConnection releases a handle obtained from GetConnection. A nil
// Connection is a no-op.
func (rt *Runtime) ReturnConnection(c *Connection) {
	if c == nil {
		return
	}
	rt.mgr.ReturnConnection(c.inner)
}

// CloseConnection enqueues an asynchronous close for nodeID; force tears
// down the connection even if handles are still checked out.
func (rt *Runtime) CloseConnection(nodeID uint16, force bool) {
	rt.mgr.CloseConnection(nodeID, force)
}

// IsConnectionAvailable reports whether nodeID currently has a usable
// Connection.
func (rt *Runtime) IsConnectionAvailable(nodeID uint16) bool {
	return rt.mgr.IsConnectionAvailable(nodeID)
}

// GetNodeIdForPhysicalQPNum translates a local physical queue pair number
// back to the node id it belongs to, or InvalidNodeID if the mapping isn't
// published yet.
func (rt *Runtime) GetNodeIdForPhysicalQPNum(qpNum uint32) uint16 {
	return rt.mgr.GetNodeIdForPhysicalQPNum(qpNum)
}

// Events returns the channel Listener notifications are delivered on. It is
// closed once Stop returns.
func (rt *Runtime) Events() <-chan Event {
	return rt.events
}

func (rt *Runtime) emit(e Event) {
	select {
	case rt.events <- e:
	default:
		logging.Warn("runtime: event channel full, dropping event", "kind", e.Kind.String(), "node", e.NodeID)
	}
}

// PeerSnapshot is one peer's state as reported by DumpState.
type PeerSnapshot = manager.PeerSnapshot

// DebugSnapshot is a consistent-enough-for-debugging view of every peer a
// Runtime has ever heard of, plus the job worker's current queue depth.
type DebugSnapshot struct {
	Peers         []PeerSnapshot
	JobQueueDepth int
}

// DumpState reports a DebugSnapshot. It returns an error unless the Runtime
// was built with Config.EnableDebugThread set, since walking the peer table
// from a caller's goroutine is a deliberate introspection hatch, not part of
// the normal data path.
func (rt *Runtime) DumpState() (DebugSnapshot, error) {
	if !rt.cfg.EnableDebugThread {
		return DebugSnapshot{}, NewError("Runtime.DumpState", CodeConfig, "debug introspection disabled (EnableDebugThread=false)")
	}
	return DebugSnapshot{Peers: rt.mgr.Snapshot(), JobQueueDepth: rt.mgr.JobQueueDepth()}, nil
}
