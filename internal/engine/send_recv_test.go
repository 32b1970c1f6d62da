package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-ibnet/ibnet/internal/conn"
	"github.com/go-ibnet/ibnet/internal/discovery"
	"github.com/go-ibnet/ibnet/internal/jobqueue"
	"github.com/go-ibnet/ibnet/internal/manager"
	"github.com/go-ibnet/ibnet/internal/pool"
	"github.com/go-ibnet/ibnet/internal/verbs"
	"github.com/go-ibnet/ibnet/internal/verbs/simulated"
	"github.com/go-ibnet/ibnet/internal/wire"
)

// engineNotifier wires a RecvEngine's one-time prefill to the first
// NodeConnected event, the same way the root runtime's notifier adapter
// does, and otherwise records events for assertions.
type engineNotifier struct {
	recv *RecvEngine

	mu        sync.Mutex
	connected []uint16
}

func (n *engineNotifier) NodeDiscovered(uint16)  {}
func (n *engineNotifier) NodeInvalidated(uint16) {}
func (n *engineNotifier) NodeConnected(nodeID uint16, c *conn.Connection) {
	n.mu.Lock()
	n.connected = append(n.connected, nodeID)
	n.mu.Unlock()
	if n.recv != nil {
		n.recv.NotifyConnected(c)
	}
}
func (n *engineNotifier) NodeDisconnected(uint16) {}

// directSender re-enqueues a sent packet straight onto the recipient's job
// queue, the same translation ExchangeWorker.dispatch does for a packet
// arriving off the wire, minus the actual UDP hop.
type directSender struct {
	target *jobqueue.Queue
}

func (d *directSender) SendTo(ip string, port int, pkt wire.Packet) error {
	if pkt.Type == wire.PacketConnectionInfo {
		d.target.Push(jobqueue.Job{Kind: jobqueue.CreateWithRemote, NodeID: pkt.NodeID, IP: "unused", Ident: pkt.Ident, LID: pkt.LID, QPIds: pkt.QPIds})
	}
	return nil
}

// oneShotSource hands out a single WorkDescriptor and then reports nothing
// to send forever after.
type oneShotSource struct {
	mu   sync.Mutex
	wd   WorkDescriptor
	sent bool
}

func (s *oneShotSource) Next(prevNodeID uint16, prevBytesWritten int) (WorkDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent {
		return WorkDescriptor{}, false
	}
	s.sent = true
	return s.wd, true
}

type collectingSink struct {
	mu  sync.Mutex
	got []RecvBuffer
}

func (s *collectingSink) Deliver(buf RecvBuffer) {
	cp := make([]byte, len(buf.Payload))
	copy(cp, buf.Payload)
	buf.Return()
	s.mu.Lock()
	s.got = append(s.got, RecvBuffer{NodeID: buf.NodeID, Payload: cp})
	s.mu.Unlock()
}

func (s *collectingSink) snapshot() []RecvBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecvBuffer, len(s.got))
	copy(out, s.got)
	return out
}

type collectingFCSink struct {
	mu      sync.Mutex
	credits []uint32
}

func (s *collectingFCSink) DeliverFlowControl(nodeID uint16, credit uint32) {
	s.mu.Lock()
	s.credits = append(s.credits, credit)
	s.mu.Unlock()
}

func (s *collectingFCSink) snapshot() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.credits))
	copy(out, s.credits)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

// TestSendRecvEnginePayloadRoundTrip wires a Simple (single-QP) connection
// between two managers and drives one payload message A -> B entirely
// through a SendEngine and a RecvEngine.
func TestSendRecvEnginePayloadRoundTrip(t *testing.T) {
	fabric := simulated.NewFabric()
	providerA := fabric.NewProvider(1)
	providerB := fabric.NewProvider(2)
	devA, _ := providerA.OpenDevice("sim")
	pdA, _ := providerA.AllocPD(devA)
	devB, _ := providerB.OpenDevice("sim")
	pdB, _ := providerB.AllocPD(devB)

	const payloadSize = 256
	jobsA := jobqueue.New(16)
	jobsB := jobqueue.New(16)

	sendBuffersA, err := pool.NewSendBuffers(providerA, pdA, 8, payloadSize, 4)
	require.NoError(t, err)
	recvPoolB, err := pool.NewRecvPayloadPool(providerB, pdB, payloadSize, 8)
	require.NoError(t, err)

	// B's payload receives go through one shared SRQ/CQ, the queue its
	// RecvEngine polls.
	srqB, err := providerB.CreateSRQ(pdB, 8)
	require.NoError(t, err)
	cqHandleB, err := providerB.CreateCQ(devB, 8)
	require.NoError(t, err)
	payloadCQB := verbs.NewCompQueue(providerB, cqHandleB, 8)

	sink := &collectingSink{}

	notA := &engineNotifier{}
	notB := &engineNotifier{}

	ctxA := discovery.NewContext(1, 9990, notA)
	ctxA.AddPending(2, "b-ip")
	ctxA.Discovered("b-ip", 2, 0xBBBB)
	ctxB := discovery.NewContext(2, 9990, notB)

	mA := manager.New(manager.Config{
		OwnNodeID: 1, OwnIdent: 0xAAAA, OwnLID: 1,
		MaxNumConnections: 8, CreationTimeout: 2 * time.Second, SocketPort: 9990, CPUAffinity: -1,
		Creator:   &conn.SimpleCreator{Provider: providerA, Device: devA, PD: pdA, SendDepth: 8, RecvDepth: 8},
		Jobs:      jobsA,
		Discovery: ctxA,
		Sender:    &directSender{target: jobsB},
		Notifier:  notA,
	})
	mB := manager.New(manager.Config{
		OwnNodeID: 2, OwnIdent: 0xBBBB, OwnLID: 2,
		MaxNumConnections: 8, CreationTimeout: 2 * time.Second, SocketPort: 9990, CPUAffinity: -1,
		Creator:   &conn.SimpleCreator{Provider: providerB, Device: devB, PD: pdB, SendDepth: 8, RecvDepth: 8, SharedRecvSRQ: srqB, SharedRecvCQ: payloadCQB},
		Jobs:      jobsB,
		Discovery: ctxB,
		Sender:    &directSender{target: jobsA},
		Notifier:  notB,
	})
	recvEngineB := NewRecvEngine(RecvEngineConfig{Manager: mB, PayloadCQ: payloadCQB, PayloadPool: recvPoolB, Sink: sink, CPUAffinity: -1})
	notB.recv = recvEngineB

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mA.Run(ctx)
	go mB.Run(ctx)

	source := &oneShotSource{wd: WorkDescriptor{NodeID: 2, Data: []byte("hello from node one")}}
	sendEngineA := NewSendEngine(SendEngineConfig{
		Manager: mA, Source: source, Buffers: sendBuffersA,
		RecvBufferSize: payloadSize, SendQueueDepth: 4, CPUAffinity: -1,
	})
	go sendEngineA.Run(ctx)
	go recvEngineB.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) == 1 })

	got := sink.snapshot()
	require.Equal(t, uint16(1), got[0].NodeID)
	require.Equal(t, "hello from node one", string(got[0].Payload))
}

// TestRecvEngineFlowControlRoundTrip wires a Datapath (payload + flow
// control) connection and checks a flow-control credit sent from A over B's
// shared FC recv queue reaches B's FlowControlSink.
func TestRecvEngineFlowControlRoundTrip(t *testing.T) {
	fabric := simulated.NewFabric()
	providerA := fabric.NewProvider(1)
	providerB := fabric.NewProvider(2)
	devA, _ := providerA.OpenDevice("sim")
	pdA, _ := providerA.AllocPD(devA)
	devB, _ := providerB.OpenDevice("sim")
	pdB, _ := providerB.AllocPD(devB)

	const payloadSize = 256
	jobsA := jobqueue.New(16)
	jobsB := jobqueue.New(16)

	creatorA := &conn.DatapathCreator{
		Provider: providerA, Device: devA, PD: pdA,
		PayloadSendDepth: 8, PayloadRecvDepth: 8, FCRecvDepth: 8,
	}
	// B's flow-control receives go through one shared SRQ/CQ, the queue its
	// RecvEngine polls.
	fcSRQB, err := providerB.CreateSRQ(pdB, 8)
	require.NoError(t, err)
	fcCQHandleB, err := providerB.CreateCQ(devB, 8)
	require.NoError(t, err)
	fcCQB := verbs.NewCompQueue(providerB, fcCQHandleB, 8)

	creatorB := &conn.DatapathCreator{
		Provider: providerB, Device: devB, PD: pdB,
		PayloadSendDepth: 8, PayloadRecvDepth: 8, FCRecvDepth: 8,
		SharedFCSRQ: fcSRQB, SharedFCRecvCQ: fcCQB,
	}

	sendBuffersA, err := pool.NewSendBuffers(providerA, pdA, 8, payloadSize, 8)
	require.NoError(t, err)
	recvPoolB, err := pool.NewRecvPayloadPool(providerB, pdB, payloadSize, 8)
	require.NoError(t, err)
	fcPoolB, err := pool.NewFCBufferPool(providerB, pdB, 8)
	require.NoError(t, err)

	sink := &collectingSink{}
	fcSink := &collectingFCSink{}

	notA := &engineNotifier{}
	notB := &engineNotifier{}

	ctxA := discovery.NewContext(1, 9990, notA)
	ctxA.AddPending(2, "b-ip")
	ctxA.Discovered("b-ip", 2, 0xBBBB)
	ctxB := discovery.NewContext(2, 9990, notB)

	mA := manager.New(manager.Config{
		OwnNodeID: 1, OwnIdent: 0xAAAA, OwnLID: 1,
		MaxNumConnections: 8, CreationTimeout: 2 * time.Second, SocketPort: 9990, CPUAffinity: -1,
		Creator:   creatorA,
		Jobs:      jobsA,
		Discovery: ctxA,
		Sender:    &directSender{target: jobsB},
		Notifier:  notA,
	})
	mB := manager.New(manager.Config{
		OwnNodeID: 2, OwnIdent: 0xBBBB, OwnLID: 2,
		MaxNumConnections: 8, CreationTimeout: 2 * time.Second, SocketPort: 9990, CPUAffinity: -1,
		Creator:   creatorB,
		Jobs:      jobsB,
		Discovery: ctxB,
		Sender:    &directSender{target: jobsA},
		Notifier:  notB,
	})
	recvEngineB := NewRecvEngine(RecvEngineConfig{Manager: mB, FCCQ: fcCQB, PayloadPool: recvPoolB, FCPool: fcPoolB, Sink: sink, FCSink: fcSink, CPUAffinity: -1})
	notB.recv = recvEngineB

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mA.Run(ctx)
	go mB.Run(ctx)
	go recvEngineB.Run(ctx)

	go func() { _, _ = mA.GetConnection(2) }()
	waitFor(t, 2*time.Second, func() bool { return mA.IsConnectionAvailable(2) })

	source := &oneShotSource{wd: WorkDescriptor{NodeID: 2, FlowControlData: 7}}
	sendEngineA := NewSendEngine(SendEngineConfig{
		Manager: mA, Source: source, Buffers: sendBuffersA,
		RecvBufferSize: payloadSize, SendQueueDepth: 4, CPUAffinity: -1,
	})
	go sendEngineA.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(fcSink.snapshot()) == 1 })
	require.Equal(t, []uint32{7}, fcSink.snapshot())
}
