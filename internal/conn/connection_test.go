package conn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-ibnet/ibnet/internal/verbs"
	"github.com/go-ibnet/ibnet/internal/verbs/simulated"
)

func newSimPair(t *testing.T) (*simulated.Fabric, *simulated.Provider, *simulated.Provider) {
	t.Helper()
	fabric := simulated.NewFabric()
	return fabric, fabric.NewProvider(1), fabric.NewProvider(2)
}

func TestSimpleCreatorRoundTrip(t *testing.T) {
	_, provA, provB := newSimPair(t)
	devA, err := provA.OpenDevice("sim0")
	require.NoError(t, err)
	pdA, err := provA.AllocPD(devA)
	require.NoError(t, err)
	devB, err := provB.OpenDevice("sim0")
	require.NoError(t, err)
	pdB, err := provB.AllocPD(devB)
	require.NoError(t, err)

	creatorA := &SimpleCreator{Provider: provA, Device: devA, PD: pdA, SendDepth: 16, RecvDepth: 16}
	creatorB := &SimpleCreator{Provider: provB, Device: devB, PD: pdB, SendDepth: 16, RecvDepth: 16}

	connA, err := creatorA.CreateConnection(1)
	require.NoError(t, err)
	connB, err := creatorB.CreateConnection(1)
	require.NoError(t, err)

	lidA, _ := provA.LID(devA)
	lidB, _ := provB.LID(devB)

	require.NoError(t, connA.Connect(RemoteInfo{NodeID: 2, LID: lidB, PhysicalQPIDs: connB.PhysicalQPNums()}))
	require.NoError(t, connB.Connect(RemoteInfo{NodeID: 1, LID: lidA, PhysicalQPIDs: connA.PhysicalQPNums()}))

	require.True(t, connA.IsConnected())
	require.True(t, connB.IsConnected())

	mr, err := provB.RegisterMR(pdB, make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, connB.PayloadRecv().Receive(mr, 42))

	sendMR, err := provA.RegisterMR(pdA, []byte("hello datapath"))
	require.NoError(t, err)
	require.NoError(t, connA.PayloadSend().Send(sendMR, 0, 14, 1))

	wc, ok, err := connB.PayloadRecv().CQ().PollForCompletion(true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), wc.WorkReqID)

	require.NoError(t, connA.Close(false))
	require.NoError(t, connB.Close(false))
}

func TestSimpleCreatorNoFlowControlPair(t *testing.T) {
	_, provA, _ := newSimPair(t)
	devA, _ := provA.OpenDevice("sim0")
	pdA, _ := provA.AllocPD(devA)
	creator := &SimpleCreator{Provider: provA, Device: devA, PD: pdA, SendDepth: 8, RecvDepth: 8}
	c, err := creator.CreateConnection(1)
	require.NoError(t, err)
	require.Equal(t, 1, c.QPCount())
	_, ok := c.FlowControlSend()
	require.False(t, ok)
	_, ok = c.FlowControlRecv()
	require.False(t, ok)
}

func TestDatapathCreatorTwoQPs(t *testing.T) {
	_, provA, provB := newSimPair(t)
	devA, _ := provA.OpenDevice("sim0")
	pdA, _ := provA.AllocPD(devA)
	devB, _ := provB.OpenDevice("sim0")
	pdB, _ := provB.AllocPD(devB)

	creatorA := &DatapathCreator{Provider: provA, Device: devA, PD: pdA, PayloadSendDepth: 16, PayloadRecvDepth: 16, FCRecvDepth: 4}
	creatorB := &DatapathCreator{Provider: provB, Device: devB, PD: pdB, PayloadSendDepth: 16, PayloadRecvDepth: 16, FCRecvDepth: 4}

	connA, err := creatorA.CreateConnection(1)
	require.NoError(t, err)
	connB, err := creatorB.CreateConnection(1)
	require.NoError(t, err)
	require.Equal(t, 2, connA.QPCount())

	lidA, _ := provA.LID(devA)
	lidB, _ := provB.LID(devB)
	require.NoError(t, connA.Connect(RemoteInfo{NodeID: 2, LID: lidB, PhysicalQPIDs: connB.PhysicalQPNums()}))
	require.NoError(t, connB.Connect(RemoteInfo{NodeID: 1, LID: lidA, PhysicalQPIDs: connA.PhysicalQPNums()}))

	fcSendA, ok := connA.FlowControlSend()
	require.True(t, ok)
	fcRecvB, ok := connB.FlowControlRecv()
	require.True(t, ok)

	mr, err := provB.RegisterMR(pdB, make([]byte, 4))
	require.NoError(t, err)
	require.NoError(t, fcRecvB.Receive(mr, 7))

	creditMR, err := provA.RegisterMR(pdA, make([]byte, 4))
	require.NoError(t, err)
	require.NoError(t, fcSendA.Send(creditMR, 0, 4, 1))

	wc, ok, err := fcRecvB.CQ().PollForCompletion(true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), wc.WorkReqID)
}

func TestDatapathCreatorSharesTrackerAcrossConnections(t *testing.T) {
	_, provA, _ := newSimPair(t)
	devA, _ := provA.OpenDevice("sim0")
	pdA, _ := provA.AllocPD(devA)

	sharedSRQ, err := provA.CreateSRQ(pdA, 32)
	require.NoError(t, err)
	sharedCQHandle, err := provA.CreateCQ(devA, 32)
	require.NoError(t, err)
	sharedRCQ := verbs.NewCompQueue(provA, sharedCQHandle, 32)

	creator := &DatapathCreator{
		Provider: provA, Device: devA, PD: pdA,
		PayloadSendDepth: 16, PayloadRecvDepth: 32, FCRecvDepth: 4,
		SharedPayloadSRQ: sharedSRQ, SharedPayloadRecvCQ: sharedRCQ,
	}

	connOne, err := creator.CreateConnection(1)
	require.NoError(t, err)
	connTwo, err := creator.CreateConnection(2)
	require.NoError(t, err)

	require.Same(t, sharedRCQ, connOne.PayloadRecv().CQ())
	require.Same(t, sharedRCQ, connTwo.PayloadRecv().CQ())
	require.True(t, connOne.PayloadRecv().IsShared())

	mr, err := provA.RegisterMR(pdA, make([]byte, 8))
	require.NoError(t, err)
	// Posting through one connection's shared recv queue must be visible in
	// the other's tracker, since they are the same underlying CompQueue.
	require.NoError(t, connOne.PayloadRecv().Receive(mr, 99))
	require.Equal(t, uint32(1), sharedRCQ.Tracker().Current())
	require.Equal(t, uint32(1), connTwo.PayloadRecv().CQ().Tracker().Current())
}

func TestConnectRejectsMismatchedQPCount(t *testing.T) {
	_, provA, _ := newSimPair(t)
	devA, _ := provA.OpenDevice("sim0")
	pdA, _ := provA.AllocPD(devA)
	creator := &SimpleCreator{Provider: provA, Device: devA, PD: pdA, SendDepth: 8, RecvDepth: 8}
	c, err := creator.CreateConnection(1)
	require.NoError(t, err)

	err = c.Connect(RemoteInfo{NodeID: 2, LID: 1, PhysicalQPIDs: []uint32{1, 2}})
	require.Error(t, err)
}
