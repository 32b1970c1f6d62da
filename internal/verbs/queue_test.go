package verbs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-ibnet/ibnet/internal/verbs"
	"github.com/go-ibnet/ibnet/internal/verbs/simulated"
)

func TestSendRecvQueueRoundTrip(t *testing.T) {
	fabric := simulated.NewFabric()
	provA := fabric.NewProvider(1)
	provB := fabric.NewProvider(2)

	devA, err := provA.OpenDevice("sim0")
	require.NoError(t, err)
	devB, err := provB.OpenDevice("sim0")
	require.NoError(t, err)
	pdA, _ := provA.AllocPD(devA)
	pdB, _ := provB.AllocPD(devB)

	cqAHandle, err := provA.CreateCQ(devA, 8)
	require.NoError(t, err)
	cqBHandle, err := provB.CreateCQ(devB, 8)
	require.NoError(t, err)

	qpA, err := provA.CreateQP(pdA, cqAHandle, cqAHandle, nil, 8, 8)
	require.NoError(t, err)
	qpB, err := provB.CreateQP(pdB, cqBHandle, cqBHandle, nil, 8, 8)
	require.NoError(t, err)

	cqA := verbs.NewCompQueue(provA, cqAHandle, 8)
	cqB := verbs.NewCompQueue(provB, cqBHandle, 8)

	recvB := verbs.NewRecvQueue(provB, qpB, nil, cqB)
	require.NoError(t, recvB.Open(1, qpA.Num()))

	sendA := verbs.NewSendQueue(provA, qpA, cqA)
	recvA := verbs.NewRecvQueue(provA, qpA, nil, cqA)
	require.NoError(t, recvA.Open(2, qpB.Num()))
	require.NoError(t, sendA.Open())

	payload := []byte("queue pair payload")
	sendMR, err := provA.RegisterMR(pdA, payload)
	require.NoError(t, err)

	recvBuf := make([]byte, len(payload))
	recvMR, err := provB.RegisterMR(pdB, recvBuf)
	require.NoError(t, err)

	require.NoError(t, recvB.Receive(recvMR, 42))
	require.NoError(t, sendA.Send(sendMR, 0, uint32(len(payload)), 1))

	wc, ok, err := cqB.PollForCompletion(true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), wc.WorkReqID)
	require.Equal(t, string(payload), string(recvBuf))

	// The send side also gets a signaled completion.
	wc, ok, err = cqA.PollForCompletion(true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), wc.WorkReqID)
}

func TestSendQueueRejectsBeforeRTS(t *testing.T) {
	fabric := simulated.NewFabric()
	prov := fabric.NewProvider(1)
	dev, _ := prov.OpenDevice("sim0")
	pd, _ := prov.AllocPD(dev)
	cqHandle, _ := prov.CreateCQ(dev, 4)
	qp, _ := prov.CreateQP(pd, cqHandle, cqHandle, nil, 4, 4)

	cq := verbs.NewCompQueue(prov, cqHandle, 4)
	send := verbs.NewSendQueue(prov, qp, cq)

	buf := []byte("x")
	mr, _ := prov.RegisterMR(pd, buf)

	err := send.Send(mr, 0, 1, 1)
	require.Error(t, err)
}

func TestQueueClosedRejectsOperations(t *testing.T) {
	fabric := simulated.NewFabric()
	prov := fabric.NewProvider(1)
	dev, _ := prov.OpenDevice("sim0")
	pd, _ := prov.AllocPD(dev)
	cqHandle, _ := prov.CreateCQ(dev, 4)
	qp, _ := prov.CreateQP(pd, cqHandle, cqHandle, nil, 4, 4)

	cq := verbs.NewCompQueue(prov, cqHandle, 4)
	recv := verbs.NewRecvQueue(prov, qp, nil, cq)
	recv.Close()

	buf := make([]byte, 4)
	mr, _ := prov.RegisterMR(pd, buf)
	err := recv.Receive(mr, 1)
	require.Error(t, err)
}
