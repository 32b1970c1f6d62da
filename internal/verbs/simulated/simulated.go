// Package simulated implements a deterministic, in-process verbs.Provider.
// It does not touch any kernel driver or hardware: two Provider values
// created from the same Fabric behave as if connected by a real IB fabric,
// which is enough to exercise the full connection, send, and receive state
// machines in tests and in the bundled demo command. This plays the role
// go-ublk's stub Runner/Ring plays for its own real-backend build tag: a
// default that needs no special kernel feature.
package simulated

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ibnet/ibnet/internal/verbs"
)

type fabricKey struct {
	lid   uint16
	qpNum uint32
}

// Fabric is the shared rendezvous two or more simulated Providers connect
// through. Construct one Fabric per simulated cluster and one Provider per
// simulated node.
type Fabric struct {
	mu  sync.Mutex
	qps map[fabricKey]*qpImpl
}

func NewFabric() *Fabric {
	return &Fabric{qps: make(map[fabricKey]*qpImpl)}
}

func (f *Fabric) register(q *qpImpl) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qps[fabricKey{q.lid, q.num}] = q
}

func (f *Fabric) lookup(lid uint16, qpNum uint32) *qpImpl {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qps[fabricKey{lid, qpNum}]
}

// Provider is a verbs.Provider backed by Fabric. lid is the simulated local
// identifier this provider's queue pairs advertise.
type Provider struct {
	fabric *Fabric
	lid    uint16
	nextQP atomic.Uint32
}

// NewProvider creates a Provider representing one simulated node on the
// fabric, identified by lid.
func (f *Fabric) NewProvider(lid uint16) *Provider {
	return &Provider{fabric: f, lid: lid}
}

type deviceImpl struct{ lid uint16 }
type pdImpl struct{}
type mrImpl struct{ buf []byte }

type completion struct {
	wc verbs.WorkCompletion
}

type cqImpl struct {
	mu    sync.Mutex
	items []completion
}

func (c *cqImpl) push(wc verbs.WorkCompletion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, completion{wc})
}

func (c *cqImpl) pop() (verbs.WorkCompletion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return verbs.WorkCompletion{}, false
	}
	wc := c.items[0].wc
	c.items = c.items[1:]
	return wc, true
}

// pendingDelivery is a payload that arrived before its destination posted a
// matching receive buffer.
type pendingDelivery struct {
	targetQPNum uint32
	targetCQ    *cqImpl
	data        []byte
}

type posting struct {
	mr        *mrImpl
	workReqID uint64
}

type srqImpl struct {
	mu       sync.Mutex
	postings []posting
	pending  []pendingDelivery
}

type qpImpl struct {
	num    uint32
	lid    uint16
	sendCQ *cqImpl
	recvCQ *cqImpl
	srq    *srqImpl // nil if this QP owns a private recv queue

	mu       sync.Mutex
	peer     *qpImpl
	closed   bool
	postings []posting        // used only when srq == nil
	pending  []pendingDelivery // used only when srq == nil
}

func (q *qpImpl) Num() uint32 { return q.num }

func (p *Provider) OpenDevice(name string) (verbs.DeviceHandle, error) {
	return &deviceImpl{lid: p.lid}, nil
}

func (p *Provider) AllocPD(dev verbs.DeviceHandle) (verbs.PDHandle, error) {
	return &pdImpl{}, nil
}

func (p *Provider) RegisterMR(pd verbs.PDHandle, buf []byte) (verbs.MRHandle, error) {
	return &mrImpl{buf: buf}, nil
}

func (p *Provider) CreateCQ(dev verbs.DeviceHandle, size uint32) (verbs.CQHandle, error) {
	return &cqImpl{}, nil
}

func (p *Provider) CreateSRQ(pd verbs.PDHandle, size uint32) (verbs.SRQHandle, error) {
	return &srqImpl{}, nil
}

func (p *Provider) CreateQP(pd verbs.PDHandle, sendCQ, recvCQ verbs.CQHandle, srq verbs.SRQHandle, sendDepth, recvDepth uint32) (verbs.QPHandle, error) {
	var s *srqImpl
	if srq != nil {
		s = srq.(*srqImpl)
	}
	qp := &qpImpl{
		num:    p.nextQP.Add(1),
		lid:    p.lid,
		sendCQ: sendCQ.(*cqImpl),
		recvCQ: recvCQ.(*cqImpl),
		srq:    s,
	}
	p.fabric.register(qp)
	return qp, nil
}

func (p *Provider) ModifyQPToRTR(qpH verbs.QPHandle, remoteLID uint16, remoteQPNum uint32) error {
	qp := qpH.(*qpImpl)
	peer := p.fabric.lookup(remoteLID, remoteQPNum)
	if peer == nil {
		return fmt.Errorf("simulated: no peer queue pair registered for lid=%d qp=%d", remoteLID, remoteQPNum)
	}
	qp.mu.Lock()
	qp.peer = peer
	qp.mu.Unlock()
	return nil
}

func (p *Provider) ModifyQPToRTS(qpH verbs.QPHandle) error {
	return nil
}

func (p *Provider) PostSend(qpH verbs.QPHandle, mrH verbs.MRHandle, offset, size uint32, workReqID uint64) error {
	qp := qpH.(*qpImpl)
	mr := mrH.(*mrImpl)

	qp.mu.Lock()
	peer := qp.peer
	closed := qp.closed
	qp.mu.Unlock()
	if closed {
		return fmt.Errorf("simulated: send queue pair closed")
	}
	if peer == nil {
		return fmt.Errorf("simulated: queue pair not connected")
	}

	data := make([]byte, size)
	copy(data, mr.buf[offset:offset+size])
	deliver(peer, data)

	qp.sendCQ.push(verbs.WorkCompletion{
		WorkReqID: workReqID,
		QPNum:     qp.num,
		Status:    verbs.StatusSuccess,
		Length:    size,
	})
	return nil
}

func deliver(target *qpImpl, data []byte) {
	if target.srq != nil {
		deliverShared(target, data)
		return
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if len(target.postings) == 0 {
		target.pending = append(target.pending, pendingDelivery{targetQPNum: target.num, targetCQ: target.recvCQ, data: data})
		return
	}
	p := target.postings[0]
	target.postings = target.postings[1:]
	copy(p.mr.buf, data)
	target.recvCQ.push(verbs.WorkCompletion{WorkReqID: p.workReqID, QPNum: target.num, Status: verbs.StatusSuccess, Length: uint32(len(data))})
}

func deliverShared(target *qpImpl, data []byte) {
	s := target.srq
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.postings) == 0 {
		s.pending = append(s.pending, pendingDelivery{targetQPNum: target.num, targetCQ: target.recvCQ, data: data})
		return
	}
	p := s.postings[0]
	s.postings = s.postings[1:]
	copy(p.mr.buf, data)
	target.recvCQ.push(verbs.WorkCompletion{WorkReqID: p.workReqID, QPNum: target.num, Status: verbs.StatusSuccess, Length: uint32(len(data))})
}

func (p *Provider) PostRecv(qpH verbs.QPHandle, srqH verbs.SRQHandle, mrH verbs.MRHandle, workReqID uint64) error {
	mr := mrH.(*mrImpl)
	if srqH != nil {
		s := srqH.(*srqImpl)
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.pending) > 0 {
			pd := s.pending[0]
			s.pending = s.pending[1:]
			copy(mr.buf, pd.data)
			pd.targetCQ.push(verbs.WorkCompletion{WorkReqID: workReqID, QPNum: pd.targetQPNum, Status: verbs.StatusSuccess, Length: uint32(len(pd.data))})
			return nil
		}
		s.postings = append(s.postings, posting{mr: mr, workReqID: workReqID})
		return nil
	}

	qp := qpH.(*qpImpl)
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if len(qp.pending) > 0 {
		pd := qp.pending[0]
		qp.pending = qp.pending[1:]
		copy(mr.buf, pd.data)
		pd.targetCQ.push(verbs.WorkCompletion{WorkReqID: workReqID, QPNum: pd.targetQPNum, Status: verbs.StatusSuccess, Length: uint32(len(pd.data))})
		return nil
	}
	qp.postings = append(qp.postings, posting{mr: mr, workReqID: workReqID})
	return nil
}

func (p *Provider) PollCQ(cqH verbs.CQHandle, blocking bool) (verbs.WorkCompletion, bool, error) {
	cq := cqH.(*cqImpl)
	return cq.popOrEmpty()
}

func (c *cqImpl) popOrEmpty() (verbs.WorkCompletion, bool, error) {
	wc, ok := c.pop()
	return wc, ok, nil
}

func (p *Provider) LID(dev verbs.DeviceHandle) (uint16, error) {
	return dev.(*deviceImpl).lid, nil
}

func (p *Provider) Close() error { return nil }

// InjectDisconnect marks qp closed, so later sends on it fail, and queues a
// retries-exceeded completion on its peer's send completion queue,
// simulating a peer that vanished mid-flight. Test-only helper.
func InjectDisconnect(qpH verbs.QPHandle) {
	qp := qpH.(*qpImpl)
	qp.mu.Lock()
	qp.closed = true
	peer := qp.peer
	qp.mu.Unlock()
	if peer != nil {
		peer.sendCQ.push(verbs.WorkCompletion{QPNum: peer.num, Status: verbs.StatusRetryExceeded})
	}
}
