package verbs

import (
	"sync"

	"github.com/go-ibnet/ibnet/internal/ibnerr"
)

// QPState models the one-way state machine a queue pair's send and recv
// halves each move through: INIT at creation, RTR once the recv side knows
// the peer's LID/QP number, RTS once the send side additionally has its
// retry/timeout parameters set, CLOSED once torn down. Transitions never
// reverse.
type QPState int

const (
	QPStateInit QPState = iota
	QPStateRTR
	QPStateRTS
	QPStateClosed
)

// Fixed IB transport parameters (SPEC_FULL.md section 4.3). Not
// configurable: changing any of these requires a matching change on the
// peer, so they are compiled in rather than exposed through Config.
const (
	QueuePairMTU  = 2048
	MinRNRTimer   = 12
	AckTimeout    = 14
	AckRetryCount = 7
	RNRRetryCount = 7
)

// RecvQueue is the receive half of a queue pair. When backed by a shared
// SRQ it posts there instead of directly against the QP, and many RecvQueue
// instances may then share one underlying CompQueue as well.
type RecvQueue struct {
	provider Provider
	qp       QPHandle
	srq      SRQHandle
	cq       *CompQueue

	mu    sync.Mutex
	state QPState
}

func NewRecvQueue(provider Provider, qp QPHandle, srq SRQHandle, cq *CompQueue) *RecvQueue {
	return &RecvQueue{provider: provider, qp: qp, srq: srq, cq: cq, state: QPStateInit}
}

func (r *RecvQueue) IsShared() bool { return r.srq != nil }
func (r *RecvQueue) CQ() *CompQueue { return r.cq }

// Open transitions the queue pair to RTR given the peer's LID and QP
// number.
func (r *RecvQueue) Open(remoteLID uint16, remoteQPNum uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != QPStateInit {
		return ibnerr.New("RecvQueue.Open", ibnerr.CodeInvariant, "recv queue is not in INIT state")
	}
	if err := r.provider.ModifyQPToRTR(r.qp, remoteLID, remoteQPNum); err != nil {
		return ibnerr.Wrap("RecvQueue.Open", err)
	}
	r.state = QPStateRTR
	return nil
}

// Receive posts a single receive work request carrying mem as its sole
// scatter-gather element, workReqID as its identifying tag.
func (r *RecvQueue) Receive(mr MRHandle, workReqID uint64) error {
	r.mu.Lock()
	closed := r.state == QPStateClosed
	r.mu.Unlock()
	if closed {
		return ibnerr.New("RecvQueue.Receive", ibnerr.CodeQueueClosed, "recv queue closed")
	}
	if !r.cq.Tracker().Add() {
		return ibnerr.New("RecvQueue.Receive", ibnerr.CodeQueueFull, "recv queue full")
	}
	var err error
	if r.srq != nil {
		err = r.provider.PostRecv(nil, r.srq, mr, workReqID)
	} else {
		err = r.provider.PostRecv(r.qp, nil, mr, workReqID)
	}
	if err != nil {
		r.cq.Tracker().Sub()
		return ibnerr.Wrap("RecvQueue.Receive", err)
	}
	return nil
}

func (r *RecvQueue) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = QPStateClosed
}

// SendQueue is the send half of a queue pair.
type SendQueue struct {
	provider Provider
	qp       QPHandle
	cq       *CompQueue

	mu    sync.Mutex
	state QPState
}

func NewSendQueue(provider Provider, qp QPHandle, cq *CompQueue) *SendQueue {
	return &SendQueue{provider: provider, qp: qp, cq: cq, state: QPStateInit}
}

func (s *SendQueue) CQ() *CompQueue      { return s.cq }
func (s *SendQueue) QueueSize() uint32   { return s.cq.Tracker().Capacity() }
func (s *SendQueue) Outstanding() uint32 { return s.cq.Tracker().Current() }

// Open transitions the queue pair to RTS. The caller must have already
// opened the corresponding RecvQueue (recv reaches RTR before send reaches
// RTS, per SPEC_FULL.md section 4.3); this object does not itself enforce
// that ordering across the two halves.
func (s *SendQueue) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != QPStateInit {
		return ibnerr.New("SendQueue.Open", ibnerr.CodeInvariant, "send queue is not in INIT state")
	}
	if err := s.provider.ModifyQPToRTS(s.qp); err != nil {
		return ibnerr.Wrap("SendQueue.Open", err)
	}
	s.state = QPStateRTS
	return nil
}

// Send posts a single signaled SEND work request.
func (s *SendQueue) Send(mr MRHandle, offset, size uint32, workReqID uint64) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == QPStateClosed {
		return ibnerr.New("SendQueue.Send", ibnerr.CodeQueueClosed, "send queue closed")
	}
	if state != QPStateRTS {
		return ibnerr.New("SendQueue.Send", ibnerr.CodeInvariant, "send queue is not in RTS state")
	}
	if !s.cq.Tracker().Add() {
		return ibnerr.New("SendQueue.Send", ibnerr.CodeQueueFull, "send queue full")
	}
	if err := s.provider.PostSend(s.qp, mr, offset, size, workReqID); err != nil {
		s.cq.Tracker().Sub()
		return ibnerr.Wrap("SendQueue.Send", err)
	}
	return nil
}

// Close tears the queue down. On a graceful close it first flushes
// outstanding sends; on a forced close it does not wait.
func (s *SendQueue) Close(force bool) error {
	if !force {
		if err := s.cq.Flush(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.state = QPStateClosed
	s.mu.Unlock()
	return nil
}
