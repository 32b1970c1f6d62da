package engine

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/go-ibnet/ibnet/internal/conn"
	"github.com/go-ibnet/ibnet/internal/ibnerr"
	"github.com/go-ibnet/ibnet/internal/logging"
	"github.com/go-ibnet/ibnet/internal/manager"
	"github.com/go-ibnet/ibnet/internal/pool"
	"github.com/go-ibnet/ibnet/internal/verbs"
	"github.com/go-ibnet/ibnet/internal/workerctl"
)

// RecvBuffer is one payload buffer handed to a RecvSink. The sink reads
// Payload and calls Return once it is done with it, at which point the
// underlying memory goes back into the pool the engine draws fresh receive
// buffers from; Return may be called from any goroutine, at any later time.
type RecvBuffer struct {
	NodeID  uint16
	Payload []byte
	release func()
}

// Return releases the buffer back to the recv pool. Safe to call exactly
// once; a zero-value RecvBuffer's Return is a no-op.
func (b RecvBuffer) Return() {
	if b.release != nil {
		b.release()
	}
}

// RecvSink receives application payload as it arrives.
type RecvSink interface {
	Deliver(buf RecvBuffer)
}

// FlowControlSink receives flow-control credits as they arrive.
type FlowControlSink interface {
	DeliverFlowControl(nodeID uint16, credit uint32)
}

// RecvEngineConfig configures a RecvEngine. FCCQ and FCPool may be left nil
// for a Simple (single-QP, no flow control) connection topology.
type RecvEngineConfig struct {
	Manager     *manager.Manager
	PayloadPool *pool.RecvPayloadPool
	FCPool      *pool.FCBufferPool
	PayloadCQ   *verbs.CompQueue
	FCCQ        *verbs.CompQueue
	Sink        RecvSink
	FCSink      FlowControlSink
	CPUAffinity int
}

// RecvEngine is the single-threaded worker that drains the shared receive
// completion queues and recycles buffers back onto the wire (SPEC_FULL.md
// section 4.11).
type RecvEngine struct {
	cfg        RecvEngineConfig
	prefillOne sync.Once
}

func NewRecvEngine(cfg RecvEngineConfig) *RecvEngine {
	return &RecvEngine{cfg: cfg}
}

// NotifyConnected arms the one-time pre-fill of both shared receive queues
// with buffers drawn from the payload and flow-control pools. Only the
// first call does anything; it does not matter which connection it is
// called with; the pools and shared queues are shared across all of them.
func (e *RecvEngine) NotifyConnected(c *conn.Connection) {
	e.prefillOne.Do(func() { e.prefill(c) })
}

func (e *RecvEngine) prefill(c *conn.Connection) {
	if e.cfg.PayloadPool != nil {
		for i := 0; i < e.cfg.PayloadPool.Capacity(); i++ {
			idx, _, mr, ok := e.cfg.PayloadPool.Get()
			if !ok {
				break
			}
			if err := c.PayloadRecv().Receive(mr, uint64(idx)); err != nil {
				logging.Warn("recv engine: prefill payload post failed", "err", err)
				e.cfg.PayloadPool.Return(idx)
				break
			}
		}
	}
	if e.cfg.FCPool != nil {
		if fcRecv, ok := c.FlowControlRecv(); ok {
			for i := 0; i < e.cfg.FCPool.Capacity(); i++ {
				idx, _, mr, ok := e.cfg.FCPool.Get()
				if !ok {
					break
				}
				if err := fcRecv.Receive(mr, uint64(idx)); err != nil {
					logging.Warn("recv engine: prefill fc post failed", "err", err)
					e.cfg.FCPool.Put(idx)
					break
				}
			}
		}
	}
}

// Run drives the engine until ctx is cancelled. Each iteration drains the
// flow-control shared CQ before the payload shared CQ, so credits are never
// starved behind a burst of payload traffic.
func (e *RecvEngine) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if e.cfg.CPUAffinity >= 0 {
		if err := workerctl.PinCurrentThread(e.cfg.CPUAffinity); err != nil {
			logging.Warn("recv engine: failed to set cpu affinity", "cpu", e.cfg.CPUAffinity, "err", err)
		}
	}

	var bo backoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		didWork := false
		if e.cfg.FCCQ != nil && e.drainOne(e.cfg.FCCQ, true) {
			didWork = true
		}
		if e.cfg.PayloadCQ != nil && e.drainOne(e.cfg.PayloadCQ, false) {
			didWork = true
		}
		if didWork {
			bo.reset()
		} else {
			bo.wait()
		}
	}
}

func (e *RecvEngine) drainOne(cq *verbs.CompQueue, isFC bool) bool {
	wc, ok, err := cq.PollForCompletion(false)
	if err != nil {
		logging.Debug("recv engine: poll failed", "err", err)
		return false
	}
	if !ok {
		return false
	}
	nodeID := e.translateQPNum(wc.QPNum)
	if isFC {
		e.handleFlowControl(nodeID, wc)
	} else {
		e.handlePayload(nodeID, wc)
	}
	return true
}

// translateQPNum retries until the job worker has published the qp number
// to node id mapping; a completion is never dropped waiting for it.
func (e *RecvEngine) translateQPNum(qpNum uint32) uint16 {
	for {
		nodeID := e.cfg.Manager.GetNodeIdForPhysicalQPNum(qpNum)
		if nodeID != ibnerr.InvalidNodeID {
			return nodeID
		}
		logging.Warn("recv engine: qp number not yet mapped to a node, retrying", "qp", qpNum)
		runtime.Gosched()
	}
}

func (e *RecvEngine) handleFlowControl(nodeID uint16, wc verbs.WorkCompletion) {
	idx := uint32(wc.WorkReqID)
	buf := e.cfg.FCPool.BufAt(idx)
	credit := binary.LittleEndian.Uint32(buf)
	if e.cfg.FCSink != nil {
		e.cfg.FCSink.DeliverFlowControl(nodeID, credit)
	}

	c := e.cfg.Manager.PeekConnection(nodeID)
	if c == nil {
		e.cfg.FCPool.Put(idx)
		return
	}
	fcRecv, ok := c.FlowControlRecv()
	if !ok {
		e.cfg.FCPool.Put(idx)
		return
	}
	if err := fcRecv.Receive(e.cfg.FCPool.MRAt(idx), wc.WorkReqID); err != nil {
		logging.Debug("recv engine: fc repost failed", "node", nodeID, "err", err)
		e.cfg.FCPool.Put(idx)
	}
}

func (e *RecvEngine) handlePayload(nodeID uint16, wc verbs.WorkCompletion) {
	idx := uint32(wc.WorkReqID)
	buf := e.cfg.PayloadPool.BufAt(idx)
	release := func() { e.cfg.PayloadPool.Return(idx) }

	if e.cfg.Sink != nil {
		e.cfg.Sink.Deliver(RecvBuffer{NodeID: nodeID, Payload: buf[:wc.Length], release: release})
	} else {
		release()
	}

	// The pool capacity is sized for the worst-case concurrent in-flight
	// count, so exhaustion here means buffers simply haven't been returned
	// yet; spin rather than allocate a fresh one.
	for {
		newIdx, _, mr, ok := e.cfg.PayloadPool.Get()
		if !ok {
			runtime.Gosched()
			continue
		}
		c := e.cfg.Manager.PeekConnection(nodeID)
		if c == nil {
			e.cfg.PayloadPool.Return(newIdx)
			return
		}
		if err := c.PayloadRecv().Receive(mr, uint64(newIdx)); err != nil {
			logging.Debug("recv engine: payload repost failed", "node", nodeID, "err", err)
			e.cfg.PayloadPool.Return(newIdx)
		}
		return
	}
}
