package engine

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync/atomic"

	"github.com/go-ibnet/ibnet/internal/conn"
	"github.com/go-ibnet/ibnet/internal/ibnerr"
	"github.com/go-ibnet/ibnet/internal/logging"
	"github.com/go-ibnet/ibnet/internal/manager"
	"github.com/go-ibnet/ibnet/internal/pool"
	"github.com/go-ibnet/ibnet/internal/verbs"
	"github.com/go-ibnet/ibnet/internal/workerctl"
)

// WorkDescriptor is what a SendSource hands the Send Engine on each
// iteration: up to one flow-control credit and a slice of application
// payload to push to nodeId. Data may be nil when only a flow-control
// credit needs to go out.
type WorkDescriptor struct {
	NodeID          uint16
	Data            []byte
	FlowControlData uint32
}

// SendSource feeds the Send Engine. Next is called with the outcome of the
// previous iteration (which node, how many payload bytes actually went
// out) so the source can track progress per connection; it returns ok=false
// when there is nothing to send right now.
type SendSource interface {
	Next(prevNodeID uint16, prevBytesWritten int) (WorkDescriptor, bool)
}

// Observer receives send-side events for metrics. A nil Observer on
// SendEngine disables all of these calls.
type Observer interface {
	OnBytesSent(nodeID uint16, n int)
	OnFlowControlSent(nodeID uint16)
	OnSendError(nodeID uint16, err error)
}

// NoOpObserver implements Observer with no-ops, to embed in a partial
// implementation that only cares about some events.
type NoOpObserver struct{}

func (NoOpObserver) OnBytesSent(uint16, int)  {}
func (NoOpObserver) OnFlowControlSent(uint16) {}
func (NoOpObserver) OnSendError(uint16, error) {}

// SendEngineConfig configures a SendEngine.
type SendEngineConfig struct {
	Manager        *manager.Manager
	Source         SendSource
	Buffers        *pool.SendBuffers
	RecvBufferSize int // the peer's posted receive buffer size; caps one send
	SendQueueDepth int // batch size before polling completions
	CPUAffinity    int // negative means unpinned
	Observer       Observer
}

// SendEngine is the single-threaded worker that drains a SendSource and
// pushes its payload and flow-control data onto the wire (SPEC_FULL.md
// section 4.10).
type SendEngine struct {
	cfg           SendEngineConfig
	nextWorkReqID atomic.Uint64
}

func NewSendEngine(cfg SendEngineConfig) *SendEngine {
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = 1
	}
	return &SendEngine{cfg: cfg}
}

// Run drives the engine until ctx is cancelled.
func (e *SendEngine) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if e.cfg.CPUAffinity >= 0 {
		if err := workerctl.PinCurrentThread(e.cfg.CPUAffinity); err != nil {
			logging.Warn("send engine: failed to set cpu affinity", "cpu", e.cfg.CPUAffinity, "err", err)
		}
	}

	var bo backoff
	var prevNodeID uint16
	var prevBytesWritten int

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wd, ok := e.cfg.Source.Next(prevNodeID, prevBytesWritten)
		if !ok {
			bo.wait()
			continue
		}
		bo.reset()
		prevNodeID = wd.NodeID
		prevBytesWritten = e.process(wd)
	}
}

// process acquires the connection, runs the flow-control phase then the
// payload phase, and always returns the handle before returning (step 6).
func (e *SendEngine) process(wd WorkDescriptor) int {
	c, err := e.cfg.Manager.GetConnection(wd.NodeID)
	if err != nil {
		logging.Debug("send engine: connection unavailable", "node", wd.NodeID, "err", err)
		return 0
	}
	defer e.cfg.Manager.ReturnConnection(c)

	if wd.FlowControlData != 0 {
		if fcSend, ok := c.FlowControlSend(); ok {
			buf, mr := e.cfg.Buffers.FlowControl(c.ConnectionID)
			binary.LittleEndian.PutUint32(buf, wd.FlowControlData)
			id := e.nextWorkReqID.Add(1)
			if err := fcSend.Send(mr, 0, 4, id); err != nil {
				e.handleSendError(wd.NodeID, err)
			} else {
				e.pollOne(fcSend.CQ())
				if e.cfg.Observer != nil {
					e.cfg.Observer.OnFlowControlSent(wd.NodeID)
				}
			}
		}
	}

	return e.sendPayload(wd, c)
}

// sendPayload slices wd.Data into pieces no larger than the remote's
// posted receive buffer size, posting up to one batch's worth of sends
// before polling that many completions back. Each piece in a batch is
// copied into its own slot of the connection's payload slab
// (Buffers.PayloadSlot), so a later piece's copy never overwrites a
// not-yet-completed earlier one; only once a batch is fully polled does the
// next batch reuse those same slots. A single send never exceeds one remote
// receive slot.
func (e *SendEngine) sendPayload(wd WorkDescriptor, c *conn.Connection) int {
	if len(wd.Data) == 0 {
		return 0
	}
	sendQueue := c.PayloadSend()
	pieceMax := e.cfg.Buffers.PayloadSize()
	if e.cfg.RecvBufferSize > 0 && e.cfg.RecvBufferSize < pieceMax {
		pieceMax = e.cfg.RecvBufferSize
	}
	batchSize := e.cfg.SendQueueDepth
	if depth := e.cfg.Buffers.Depth(); depth < batchSize {
		batchSize = depth
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	written := 0
	offset := 0
	for offset < len(wd.Data) {
		batch := 0
		for batch < batchSize && offset < len(wd.Data) {
			pieceLen := len(wd.Data) - offset
			if pieceLen > pieceMax {
				pieceLen = pieceMax
			}
			buf, mr, slotOffset := e.cfg.Buffers.PayloadSlot(c.ConnectionID, batch)
			copy(buf[:pieceLen], wd.Data[offset:offset+pieceLen])
			id := e.nextWorkReqID.Add(1)
			if err := sendQueue.Send(mr, slotOffset, uint32(pieceLen), id); err != nil {
				if !ibnerr.Is(err, ibnerr.CodeQueueClosed) {
					e.handleSendError(wd.NodeID, err)
				}
				for i := 0; i < batch; i++ {
					e.pollOne(sendQueue.CQ())
				}
				return written
			}
			offset += pieceLen
			written += pieceLen
			batch++
		}
		for i := 0; i < batch; i++ {
			e.pollOne(sendQueue.CQ())
		}
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.OnBytesSent(wd.NodeID, written)
	}
	return written
}

func (e *SendEngine) pollOne(cq *verbs.CompQueue) {
	if _, _, err := cq.PollForCompletion(true); err != nil {
		if !ibnerr.Is(err, ibnerr.CodeDisconnected) && !ibnerr.Is(err, ibnerr.CodeQueueClosed) {
			logging.Debug("send engine: completion reported an error", "err", err)
		}
	}
}

func (e *SendEngine) handleSendError(nodeID uint16, err error) {
	logging.Debug("send engine: send failed", "node", nodeID, "err", err)
	if e.cfg.Observer != nil {
		e.cfg.Observer.OnSendError(nodeID, err)
	}
	if ibnerr.Is(err, ibnerr.CodeDisconnected) {
		e.cfg.Manager.CloseConnection(nodeID, true)
	}
}
