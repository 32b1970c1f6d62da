// Package conn implements the Connection type that aggregates one or more
// queue pairs to a single peer, and the Creator strategies (Simple,
// Datapath) that decide how many queue pairs a new Connection gets and
// which completion/shared-receive queues they use (SPEC_FULL.md section
// 4.4), grounded on the original ibdxnet implementation's
// ConnectionCreator/ConnectionCreatorSimple split.
package conn

import (
	"sync"
	"sync/atomic"

	"github.com/go-ibnet/ibnet/internal/ibnerr"
	"github.com/go-ibnet/ibnet/internal/verbs"
)

// RemoteInfo is everything learned about a peer's incarnation over the
// exchange protocol, needed to bring a local Connection up.
type RemoteInfo struct {
	NodeID        uint16
	LID           uint16
	ConManIdent   uint32
	PhysicalQPIDs []uint32
}

type qpPair struct {
	handle verbs.QPHandle
	send   *verbs.SendQueue
	recv   *verbs.RecvQueue
}

// Connection aggregates one or more queue pairs dedicated to a single peer.
// It owns its queue pairs exclusively: nothing outside Connection mutates
// their state directly.
type Connection struct {
	ConnectionID uint16

	mu         sync.Mutex
	remoteInfo RemoteInfo
	qps        []qpPair
	connected  atomic.Bool
}

// QPCount reports how many queue pairs this connection aggregates (1 for
// Simple, 2 for Datapath).
func (c *Connection) QPCount() int { return len(c.qps) }

// PhysicalQPNums returns the local physical queue pair numbers, in the same
// order CreateConnection added them (payload first for Datapath).
func (c *Connection) PhysicalQPNums() []uint32 {
	nums := make([]uint32, len(c.qps))
	for i, qp := range c.qps {
		nums[i] = qp.handle.Num()
	}
	return nums
}

func (c *Connection) IsConnected() bool { return c.connected.Load() }

func (c *Connection) RemoteInfo() RemoteInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteInfo
}

// PayloadSend and PayloadRecv expose QP[0], used by the send/recv engines
// for application data. FlowControlSend/FlowControlRecv expose QP[1] when
// present (Datapath only); ok is false for a Simple connection.
func (c *Connection) PayloadSend() *verbs.SendQueue { return c.qps[0].send }
func (c *Connection) PayloadRecv() *verbs.RecvQueue { return c.qps[0].recv }

func (c *Connection) FlowControlSend() (*verbs.SendQueue, bool) {
	if len(c.qps) < 2 {
		return nil, false
	}
	return c.qps[1].send, true
}

func (c *Connection) FlowControlRecv() (*verbs.RecvQueue, bool) {
	if len(c.qps) < 2 {
		return nil, false
	}
	return c.qps[1].recv, true
}

// Connect brings every queue pair up to RTS against remote's matching
// physical queue pair, in lockstep: recv side to RTR, then send side to
// RTS, for QP[0] before moving to QP[1]. It requires the wire-exchanged
// PhysicalQPIDs to have exactly as many entries as this Connection has
// queue pairs.
func (c *Connection) Connect(remote RemoteInfo) error {
	if len(remote.PhysicalQPIDs) != len(c.qps) {
		return ibnerr.NewNode("Connection.Connect", remote.NodeID, ibnerr.CodeInvariant, "remote QP id count does not match local QP count")
	}
	for i, qp := range c.qps {
		if err := qp.recv.Open(remote.LID, remote.PhysicalQPIDs[i]); err != nil {
			return err
		}
		if err := qp.send.Open(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.remoteInfo = remote
	c.mu.Unlock()
	c.connected.Store(true)
	return nil
}

// Close tears every queue pair down. A graceful close flushes outstanding
// sends first; a forced close (peer already gone) skips the flush.
func (c *Connection) Close(force bool) error {
	for _, qp := range c.qps {
		if err := qp.send.Close(force); err != nil && !force {
			return err
		}
		qp.recv.Close()
	}
	c.connected.Store(false)
	return nil
}
