package manager

import (
	"context"
	"runtime"
	"time"

	"github.com/go-ibnet/ibnet/internal/conn"
	"github.com/go-ibnet/ibnet/internal/ibnerr"
	"github.com/go-ibnet/ibnet/internal/jobqueue"
	"github.com/go-ibnet/ibnet/internal/logging"
	"github.com/go-ibnet/ibnet/internal/wire"
	"github.com/go-ibnet/ibnet/internal/workerctl"
)

// unassignedLID is the wire sentinel for "no queue pairs yet", mirroring
// wire.UnusedQPID's convention of an all-ones sentinel for "not present".
const unassignedLID uint16 = 0xFFFF

// Run drives the Job Worker until ctx is cancelled (SPEC_FULL.md section
// 4.8). It is the single goroutine permitted to mutate a peer's Connection
// pointer, its remoteIdent, the qp-number-to-node map, and the connection id
// free list; every other accessor in this package only reads those or goes
// through the atomic handle counter.
func (m *Manager) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if m.cfg.CPUAffinity >= 0 {
		if err := workerctl.PinCurrentThread(m.cfg.CPUAffinity); err != nil {
			logging.Warn("manager: failed to set cpu affinity", "cpu", m.cfg.CPUAffinity, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if job, ok := m.cfg.Jobs.Pop(); ok {
			m.dispatch(job)
			continue
		}

		if m.discoveryRequested.CompareAndSwap(true, false) {
			if m.cfg.Discovery.Discover(m.cfg.Sender, m.cfg.OwnIdent, m.cfg.OwnLID) {
				m.discoveryRequested.Store(true)
			}
			continue
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func (m *Manager) dispatch(job jobqueue.Job) {
	switch job.Kind {
	case jobqueue.Create:
		m.handleCreate(job.NodeID)
	case jobqueue.CreateWithRemote:
		m.handleCreateWithRemote(job)
	case jobqueue.Close:
		m.handleClose(job)
	case jobqueue.Discovered:
		m.handleDiscovered(job)
	default:
		logging.Debug("manager: unknown job kind, dropping", "kind", job.Kind, "correlation_id", job.CorrelationID)
	}
}

// handleCreate is a noop if nodeId's remote info is still unknown;
// otherwise it ensures a Connection exists (without connecting it yet) and
// sends our own CON_INFO to the peer.
func (m *Manager) handleCreate(nodeID uint16) {
	ip, _, _, ok := m.cfg.Discovery.Resolved(nodeID)
	if !ok {
		return
	}
	peer := m.peers.getOrCreate(nodeID)
	if err := m.allocateConnection(peer, nodeID); err != nil {
		logging.Warn("manager: allocate connection failed", append(logging.NodeArgs(nodeID), "err", err)...)
		return
	}
	m.sendConInfo(nodeID, ip)
}

// handleCreateWithRemote performs handleCreate's work and additionally, if
// the peer's remote LID is known and the Connection is not yet connected,
// brings it up and publishes AVAILABLE. A mismatched ident on an already
// connected peer means the peer's process restarted underneath us; the
// stale Connection is a zombie and gets torn down and rebuilt.
func (m *Manager) handleCreateWithRemote(job jobqueue.Job) {
	nodeID := job.NodeID
	peer := m.peers.getOrCreate(nodeID)

	if err := m.allocateConnection(peer, nodeID); err != nil {
		logging.Warn("manager: allocate connection failed", append(logging.NodeArgs(nodeID), "err", err)...)
		return
	}
	c := peer.conn.Load()

	switch {
	case c.IsConnected():
		if job.Ident != peer.remoteIdent {
			logging.Info("manager: zombie connection detected", "node", nodeID, "old_ident", peer.remoteIdent, "new_ident", job.Ident)
			m.cfg.Jobs.PushWait(jobqueue.Job{Kind: jobqueue.Close, NodeID: nodeID, Force: true})
			m.cfg.Jobs.PushWait(jobqueue.Job{Kind: jobqueue.Create, NodeID: nodeID})
		}
	case job.LID != unassignedLID:
		remote := conn.RemoteInfo{
			NodeID:        nodeID,
			LID:           job.LID,
			ConManIdent:   job.Ident,
			PhysicalQPIDs: wire.QPIdsToSlice(job.QPIds),
		}
		if err := c.Connect(remote); err != nil {
			logging.Warn("manager: connect failed", "node", nodeID, "err", err)
			return
		}
		peer.remoteIdent = job.Ident
		peer.counter.Add(activateDelta)
		if m.cfg.Notifier != nil {
			m.cfg.Notifier.NodeConnected(nodeID, c)
		}
	}

	ip := job.IP
	if ip == "" {
		if resolvedIP, _, _, ok := m.cfg.Discovery.Resolved(nodeID); ok {
			ip = resolvedIP
		}
	}
	m.sendConInfo(nodeID, ip)
}

// handleClose tears down nodeId's Connection. A graceful close spins until
// every outstanding GetConnection handle has been returned before touching
// the Connection; a forced close (peer already gone) does not wait.
func (m *Manager) handleClose(job jobqueue.Job) {
	nodeID := job.NodeID
	peer, ok := m.peers.get(nodeID)
	if !ok {
		return
	}

	peer.counter.Swap(Closing)
	if !job.Force {
		for peer.counter.Load() > Closing {
			runtime.Gosched()
		}
	}

	if c := peer.conn.Load(); c != nil {
		for _, qpNum := range c.PhysicalQPNums() {
			m.qpNumToNode.Delete(qpNum)
		}
		if err := c.Close(job.Force); err != nil {
			logging.Debug("manager: connection close reported an error", "node", nodeID, "err", err)
		}
		m.ids.release(c.ConnectionID)
		peer.conn.Store(nil)
	}
	peer.remoteIdent = 0
	peer.counter.Store(NotAvailable)

	m.cfg.Discovery.Invalidate(nodeID, job.Shutdown)
	if !job.Shutdown {
		m.discoveryRequested.Store(true)
	}
	if m.cfg.Notifier != nil {
		m.cfg.Notifier.NodeDisconnected(nodeID)
	}
}

// handleDiscovered delegates to the Discovery Context and, now that the
// peer's remote info may be resolvable, re-requests connection creation —
// the original handleCreate call that established discovery-as-pending had
// nothing to act on yet.
func (m *Manager) handleDiscovered(job jobqueue.Job) {
	m.cfg.Discovery.Discovered(job.IP, job.LID, job.Ident)
	m.enqueueCreate(job.NodeID)
}

// allocateConnection is idempotent: a Connection already present for peer is
// left untouched. Only ever called from the Job Worker goroutine, so the
// load-then-store below is race-free despite not being atomic as a unit.
func (m *Manager) allocateConnection(peer *peerState, nodeID uint16) error {
	if peer.conn.Load() != nil {
		return nil
	}
	connID, ok := m.ids.take()
	if !ok {
		return ibnerr.NewNode("Manager.allocateConnection", nodeID, ibnerr.CodeQueueFull, "no free connection ids")
	}
	c, err := m.cfg.Creator.CreateConnection(connID)
	if err != nil {
		m.ids.release(connID)
		return ibnerr.Wrap("Manager.allocateConnection", err)
	}
	for _, qpNum := range c.PhysicalQPNums() {
		m.qpNumToNode.Store(qpNum, nodeID)
	}
	peer.conn.Store(c)
	return nil
}

func (m *Manager) sendConInfo(nodeID uint16, ip string) {
	if ip == "" || m.cfg.Sender == nil {
		return
	}
	peer, ok := m.peers.get(nodeID)
	if !ok {
		return
	}
	c := peer.conn.Load()
	if c == nil {
		return
	}
	pkt := wire.Packet{
		Type:   wire.PacketConnectionInfo,
		NodeID: m.cfg.OwnNodeID,
		Ident:  m.cfg.OwnIdent,
		LID:    m.cfg.OwnLID,
		QPIds:  wire.QPIdsFromSlice(c.PhysicalQPNums()),
	}
	if err := m.cfg.Sender.SendTo(ip, m.cfg.SocketPort, pkt); err != nil {
		logging.Debug("manager: send connection info failed", "node", nodeID, "ip", ip, "err", err)
	}
}
