package manager

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ibnet/ibnet/internal/conn"
	"github.com/go-ibnet/ibnet/internal/discovery"
	"github.com/go-ibnet/ibnet/internal/ibnerr"
	"github.com/go-ibnet/ibnet/internal/jobqueue"
)

// Notifier receives connection-manager lifecycle events. Implemented by the
// root runtime, which fans these out over its event channel; kept as a
// narrow interface here so this package never imports the root package.
type Notifier interface {
	discovery.Notifier
	NodeConnected(nodeID uint16, c *conn.Connection)
	NodeDisconnected(nodeID uint16)
}

// Config configures a Manager.
type Config struct {
	OwnNodeID         uint16
	OwnIdent          uint32
	OwnLID            uint16
	MaxNumConnections int
	CreationTimeout   time.Duration
	SocketPort        int
	CPUAffinity       int // negative means unpinned

	Creator   conn.Creator
	Jobs      *jobqueue.Queue
	Discovery *discovery.Context
	Sender    discovery.Sender
	Notifier  Notifier
}

// Manager is the Connection Manager facade: the one object application code
// talks to (SPEC_FULL.md section 4.9), backed by the Job Worker it owns
// (section 4.8).
type Manager struct {
	cfg   Config
	peers *peerTable
	ids   *connIDFreeList

	qpNumToNode sync.Map // uint32 -> uint16

	discoveryRequested atomic.Bool
}

func New(cfg Config) *Manager {
	if cfg.CreationTimeout <= 0 {
		cfg.CreationTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:   cfg,
		peers: newPeerTable(),
		ids:   newConnIDFreeList(cfg.MaxNumConnections),
	}
}

// PeekConnection returns the Connection currently installed for nodeID
// without taking a handle, or nil if none is installed yet. Used by the
// recv engine to resolve a completion's qp number back to a live
// connection without participating in the GetConnection/ReturnConnection
// handle-counter protocol (the engine never "checks out" a connection, it
// just needs to read from it).
func (m *Manager) PeekConnection(nodeID uint16) *conn.Connection {
	peer, ok := m.peers.get(nodeID)
	if !ok {
		return nil
	}
	return peer.conn.Load()
}

// AddNode registers a peer awaiting discovery at ip and arms the next
// discovery pass. nodeID is assigned by the caller's static cluster
// configuration, the same way the original implementation's node config
// file assigns node ids — ids are never derived from the hostname.
func (m *Manager) AddNode(nodeID uint16, ip string) {
	m.peers.getOrCreate(nodeID)
	m.cfg.Discovery.AddPending(nodeID, ip)
	m.discoveryRequested.Store(true)
}

// GetConnection returns the Connection for nodeID, blocking (by spinning)
// until one is established or CreationTimeout elapses.
func (m *Manager) GetConnection(nodeID uint16) (*conn.Connection, error) {
	if nodeID == ibnerr.InvalidNodeID {
		return nil, ibnerr.NewNode("Manager.GetConnection", nodeID, ibnerr.CodeInvalidNodeID, "invalid node id")
	}
	peer := m.peers.getOrCreate(nodeID)
	deadline := time.Now().Add(m.cfg.CreationTimeout)

	for {
		prev := peer.counter.Add(1) - 1
		if prev >= Available {
			c := peer.conn.Load()
			if c == nil {
				return nil, ibnerr.NewNode("Manager.GetConnection", nodeID, ibnerr.CodeInvariant, "connection pointer nil at AVAILABLE")
			}
			return c, nil
		}

		m.enqueueCreate(nodeID)

		for peer.counter.Load() < Available {
			if time.Now().After(deadline) {
				return nil, ibnerr.NewNode("Manager.GetConnection", nodeID, ibnerr.CodeTimeout, "timed out waiting for connection")
			}
			runtime.Gosched()
		}
	}
}

// ReturnConnection releases a handle obtained from GetConnection. Must be
// called exactly once per successful GetConnection.
func (m *Manager) ReturnConnection(c *conn.Connection) {
	nodeID := c.RemoteInfo().NodeID
	peer, ok := m.peers.get(nodeID)
	if !ok {
		return
	}
	peer.counter.Add(-1)
}

// CloseConnection enqueues an asynchronous close; it does not block on the
// close actually completing.
func (m *Manager) CloseConnection(nodeID uint16, force bool) {
	m.cfg.Jobs.PushWait(jobqueue.Job{Kind: jobqueue.Close, NodeID: nodeID, Force: force})
}

// IsConnectionAvailable reports whether nodeID currently has a usable
// Connection.
func (m *Manager) IsConnectionAvailable(nodeID uint16) bool {
	peer, ok := m.peers.get(nodeID)
	if !ok {
		return false
	}
	return peer.counter.Load() >= Available
}

// GetNodeIdForPhysicalQPNum translates a local physical queue pair number
// back to the node id it belongs to, or ibnerr.InvalidNodeID if the mapping
// is not (yet) published — a legitimate race the Recv Engine retries.
func (m *Manager) GetNodeIdForPhysicalQPNum(qpNum uint32) uint16 {
	v, ok := m.qpNumToNode.Load(qpNum)
	if !ok {
		return ibnerr.InvalidNodeID
	}
	return v.(uint16)
}

// PeerSnapshot is one peer's state as reported by Snapshot.
type PeerSnapshot struct {
	NodeID      uint16
	Available   bool
	Connected   bool
	HandleCount int64
}

// Snapshot reports every peer the manager has ever heard of (via AddNode or
// an inbound discovery/connection packet), for debug introspection.
func (m *Manager) Snapshot() []PeerSnapshot {
	ids := m.peers.all()
	out := make([]PeerSnapshot, 0, len(ids))
	for _, nodeID := range ids {
		peer, ok := m.peers.get(nodeID)
		if !ok {
			continue
		}
		counter := peer.counter.Load()
		snap := PeerSnapshot{NodeID: nodeID, Available: counter >= Available}
		if snap.Available {
			snap.HandleCount = counter - Available
		}
		if c := peer.conn.Load(); c != nil {
			snap.Connected = c.IsConnected()
		}
		out = append(out, snap)
	}
	return out
}

// JobQueueDepth reports the current depth of the job worker's queue.
func (m *Manager) JobQueueDepth() int {
	return m.cfg.Jobs.Len()
}

func (m *Manager) enqueueCreate(nodeID uint16) {
	m.cfg.Jobs.PushWait(jobqueue.Job{Kind: jobqueue.Create, NodeID: nodeID})
}

// Shutdown enqueues a forced close for every peer with an active
// Connection and waits for the job queue to drain.
func (m *Manager) Shutdown() {
	for _, nodeID := range m.peers.all() {
		if peer, ok := m.peers.get(nodeID); ok && peer.conn.Load() != nil {
			m.cfg.Jobs.PushWait(jobqueue.Job{Kind: jobqueue.Close, NodeID: nodeID, Force: true, Shutdown: true})
		}
	}
	for m.cfg.Jobs.Len() > 0 {
		runtime.Gosched()
	}
}
