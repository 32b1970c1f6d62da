// Package discovery implements the Discovery Context and Exchange Worker
// (SPEC_FULL.md sections 4.6 and 4.7): the control-plane machinery that
// turns a bare hostname/IP into a resolved node id, lid, and incarnation
// ident by trading UDP datagrams with the peer's own exchange worker.
package discovery

import (
	"sync"
	"time"

	"github.com/go-ibnet/ibnet/internal/logging"
	"github.com/go-ibnet/ibnet/internal/wire"
)

// Notifier is called when a peer's discovery state changes. Implemented by
// the root runtime; kept as a narrow interface here so this package never
// needs to import the root package back.
type Notifier interface {
	NodeDiscovered(nodeID uint16)
	NodeInvalidated(nodeID uint16)
}

type pendingEntry struct {
	ip string
}

type resolvedEntry struct {
	ip    string
	lid   uint16
	ident uint32
}

// Sender abstracts the exchange worker's outbound socket so Discover can
// send DISCOVERY_REQ datagrams without this package owning a socket.
type Sender interface {
	SendTo(ip string, port int, pkt wire.Packet) error
}

// Context holds the mutex-guarded to-discover list and resolved node table.
type Context struct {
	mu       sync.Mutex
	pending  map[uint16]pendingEntry
	resolved map[uint16]resolvedEntry

	ownNodeID uint16
	port      int
	notifier  Notifier
}

func NewContext(ownNodeID uint16, port int, notifier Notifier) *Context {
	return &Context{
		pending:   make(map[uint16]pendingEntry),
		resolved:  make(map[uint16]resolvedEntry),
		ownNodeID: ownNodeID,
		port:      port,
		notifier:  notifier,
	}
}

// AddPending registers nodeID as awaiting discovery at ip. A no-op if the
// node is already resolved.
func (c *Context) AddPending(nodeID uint16, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resolved[nodeID]; ok {
		return
	}
	c.pending[nodeID] = pendingEntry{ip: ip}
}

// Discover sends a discovery request to every still-pending peer and
// reports whether any remain pending, so the Job Worker knows whether to
// re-arm its discovery-requested flag for another pass. Discover itself
// sleeps 10ms unconditionally before returning, win or lose — this is the
// Job Worker's only throttle against busy-spinning while any peer remains
// unresolved, since the worker's own idle path is never reached in that
// case (see Run's discoveryRequested branch).
func (c *Context) Discover(sender Sender, ident uint32, lid uint16) (stillPending bool) {
	defer time.Sleep(10 * time.Millisecond)

	c.mu.Lock()
	pending := make(map[uint16]pendingEntry, len(c.pending))
	for k, v := range c.pending {
		pending[k] = v
	}
	c.mu.Unlock()

	for nodeID, entry := range pending {
		pkt := wire.Packet{Type: wire.PacketDiscoveryRequest, NodeID: c.ownNodeID, Ident: ident, LID: lid}
		if err := sender.SendTo(entry.ip, c.port, pkt); err != nil {
			logging.Debug("discovery: send request failed", "node", nodeID, "ip", entry.ip, "err", err)
		}
	}
	return len(pending) > 0
}

// Discovered matches ip to a pending entry, moves it to the resolved table,
// and notifies the listener. A response from an ip with no matching pending
// entry is ignored — a stale or duplicate datagram.
func (c *Context) Discovered(ip string, lid uint16, ident uint32) {
	c.mu.Lock()
	var nodeID uint16
	found := false
	for id, entry := range c.pending {
		if entry.ip == ip {
			nodeID, found = id, true
			break
		}
	}
	if !found {
		c.mu.Unlock()
		return
	}
	delete(c.pending, nodeID)
	c.resolved[nodeID] = resolvedEntry{ip: ip, lid: lid, ident: ident}
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.NodeDiscovered(nodeID)
	}
}

// Resolved reports what is known about nodeID, if it has been discovered.
func (c *Context) Resolved(nodeID uint16) (ip string, lid uint16, ident uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resolved[nodeID]
	return r.ip, r.lid, r.ident, ok
}

// Invalidate moves nodeID back to pending, e.g. after a zombie connection
// close forces rediscovery. If shutdown is true the entry is dropped
// instead of re-armed.
func (c *Context) Invalidate(nodeID uint16, shutdown bool) {
	c.mu.Lock()
	r, ok := c.resolved[nodeID]
	if ok {
		delete(c.resolved, nodeID)
		if !shutdown {
			c.pending[nodeID] = pendingEntry{ip: r.ip}
		}
	}
	c.mu.Unlock()

	if ok && c.notifier != nil {
		c.notifier.NodeInvalidated(nodeID)
	}
}
