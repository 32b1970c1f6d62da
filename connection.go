package ibnet

import "github.com/go-ibnet/ibnet/internal/conn"

// Connection is an opaque handle to an established peer connection,
// returned by GetConnection and carried on an EventNodeConnected. It wraps
// the internal arena-indexed Connection (SPEC_FULL.md section 9: "arena +
// 16-bit indices instead of refcounting") so callers outside this module
// never see the internal package's types directly.
type Connection struct {
	inner *conn.Connection
}

// ID returns the ConnectionId this handle was allocated under. Stable for
// the lifetime of the connection; recycled by the free list once closed.
func (c *Connection) ID() uint16 { return c.inner.ConnectionID }

// IsConnected reports whether every queue pair this connection aggregates
// has reached RTS.
func (c *Connection) IsConnected() bool { return c.inner.IsConnected() }

// RemoteNodeID returns the peer's node id.
func (c *Connection) RemoteNodeID() uint16 { return c.inner.RemoteInfo().NodeID }

// QPCount reports how many queue pairs this connection aggregates: 1 for a
// Simple topology, 2 (payload + flow control) for Datapath.
func (c *Connection) QPCount() int { return c.inner.QPCount() }
