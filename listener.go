package ibnet

import "github.com/go-ibnet/ibnet/internal/conn"

// EventKind tags an Event's variant (SPEC_FULL.md section 6, "Listener
// callbacks"). The original ibdxnet implementation dispatches these through
// a virtual ConnectionHandler interface; this module delivers them as
// tagged records over a single-consumer channel instead (see DESIGN.md's
// Open Questions), which keeps delivery ordered without forcing a caller to
// implement four methods just to observe one.
type EventKind int

const (
	// EventNodeDiscovered fires once a discovery response resolves a
	// pending peer's ip, lid, and incarnation ident.
	EventNodeDiscovered EventKind = iota
	// EventNodeInvalidated fires when a resolved peer is moved back to
	// pending, e.g. after a zombie connection is torn down.
	EventNodeInvalidated
	// EventNodeConnected fires once every queue pair of a Connection has
	// reached RTS and the peer counter has published AVAILABLE. Conn is
	// non-nil only for this kind.
	EventNodeConnected
	// EventNodeDisconnected fires once a Connection has been torn down,
	// whether by a graceful close, a forced close, or zombie detection.
	EventNodeDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventNodeDiscovered:
		return "NodeDiscovered"
	case EventNodeInvalidated:
		return "NodeInvalidated"
	case EventNodeConnected:
		return "NodeConnected"
	case EventNodeDisconnected:
		return "NodeDisconnected"
	default:
		return "Unknown"
	}
}

// Event is one Listener notification. NodeID identifies the peer; Conn is
// populated only for EventNodeConnected, giving the caller immediate access
// to the Connection that just came up without a separate GetConnection
// round trip.
type Event struct {
	Kind   EventKind
	NodeID uint16
	Conn   *Connection
}

// eventSink fans out manager.Notifier and discovery.Notifier calls onto a
// Runtime's event channel, and arms the Recv Engine's one-time shared
// receive queue prefill on the first connection. It never blocks the Job
// Worker: a full channel drops the event and logs, matching the
// propagation policy in SPEC_FULL.md section 7 that engines degrade rather
// than stall on a slow or absent consumer.
type eventSink struct {
	rt *Runtime
}

func (s *eventSink) NodeDiscovered(nodeID uint16) {
	s.rt.emit(Event{Kind: EventNodeDiscovered, NodeID: nodeID})
}

func (s *eventSink) NodeInvalidated(nodeID uint16) {
	s.rt.emit(Event{Kind: EventNodeInvalidated, NodeID: nodeID})
}

func (s *eventSink) NodeConnected(nodeID uint16, c *conn.Connection) {
	if s.rt.recvEngine != nil {
		s.rt.recvEngine.NotifyConnected(c)
	}
	s.rt.metrics.RecordConnectionOpened()
	s.rt.emit(Event{Kind: EventNodeConnected, NodeID: nodeID, Conn: &Connection{inner: c}})
}

func (s *eventSink) NodeDisconnected(nodeID uint16) {
	s.rt.metrics.RecordConnectionClosed()
	s.rt.emit(Event{Kind: EventNodeDisconnected, NodeID: nodeID})
}
