package conn

import (
	"github.com/go-ibnet/ibnet/internal/ibnerr"
	"github.com/go-ibnet/ibnet/internal/verbs"
)

// Creator allocates the queue pair(s) a new Connection needs. It is a
// strategy: Simple gives every connection one private queue pair, Datapath
// gives every connection two, optionally sharing the payload and/or
// flow-control receive side across every connection it creates.
type Creator interface {
	CreateConnection(connectionID uint16) (*Connection, error)
}

// SimpleCreator allocates one queue pair per connection: a private send CQ,
// and a recv side that shares SharedRecvSRQ/SharedRecvCQ across every
// connection this creator makes when both are set, or owns a private recv
// CQ (no SRQ) otherwise. Sharing the recv side is what lets a single Recv
// Engine instance poll one completion queue on behalf of every peer
// (SPEC_FULL.md section 4.11); a Simple topology with no sharing only
// works correctly with at most one peer.
type SimpleCreator struct {
	Provider  verbs.Provider
	Device    verbs.DeviceHandle
	PD        verbs.PDHandle
	SendDepth uint32
	RecvDepth uint32

	SharedRecvSRQ verbs.SRQHandle
	SharedRecvCQ  *verbs.CompQueue
}

func (s *SimpleCreator) CreateConnection(connectionID uint16) (*Connection, error) {
	sendCQ, err := s.Provider.CreateCQ(s.Device, s.SendDepth)
	if err != nil {
		return nil, ibnerr.Wrap("SimpleCreator.CreateConnection", err)
	}
	recvCQ := s.SharedRecvCQ
	if recvCQ == nil {
		h, err := s.Provider.CreateCQ(s.Device, s.RecvDepth)
		if err != nil {
			return nil, ibnerr.Wrap("SimpleCreator.CreateConnection", err)
		}
		recvCQ = verbs.NewCompQueue(s.Provider, h, s.RecvDepth)
	}
	qp, err := s.Provider.CreateQP(s.PD, sendCQ, recvCQ.Handle(), s.SharedRecvSRQ, s.SendDepth, s.RecvDepth)
	if err != nil {
		return nil, ibnerr.Wrap("SimpleCreator.CreateConnection", err)
	}

	scq := verbs.NewCompQueue(s.Provider, sendCQ, s.SendDepth)
	return &Connection{
		ConnectionID: connectionID,
		qps: []qpPair{{
			handle: qp,
			send:   verbs.NewSendQueue(s.Provider, qp, scq),
			recv:   verbs.NewRecvQueue(s.Provider, qp, s.SharedRecvSRQ, recvCQ),
		}},
	}, nil
}

// DatapathCreator allocates two queue pairs per connection: QP[0] carries
// application payload and may share its SRQ and completion queue across
// every connection this creator makes; QP[1] carries flow control, with a
// send depth fixed at 1 (credits are coalesced, not queued deeply).
type DatapathCreator struct {
	Provider verbs.Provider
	Device   verbs.DeviceHandle
	PD       verbs.PDHandle

	PayloadSendDepth uint32
	PayloadRecvDepth uint32
	FCRecvDepth      uint32

	// SharedPayloadSRQ/SharedPayloadRecvCQ, if both non-nil, are reused for
	// every connection's QP[0] recv side instead of allocating private
	// ones. SharedPayloadRecvCQ must be a CompQueue already constructed by
	// the caller (not a bare handle): every connection sharing it must
	// reuse the exact same Queue Tracker, not a fresh one wrapping the same
	// underlying handle.
	SharedPayloadSRQ    verbs.SRQHandle
	SharedPayloadRecvCQ *verbs.CompQueue

	// SharedFCSRQ/SharedFCRecvCQ do the same for QP[1].
	SharedFCSRQ    verbs.SRQHandle
	SharedFCRecvCQ *verbs.CompQueue
}

func (d *DatapathCreator) CreateConnection(connectionID uint16) (*Connection, error) {
	payloadSendCQHandle, err := d.Provider.CreateCQ(d.Device, d.PayloadSendDepth)
	if err != nil {
		return nil, ibnerr.Wrap("DatapathCreator.CreateConnection", err)
	}
	payloadRCQ := d.SharedPayloadRecvCQ
	if payloadRCQ == nil {
		h, err := d.Provider.CreateCQ(d.Device, d.PayloadRecvDepth)
		if err != nil {
			return nil, ibnerr.Wrap("DatapathCreator.CreateConnection", err)
		}
		payloadRCQ = verbs.NewCompQueue(d.Provider, h, d.PayloadRecvDepth)
	}
	payloadQP, err := d.Provider.CreateQP(d.PD, payloadSendCQHandle, payloadRCQ.Handle(), d.SharedPayloadSRQ, d.PayloadSendDepth, d.PayloadRecvDepth)
	if err != nil {
		return nil, ibnerr.Wrap("DatapathCreator.CreateConnection", err)
	}

	const fcSendDepth = 1
	fcSendCQHandle, err := d.Provider.CreateCQ(d.Device, fcSendDepth)
	if err != nil {
		return nil, ibnerr.Wrap("DatapathCreator.CreateConnection", err)
	}
	fcRCQ := d.SharedFCRecvCQ
	if fcRCQ == nil {
		h, err := d.Provider.CreateCQ(d.Device, d.FCRecvDepth)
		if err != nil {
			return nil, ibnerr.Wrap("DatapathCreator.CreateConnection", err)
		}
		fcRCQ = verbs.NewCompQueue(d.Provider, h, d.FCRecvDepth)
	}
	fcQP, err := d.Provider.CreateQP(d.PD, fcSendCQHandle, fcRCQ.Handle(), d.SharedFCSRQ, fcSendDepth, d.FCRecvDepth)
	if err != nil {
		return nil, ibnerr.Wrap("DatapathCreator.CreateConnection", err)
	}

	payloadSCQ := verbs.NewCompQueue(d.Provider, payloadSendCQHandle, d.PayloadSendDepth)
	fcSCQ := verbs.NewCompQueue(d.Provider, fcSendCQHandle, fcSendDepth)

	return &Connection{
		ConnectionID: connectionID,
		qps: []qpPair{
			{
				handle: payloadQP,
				send:   verbs.NewSendQueue(d.Provider, payloadQP, payloadSCQ),
				recv:   verbs.NewRecvQueue(d.Provider, payloadQP, d.SharedPayloadSRQ, payloadRCQ),
			},
			{
				handle: fcQP,
				send:   verbs.NewSendQueue(d.Provider, fcQP, fcSCQ),
				recv:   verbs.NewRecvQueue(d.Provider, fcQP, d.SharedFCSRQ, fcRCQ),
			},
		},
	}, nil
}
