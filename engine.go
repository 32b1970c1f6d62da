package ibnet

import "github.com/go-ibnet/ibnet/internal/engine"

// WorkDescriptor is what a SendSource hands a Runtime's Send Engine on each
// iteration (SPEC_FULL.md section 6, "Send Source").
type WorkDescriptor = engine.WorkDescriptor

// SendSource feeds the Send Engine application payload and flow-control
// credits. Implementations are called from the Send Engine's own
// goroutine; Next must not block for long, since a blocked Next stalls
// every connection the engine serves.
type SendSource = engine.SendSource

// RecvBuffer is one payload buffer handed to a RecvSink by the Recv
// Engine. Call Return once done with Payload to release it back to the
// pool.
type RecvBuffer = engine.RecvBuffer

// RecvSink receives application payload as it arrives off the wire.
type RecvSink = engine.RecvSink

// FlowControlSink receives flow-control credits as they arrive. Only
// invoked for a Runtime started with TopologyDatapath.
type FlowControlSink = engine.FlowControlSink

// noopSendSource is the default Source a Runtime uses when none is
// supplied: it never has anything to send, so the engine idles at its
// backoff ceiling forever, same as a real source that legitimately has no
// outbound traffic.
type noopSendSource struct{}

func (noopSendSource) Next(prevNodeID uint16, prevBytesWritten int) (WorkDescriptor, bool) {
	return WorkDescriptor{}, false
}
