package verbs

// DeviceHandle, PDHandle, CQHandle, SRQHandle, MRHandle are opaque handles
// returned by a Provider. A real libibverbs cgo binding would back these
// with pointers into C structs; the simulated provider backs them with
// plain Go values.
type (
	DeviceHandle interface{}
	PDHandle     interface{}
	CQHandle     interface{}
	SRQHandle    interface{}
	MRHandle     interface{}
)

// QPHandle additionally exposes the queue pair's number, since the receive
// engine needs it to translate a completion back to an originating node.
type QPHandle interface {
	Num() uint32
}

// CompletionStatus classifies a polled work completion (SPEC_FULL.md
// section 4.2).
type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusRetryExceeded
	StatusOtherError
)

// WorkCompletion is the result of a successful CQ poll.
type WorkCompletion struct {
	WorkReqID uint64
	QPNum     uint32
	Status    CompletionStatus
	Length    uint32
}

// Provider is the narrow set of verbs operations this module needs. It
// intentionally does not expose RDMA READ/WRITE, multicast, or unreliable
// datagram transport: SEND/RECV over a reliable-connected QP is the only
// datapath in scope.
type Provider interface {
	OpenDevice(name string) (DeviceHandle, error)
	AllocPD(dev DeviceHandle) (PDHandle, error)
	RegisterMR(pd PDHandle, buf []byte) (MRHandle, error)

	CreateCQ(dev DeviceHandle, size uint32) (CQHandle, error)
	CreateSRQ(pd PDHandle, size uint32) (SRQHandle, error)
	CreateQP(pd PDHandle, sendCQ, recvCQ CQHandle, srq SRQHandle, sendDepth, recvDepth uint32) (QPHandle, error)

	ModifyQPToRTR(qp QPHandle, remoteLID uint16, remoteQPNum uint32) error
	ModifyQPToRTS(qp QPHandle) error

	PostSend(qp QPHandle, mr MRHandle, offset, size uint32, workReqID uint64) error
	PostRecv(qp QPHandle, srq SRQHandle, mr MRHandle, workReqID uint64) error

	// PollCQ polls for a single completion. ok is false iff no completion
	// was available and blocking is false. A real blocking poll busy-loops
	// internally rather than sleeping in the kernel, matching the original
	// implementation's spin-poll CQ model. The bundled simulated provider
	// ignores blocking and returns ok=false whenever its queue is empty;
	// CompQueue.PollForCompletion always passes false and does its own
	// busy loop.
	PollCQ(cq CQHandle, blocking bool) (wc WorkCompletion, ok bool, err error)

	LID(dev DeviceHandle) (uint16, error)
	Close() error
}
