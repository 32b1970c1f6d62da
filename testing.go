package ibnet

import (
	"sync"

	"github.com/go-ibnet/ibnet/internal/verbs"
)

// MockVerbsProvider is a hand-rolled verbs.Provider for unit tests that only
// need a Provider-shaped object to construct a Runtime against: every
// CreateX call returns the next sequential handle, ModifyQPToRTR/RTS always
// succeed, and PollCQ reports nothing until a completion is armed with
// QueueCompletion. It is not a substitute for internal/verbs/simulated's
// full in-memory fabric, which is what integration tests that need two
// peers to actually exchange payload should use instead.
type MockVerbsProvider struct {
	mu sync.RWMutex

	nextHandle int
	queued     map[verbs.CQHandle][]verbs.WorkCompletion

	openDeviceCalls int
	allocPDCalls    int
	registerMRCalls int
	createCQCalls   int
	createSRQCalls  int
	createQPCalls   int
	postSendCalls   int
	postRecvCalls   int
	closed          bool

	// LIDValue is what LID reports; defaults to 1.
	LIDValue uint16
}

// NewMockVerbsProvider returns a ready-to-use MockVerbsProvider.
func NewMockVerbsProvider() *MockVerbsProvider {
	return &MockVerbsProvider{queued: make(map[verbs.CQHandle][]verbs.WorkCompletion), LIDValue: 1}
}

func (p *MockVerbsProvider) nextHandleLocked() int {
	p.nextHandle++
	return p.nextHandle
}

func (p *MockVerbsProvider) OpenDevice(name string) (verbs.DeviceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openDeviceCalls++
	return p.nextHandleLocked(), nil
}

func (p *MockVerbsProvider) AllocPD(dev verbs.DeviceHandle) (verbs.PDHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocPDCalls++
	return p.nextHandleLocked(), nil
}

func (p *MockVerbsProvider) RegisterMR(pd verbs.PDHandle, buf []byte) (verbs.MRHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerMRCalls++
	return p.nextHandleLocked(), nil
}

func (p *MockVerbsProvider) CreateCQ(dev verbs.DeviceHandle, size uint32) (verbs.CQHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCQCalls++
	return p.nextHandleLocked(), nil
}

func (p *MockVerbsProvider) CreateSRQ(pd verbs.PDHandle, size uint32) (verbs.SRQHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createSRQCalls++
	return p.nextHandleLocked(), nil
}

func (p *MockVerbsProvider) CreateQP(pd verbs.PDHandle, sendCQ, recvCQ verbs.CQHandle, srq verbs.SRQHandle, sendDepth, recvDepth uint32) (verbs.QPHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createQPCalls++
	return mockQPHandle(p.nextHandleLocked()), nil
}

func (p *MockVerbsProvider) ModifyQPToRTR(qp verbs.QPHandle, remoteLID uint16, remoteQPNum uint32) error {
	return nil
}

func (p *MockVerbsProvider) ModifyQPToRTS(qp verbs.QPHandle) error { return nil }

func (p *MockVerbsProvider) PostSend(qp verbs.QPHandle, mr verbs.MRHandle, offset, size uint32, workReqID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postSendCalls++
	return nil
}

func (p *MockVerbsProvider) PostRecv(qp verbs.QPHandle, srq verbs.SRQHandle, mr verbs.MRHandle, workReqID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postRecvCalls++
	return nil
}

func (p *MockVerbsProvider) PollCQ(cq verbs.CQHandle, blocking bool) (verbs.WorkCompletion, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queued[cq]
	if len(q) == 0 {
		return verbs.WorkCompletion{}, false, nil
	}
	wc := q[0]
	p.queued[cq] = q[1:]
	return wc, true, nil
}

func (p *MockVerbsProvider) LID(dev verbs.DeviceHandle) (uint16, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.LIDValue, nil
}

func (p *MockVerbsProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// QueueCompletion arms cq so its next PollCQ call returns wc.
func (p *MockVerbsProvider) QueueCompletion(cq verbs.CQHandle, wc verbs.WorkCompletion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued[cq] = append(p.queued[cq], wc)
}

// IsClosed reports whether Close has been called.
func (p *MockVerbsProvider) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// CallCounts reports how many times each Provider method has been invoked.
func (p *MockVerbsProvider) CallCounts() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]int{
		"OpenDevice": p.openDeviceCalls,
		"AllocPD":    p.allocPDCalls,
		"RegisterMR": p.registerMRCalls,
		"CreateCQ":   p.createCQCalls,
		"CreateSRQ":  p.createSRQCalls,
		"CreateQP":   p.createQPCalls,
		"PostSend":   p.postSendCalls,
		"PostRecv":   p.postRecvCalls,
	}
}

// Reset zeroes every call counter; it does not reset queued completions or
// the closed flag.
func (p *MockVerbsProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openDeviceCalls, p.allocPDCalls, p.registerMRCalls = 0, 0, 0
	p.createCQCalls, p.createSRQCalls, p.createQPCalls = 0, 0, 0
	p.postSendCalls, p.postRecvCalls = 0, 0
}

type mockQPHandle int

func (q mockQPHandle) Num() uint32 { return uint32(q) }

// MockSendSource is a hand-rolled SendSource for unit tests: Enqueue queues
// up WorkDescriptors to hand out; Next drains them in FIFO order and
// reports ok=false once the queue is empty.
type MockSendSource struct {
	mu    sync.Mutex
	queue []WorkDescriptor
	calls int
}

// NewMockSendSource returns an empty MockSendSource.
func NewMockSendSource() *MockSendSource { return &MockSendSource{} }

// Enqueue appends wd to the queue Next drains from.
func (s *MockSendSource) Enqueue(wd WorkDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, wd)
}

func (s *MockSendSource) Next(prevNodeID uint16, prevBytesWritten int) (WorkDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.queue) == 0 {
		return WorkDescriptor{}, false
	}
	wd := s.queue[0]
	s.queue = s.queue[1:]
	return wd, true
}

// CallCount reports how many times Next has been called.
func (s *MockSendSource) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// MockRecvSink is a hand-rolled RecvSink for unit tests: every delivered
// buffer's payload is copied out and the buffer is returned immediately, so
// a caller can inspect Delivered without needing to manage pool lifetimes.
type MockRecvSink struct {
	mu        sync.Mutex
	delivered []RecvBuffer
}

// NewMockRecvSink returns an empty MockRecvSink.
func NewMockRecvSink() *MockRecvSink { return &MockRecvSink{} }

func (s *MockRecvSink) Deliver(buf RecvBuffer) {
	cp := make([]byte, len(buf.Payload))
	copy(cp, buf.Payload)
	s.mu.Lock()
	s.delivered = append(s.delivered, RecvBuffer{NodeID: buf.NodeID, Payload: cp})
	s.mu.Unlock()
	buf.Return()
}

// Delivered returns a copy of every buffer delivered so far.
func (s *MockRecvSink) Delivered() []RecvBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecvBuffer, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// Reset clears every delivered buffer recorded so far.
func (s *MockRecvSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = nil
}

// Compile-time interface checks.
var (
	_ verbs.Provider = (*MockVerbsProvider)(nil)
	_ verbs.QPHandle = mockQPHandle(0)
	_ SendSource     = (*MockSendSource)(nil)
	_ RecvSink       = (*MockRecvSink)(nil)
)
