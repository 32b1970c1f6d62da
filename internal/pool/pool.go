// Package pool implements the pre-registered memory pools the send and
// receive engines draw from (SPEC_FULL.md section 4.12): one payload and
// one flow-control buffer per connection id for sending, an MPMC ring of
// payload buffers and a single-threaded-stack of flow-control buffers for
// receiving.
package pool

import (
	"runtime"
	"sync/atomic"

	"github.com/go-ibnet/ibnet/internal/ibnerr"
	"github.com/go-ibnet/ibnet/internal/verbs"
)

// SendBuffers holds one pre-registered payload slab and one 4-byte flow
// control buffer per connection id, indexed directly. Each connection's
// payload slab is wide enough to hold `depth` distinct piece-sized slots, so
// the send engine can have up to `depth` pieces posted and unacknowledged at
// once without two in-flight sends aliasing the same memory. No internal
// locking: the send engine serializes access per connection through the
// connection manager's handle counter, so two goroutines never touch the
// same connection's slab.
type SendBuffers struct {
	payload     [][]byte
	payloadMR   []verbs.MRHandle
	payloadSize int
	depth       int
	fc          [][]byte
	fcMR        []verbs.MRHandle
}

// NewSendBuffers pre-allocates and registers maxConnections worth of
// buffers up front; connection ids are assigned from a dense range
// [0, maxConnections) by the connection manager. depth is the number of
// distinct payloadSize-sized slots carved out of each connection's slab
// (at least 1); it should match the send engine's batch size so a full
// batch never has to wait on a free slot mid-batch.
func NewSendBuffers(provider verbs.Provider, pd verbs.PDHandle, maxConnections, payloadSize, depth int) (*SendBuffers, error) {
	if depth <= 0 {
		depth = 1
	}
	sb := &SendBuffers{
		payload:     make([][]byte, maxConnections),
		payloadMR:   make([]verbs.MRHandle, maxConnections),
		payloadSize: payloadSize,
		depth:       depth,
		fc:          make([][]byte, maxConnections),
		fcMR:        make([]verbs.MRHandle, maxConnections),
	}
	for i := 0; i < maxConnections; i++ {
		sb.payload[i] = make([]byte, payloadSize*depth)
		mr, err := provider.RegisterMR(pd, sb.payload[i])
		if err != nil {
			return nil, ibnerr.Wrap("NewSendBuffers", err)
		}
		sb.payloadMR[i] = mr

		sb.fc[i] = make([]byte, 4)
		fcmr, err := provider.RegisterMR(pd, sb.fc[i])
		if err != nil {
			return nil, ibnerr.Wrap("NewSendBuffers", err)
		}
		sb.fcMR[i] = fcmr
	}
	return sb, nil
}

// PayloadSlot returns the slot-th piece-sized window of connID's payload
// slab (0 <= slot < Depth()), the slab's registered memory region, and
// slot's byte offset within it for use as PostSend's offset argument.
func (sb *SendBuffers) PayloadSlot(connID uint16, slot int) (buf []byte, mr verbs.MRHandle, offset uint32) {
	off := slot * sb.payloadSize
	return sb.payload[connID][off : off+sb.payloadSize], sb.payloadMR[connID], uint32(off)
}

// PayloadSize reports the maximum size of a single posted piece.
func (sb *SendBuffers) PayloadSize() int { return sb.payloadSize }

// Depth reports how many distinct payload slots each connection's slab
// holds.
func (sb *SendBuffers) Depth() int { return sb.depth }

func (sb *SendBuffers) FlowControl(connID uint16) ([]byte, verbs.MRHandle) {
	return sb.fc[connID], sb.fcMR[connID]
}

// RecvPayloadPool is the MPMC ring of pre-registered receive buffers shared
// across connections. Get is single-consumer (only the Recv Engine calls
// it); Return is safe from any number of goroutines (a Recv Sink may return
// a buffer from its own worker pool), using the same CAS-reserve-then-wait
// protocol as the job queue's producer side.
type RecvPayloadPool struct {
	bufs     [][]byte
	mrs      []verbs.MRHandle
	mask     uint32
	capacity uint32
	ring     []uint32

	front   atomic.Uint32
	back    atomic.Uint32
	backRes atomic.Uint32
}

// NewRecvPayloadPool allocates capacity buffers of bufferSize bytes each.
// capacity must be a power of two.
func NewRecvPayloadPool(provider verbs.Provider, pd verbs.PDHandle, bufferSize, capacity int) (*RecvPayloadPool, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("pool: capacity must be a power of two")
	}
	p := &RecvPayloadPool{
		bufs:     make([][]byte, capacity),
		mrs:      make([]verbs.MRHandle, capacity),
		mask:     uint32(capacity) - 1,
		capacity: uint32(capacity),
		ring:     make([]uint32, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.bufs[i] = make([]byte, bufferSize)
		mr, err := provider.RegisterMR(pd, p.bufs[i])
		if err != nil {
			return nil, ibnerr.Wrap("NewRecvPayloadPool", err)
		}
		p.mrs[i] = mr
		p.ring[i] = uint32(i)
	}
	p.back.Store(uint32(capacity))
	p.backRes.Store(uint32(capacity))
	return p, nil
}

// Get removes one buffer from the pool. ok is false if the pool is
// currently exhausted; callers busy-wait per SPEC_FULL.md section 4.11
// rather than allocate.
func (p *RecvPayloadPool) Get() (idx uint32, buf []byte, mr verbs.MRHandle, ok bool) {
	front := p.front.Load()
	back := p.back.Load()
	if front == back {
		return 0, nil, nil, false
	}
	i := p.ring[front&p.mask]
	p.front.Store(front + 1)
	return i, p.bufs[i], p.mrs[i], true
}

// Return releases idx back into the pool.
func (p *RecvPayloadPool) Return(idx uint32) {
	for {
		back := p.backRes.Load()
		front := p.front.Load()
		if back-front >= p.capacity {
			// Only reachable if a caller returns an index it never Got, a
			// programmer error in the caller.
			return
		}
		if p.backRes.CompareAndSwap(back, back+1) {
			p.ring[back&p.mask] = idx
			for p.back.Load() != back {
				runtime.Gosched()
			}
			p.back.Store(back + 1)
			return
		}
	}
}

func (p *RecvPayloadPool) BufferSize() int { return len(p.bufs[0]) }
func (p *RecvPayloadPool) Capacity() int   { return int(p.capacity) }

// BufAt returns the buffer bytes for idx, as previously handed out by Get.
// Used by the recv engine to resolve a completion's work request id back to
// its buffer without re-deriving it from a second Get call.
func (p *RecvPayloadPool) BufAt(idx uint32) []byte { return p.bufs[idx] }

// MRAt returns the registered memory region for idx.
func (p *RecvPayloadPool) MRAt(idx uint32) verbs.MRHandle { return p.mrs[idx] }

// FCBufferPool is a simple LIFO stack of flow-control receive buffers. It
// is not safe for concurrent use by design: flow-control buffers are both
// taken and returned exclusively by the single Recv Engine goroutine.
type FCBufferPool struct {
	bufs []fcSlot
	free []uint32
}

type fcSlot struct {
	buf []byte
	mr  verbs.MRHandle
}

func NewFCBufferPool(provider verbs.Provider, pd verbs.PDHandle, capacity int) (*FCBufferPool, error) {
	p := &FCBufferPool{bufs: make([]fcSlot, capacity), free: make([]uint32, 0, capacity)}
	for i := 0; i < capacity; i++ {
		buf := make([]byte, 4)
		mr, err := provider.RegisterMR(pd, buf)
		if err != nil {
			return nil, ibnerr.Wrap("NewFCBufferPool", err)
		}
		p.bufs[i] = fcSlot{buf: buf, mr: mr}
		p.free = append(p.free, uint32(i))
	}
	return p, nil
}

func (p *FCBufferPool) Get() (idx uint32, buf []byte, mr verbs.MRHandle, ok bool) {
	if len(p.free) == 0 {
		return 0, nil, nil, false
	}
	idx = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	entry := p.bufs[idx]
	return idx, entry.buf, entry.mr, true
}

func (p *FCBufferPool) Put(idx uint32) {
	p.free = append(p.free, idx)
}

// BufAt returns the buffer bytes for idx, as previously handed out by Get.
func (p *FCBufferPool) BufAt(idx uint32) []byte { return p.bufs[idx].buf }

// MRAt returns the registered memory region for idx.
func (p *FCBufferPool) MRAt(idx uint32) verbs.MRHandle { return p.bufs[idx].mr }

// Capacity reports the total number of flow-control buffers in the pool.
func (p *FCBufferPool) Capacity() int { return len(p.bufs) }
