// Package manager implements the Job Worker and the Connection Manager
// facade it backs (SPEC_FULL.md sections 4.8 and 4.9): the single-threaded
// owner of every connection slot, the physical-queue-pair-to-node map, and
// the per-peer handle counter callers spin against in GetConnection.
package manager

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-ibnet/ibnet/internal/conn"
)

// Per-peer handle counter sentinels, matching the spec's NOT_AVAILABLE =
// INT32_MIN / AVAILABLE = 0 / CLOSING = INT32_MIN/2 scheme: Closing sits
// strictly below Available, so a GetConnection or IsConnectionAvailable call
// that reads the counter mid-teardown sees a connection that is closing as
// unavailable rather than mistaking it for an established one. A peer's
// counter starts at NotAvailable. Once its Connection is up, the Job Worker
// sets it to Available (0); every outstanding GetConnection handle then adds
// 1 on top of that, so the counter's value while connected is exactly the
// count of handles currently checked out. The Job Worker's close handler
// (run for a CloseConnection request) swaps the counter to Closing; each later ReturnConnection's fetch-sub walks it on down from
// there as the outstanding handles trickle back in.
const (
	NotAvailable int64 = math.MinInt32
	Available    int64 = 0
	Closing      int64 = math.MinInt32 / 2
)

// activateDelta is what the Job Worker adds to a peer's counter to lift it
// from NotAvailable into the Available band while a connection comes up —
// any GetConnection callers that already bumped the counter while spinning
// are preserved as their handle count rather than reset to zero.
const activateDelta = Available - NotAvailable

// peerState is the per-node-id bookkeeping the manager keeps. Created
// lazily on first reference (AddNode or GetConnection), never removed —
// node ids are a small, bounded, mostly-static set for the lifetime of a
// cluster.
type peerState struct {
	counter atomic.Int64
	conn    atomic.Pointer[conn.Connection]

	// remoteIdent is touched only by the Job Worker (single-threaded), so
	// it needs no synchronization of its own.
	remoteIdent uint32
}

// peerTable guards creation of new peerState entries. Lookups of an
// existing entry need no lock beyond the read half of this mutex; the
// atomics inside peerState carry all further synchronization.
type peerTable struct {
	mu    sync.RWMutex
	peers map[uint16]*peerState
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[uint16]*peerState)}
}

func (t *peerTable) getOrCreate(nodeID uint16) *peerState {
	t.mu.RLock()
	p, ok := t.peers[nodeID]
	t.mu.RUnlock()
	if ok {
		return p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		return p
	}
	p = &peerState{}
	p.counter.Store(NotAvailable)
	t.peers[nodeID] = p
	return p
}

func (t *peerTable) get(nodeID uint16) (*peerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[nodeID]
	return p, ok
}

func (t *peerTable) all() []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint16, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// connIDFreeList is a dense pool of connection ids in [0, capacity).
type connIDFreeList struct {
	mu   sync.Mutex
	free []uint16
}

func newConnIDFreeList(capacity int) *connIDFreeList {
	free := make([]uint16, capacity)
	for i := range free {
		free[i] = uint16(capacity - 1 - i)
	}
	return &connIDFreeList{free: free}
}

func (f *connIDFreeList) take() (uint16, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.free) == 0 {
		return 0, false
	}
	id := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	return id, true
}

func (f *connIDFreeList) release(id uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = append(f.free, id)
}
