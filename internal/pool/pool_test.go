package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-ibnet/ibnet/internal/verbs/simulated"
)

func TestSendBuffersIndexing(t *testing.T) {
	fabric := simulated.NewFabric()
	prov := fabric.NewProvider(1)
	dev, _ := prov.OpenDevice("sim0")
	pd, _ := prov.AllocPD(dev)

	sb, err := NewSendBuffers(prov, pd, 4, 256, 8)
	require.NoError(t, err)

	buf, mr, offset := sb.PayloadSlot(2, 3)
	require.Len(t, buf, 256)
	require.NotNil(t, mr)
	require.Equal(t, uint32(3*256), offset)

	buf0, _, offset0 := sb.PayloadSlot(2, 0)
	require.Len(t, buf0, 256)
	require.Equal(t, uint32(0), offset0)

	fcBuf, fcMR := sb.FlowControl(2)
	require.Len(t, fcBuf, 4)
	require.NotNil(t, fcMR)
}

func TestRecvPayloadPoolGetReturn(t *testing.T) {
	fabric := simulated.NewFabric()
	prov := fabric.NewProvider(1)
	dev, _ := prov.OpenDevice("sim0")
	pd, _ := prov.AllocPD(dev)

	p, err := NewRecvPayloadPool(prov, pd, 64, 4)
	require.NoError(t, err)
	require.Equal(t, 4, p.Capacity())

	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		idx, buf, mr, ok := p.Get()
		require.True(t, ok)
		require.Len(t, buf, 64)
		require.NotNil(t, mr)
		seen[idx] = true
	}
	require.Len(t, seen, 4)

	_, _, _, ok := p.Get()
	require.False(t, ok, "expected pool to be exhausted")

	for idx := range seen {
		p.Return(idx)
	}
	_, _, _, ok = p.Get()
	require.True(t, ok, "expected a buffer back after Return")
}

func TestRecvPayloadPoolConcurrentReturn(t *testing.T) {
	fabric := simulated.NewFabric()
	prov := fabric.NewProvider(1)
	dev, _ := prov.OpenDevice("sim0")
	pd, _ := prov.AllocPD(dev)

	p, err := NewRecvPayloadPool(prov, pd, 16, 8)
	require.NoError(t, err)

	var taken []uint32
	for i := 0; i < 8; i++ {
		idx, _, _, ok := p.Get()
		require.True(t, ok)
		taken = append(taken, idx)
	}

	var wg sync.WaitGroup
	for _, idx := range taken {
		wg.Add(1)
		go func(idx uint32) {
			defer wg.Done()
			p.Return(idx)
		}(idx)
	}
	wg.Wait()

	count := 0
	for {
		_, _, _, ok := p.Get()
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 8, count)
}

func TestFCBufferPoolStack(t *testing.T) {
	fabric := simulated.NewFabric()
	prov := fabric.NewProvider(1)
	dev, _ := prov.OpenDevice("sim0")
	pd, _ := prov.AllocPD(dev)

	p, err := NewFCBufferPool(prov, pd, 2)
	require.NoError(t, err)

	idx1, _, _, ok := p.Get()
	require.True(t, ok)
	idx2, _, _, ok := p.Get()
	require.True(t, ok)
	_, _, _, ok = p.Get()
	require.False(t, ok)

	p.Put(idx1)
	p.Put(idx2)
	_, _, _, ok = p.Get()
	require.True(t, ok)
}
