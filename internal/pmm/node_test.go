package pmm

import (
	"testing"

	"github.com/cherts/physmem/internal/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_AllocFree(t *testing.T) {
	n, free := newTestNode(t, 64)

	t.Run("single page round trip", func(t *testing.T) {
		p, pa, err := n.AllocPage(AllocAny)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, p.Paddr(), pa)
		assert.Equal(t, page.StateAlloc, p.State())
		assert.Equal(t, free-1, n.CountFreePages())

		n.FreePage(p)
		assert.Equal(t, page.StateFree, p.State())
		assert.Equal(t, free, n.CountFreePages())
	})

	t.Run("bulk all or nothing", func(t *testing.T) {
		var out page.List
		err := n.AllocPages(free+1, AllocAny, &out)
		assert.ErrorIs(t, err, ErrNoMemory)
		assert.True(t, out.Empty())
		assert.Equal(t, free, n.CountFreePages())

		require.NoError(t, n.AllocPages(free, AllocAny, &out))
		assert.Equal(t, free, out.Len())
		assert.Zero(t, n.CountFreePages())

		_, _, err = n.AllocPage(AllocAny)
		assert.ErrorIs(t, err, ErrNoMemory)

		n.FreeList(&out)
		assert.Equal(t, free, n.CountFreePages())
	})

	t.Run("zero count is a no-op", func(t *testing.T) {
		var out page.List
		assert.NoError(t, n.AllocPages(0, AllocAny, &out))
		assert.True(t, out.Empty())
	})
}

func TestNode_AllocRange(t *testing.T) {
	n, free := newTestNode(t, 64)

	t.Run("exact range", func(t *testing.T) {
		var out page.List
		require.NoError(t, n.AllocRange(testArenaBase+2*PageSize, 3, &out))
		assert.Equal(t, uint64(3), out.Len())

		want := testArenaBase + 2*PageSize
		out.ForEach(func(p *page.Page) bool {
			assert.Equal(t, want, p.Paddr())
			want += PageSize
			return true
		})
		n.FreeList(&out)
	})

	t.Run("partial failure restores pages", func(t *testing.T) {
		// Occupy a page in the middle of the requested range.
		var blocker page.List
		require.NoError(t, n.AllocRange(testArenaBase+4*PageSize, 1, &blocker))

		var out page.List
		err := n.AllocRange(testArenaBase+2*PageSize, 4, &out)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, out.Empty())
		assert.Equal(t, free-1, n.CountFreePages())

		n.FreeList(&blocker)
		assert.Equal(t, free, n.CountFreePages())
	})

	t.Run("address outside arenas", func(t *testing.T) {
		var out page.List
		assert.ErrorIs(t, n.AllocRange(0xdead_0000, 1, &out), ErrNotFound)
	})
}

func TestNode_FreeFill(t *testing.T) {
	n, _ := newTestNode(t, 16)
	n.SetFreeFill(true)

	p, _, err := n.AllocPage(AllocAny)
	require.NoError(t, err)

	buf := p.Payload()
	buf[17] = 0x7f
	n.FreePage(p)

	for _, b := range p.Payload() {
		assert.Equal(t, byte(freeFillByte), b)
	}

	// With enforcement on, reallocating the untouched page must pass.
	n.EnforceFill()
	q, _, err := n.AllocPage(AllocAny)
	require.NoError(t, err)
	n.FreePage(q)
}

func TestNode_CountersRoundTrip(t *testing.T) {
	n, free := newTestNode(t, 32)
	total := n.CountTotalBytes()
	assert.Equal(t, uint64(32*PageSize), total)

	var out page.List
	require.NoError(t, n.AllocPages(5, AllocAny, &out))
	n.FreeList(&out)

	assert.Equal(t, free, n.CountFreePages())
	assert.Equal(t, total, n.CountTotalBytes())
	assert.Zero(t, n.CountLoanedPages())
	assert.Zero(t, n.CountLoanedFreePages())
}

func TestNode_FreeInvariants(t *testing.T) {
	n, free := newTestNode(t, 32)

	// Every page in the FREE state is linked on a free list, and their
	// number matches the free count.
	seen := uint64(0)
	for pa := testArenaBase; pa < testArenaBase+32*PageSize; pa += PageSize {
		p := n.PaddrToPage(pa)
		require.NotNil(t, p)
		if p.IsFree() {
			assert.True(t, p.InList())
			seen++
		}
	}
	assert.Equal(t, free, seen)
}
