package pmm

import (
	"testing"

	"github.com/cherts/physmem/internal/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loanPages pulls count pages out of the node and lends them back,
// returning the base address of the loaned run for loan bookkeeping.
func loanPages(t *testing.T, n *Node, count uint64) []page.Paddr {
	t.Helper()
	var lent page.List
	require.NoError(t, n.AllocPages(count, AllocAny, &lent))

	var addrs []page.Paddr
	lent.ForEach(func(p *page.Page) bool {
		addrs = append(addrs, p.Paddr())
		return true
	})
	n.BeginLoan(&lent)
	return addrs
}

func TestLoan_BeginLoan(t *testing.T) {
	n, free := newTestNode(t, 64)
	addrs := loanPages(t, n, 4)

	assert.Equal(t, uint64(4), n.CountLoanedPages())
	assert.Equal(t, uint64(4), n.CountLoanedFreePages())
	assert.Zero(t, n.CountLoanedUsedPages())
	assert.Equal(t, free, n.CountFreePages())

	for _, pa := range addrs {
		p := n.PaddrToPage(pa)
		assert.True(t, p.IsLoaned())
		assert.True(t, p.IsFree())
	}
}

func TestLoan_BorrowFlags(t *testing.T) {
	n, free := newTestNode(t, 64)
	n.Borrowing().SetBorrowingEnabled(true)
	loanPages(t, n, 2)

	t.Run("must borrow draws loaned", func(t *testing.T) {
		p, _, err := n.AllocPage(AllocMustBorrow)
		require.NoError(t, err)
		assert.True(t, p.IsLoaned())
		assert.Equal(t, uint64(1), n.CountLoanedUsedPages())
		n.FreePage(p)
		assert.Zero(t, n.CountLoanedUsedPages())
	})

	t.Run("regular alloc avoids loaned", func(t *testing.T) {
		var out page.List
		require.NoError(t, n.AllocPages(free-2, AllocAny, &out))
		out.ForEach(func(p *page.Page) bool {
			assert.False(t, p.IsLoaned())
			return true
		})

		// Regular pages exhausted: plain allocation fails while
		// borrowing succeeds.
		_, _, err := n.AllocPage(AllocAny)
		assert.ErrorIs(t, err, ErrNoMemory)

		p, _, err := n.AllocPage(AllocCanBorrow)
		require.NoError(t, err)
		assert.True(t, p.IsLoaned())

		n.FreePage(p)
		n.FreeList(&out)
	})

	t.Run("borrowing disabled blocks can-borrow", func(t *testing.T) {
		n.Borrowing().SetBorrowingEnabled(false)
		var out page.List
		require.NoError(t, n.AllocPages(free-2, AllocAny, &out))

		_, _, err := n.AllocPage(AllocCanBorrow)
		assert.ErrorIs(t, err, ErrNoMemory)

		n.Borrowing().SetBorrowingEnabled(true)
		n.FreeList(&out)
	})
}

func TestLoan_CancelAndEnd(t *testing.T) {
	n, free := newTestNode(t, 64)
	n.Borrowing().SetBorrowingEnabled(true)
	addrs := loanPages(t, n, 3)
	base := addrs[0]

	require.NoError(t, n.CancelLoan(base, 3))
	assert.Equal(t, uint64(3), n.CountLoanCancelledPages())

	t.Run("cancelled pages are not allocatable", func(t *testing.T) {
		var out page.List
		require.NoError(t, n.AllocPages(free-3, AllocAny, &out))

		// Only cancelled loaned pages remain; even borrowers are refused.
		_, _, err := n.AllocPage(AllocCanBorrow)
		assert.ErrorIs(t, err, ErrNoMemory)
		_, _, err = n.AllocPage(AllocMustBorrow)
		assert.ErrorIs(t, err, ErrNoMemory)

		n.FreeList(&out)
	})

	t.Run("end loan returns pages to the lender", func(t *testing.T) {
		var out page.List
		require.NoError(t, n.EndLoan(base, 3, &out))
		assert.Equal(t, uint64(3), out.Len())
		out.ForEach(func(p *page.Page) bool {
			assert.False(t, p.IsLoaned())
			assert.False(t, p.IsLoanCancelled())
			assert.Equal(t, page.StateAlloc, p.State())
			return true
		})
		assert.Zero(t, n.CountLoanedPages())
		assert.Equal(t, free-3, n.CountFreePages())

		n.FreeList(&out)
		assert.Equal(t, free, n.CountFreePages())
	})
}

func TestLoan_EndLoanRequiresCancelled(t *testing.T) {
	n, _ := newTestNode(t, 64)
	addrs := loanPages(t, n, 1)

	var out page.List
	assert.ErrorIs(t, n.EndLoan(addrs[0], 1, &out), ErrBadState)
}

func TestLoan_DeleteLender(t *testing.T) {
	n, free := newTestNode(t, 64)
	addrs := loanPages(t, n, 2)

	require.NoError(t, n.DeleteLender(addrs[0], 2))
	assert.Zero(t, n.CountLoanedPages())
	assert.Equal(t, free, n.CountFreePages())

	// The frames are ordinary free pages again.
	p, _, err := n.AllocPage(AllocMustBorrow)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Nil(t, p)
}

func TestLoan_DeleteLenderBorrowedFails(t *testing.T) {
	n, _ := newTestNode(t, 64)
	n.Borrowing().SetBorrowingEnabled(true)
	addrs := loanPages(t, n, 1)

	p, _, err := n.AllocPage(AllocMustBorrow)
	require.NoError(t, err)

	assert.ErrorIs(t, n.DeleteLender(addrs[0], 1), ErrBadState)

	n.FreePage(p)
	require.NoError(t, n.DeleteLender(addrs[0], 1))
}
