package reclaim

import (
	"testing"

	"github.com/cherts/physmem/internal/page"
	"github.com/cherts/physmem/internal/pmm"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lendPages takes count pages out of the node and lends them back.
func lendPages(t *testing.T, n *pmm.Node, count uint64) {
	t.Helper()
	var lent page.List
	require.NoError(t, n.AllocPages(count, pmm.AllocAny, &lent))
	n.BeginLoan(&lent)
}

func TestLoanSweeper_InitRequiresArenas(t *testing.T) {
	n := pmm.NewNode()
	s := NewLoanSweeper(n, nil)
	assert.Error(t, s.Init())
}

func TestLoanSweeper_SweepToLoaned(t *testing.T) {
	n, q, _ := newTestSetup(t, 64)
	n.Borrowing().SetLoaningEnabled(true)
	n.Borrowing().SetBorrowingEnabled(true)

	cow := newTestCow(n, q)
	cow.addPages(t, 1)
	lendPages(t, n, 10)

	var target *page.Page
	for p := range cow.pages {
		target = p
	}
	require.False(t, target.IsLoaned())
	targetPaddr := target.Paddr()

	s := NewLoanSweeper(n, q)
	require.NoError(t, s.Init())

	sweepsBefore := testutil.ToFloat64(sweepCount)
	sweptBefore := testutil.ToFloat64(sweepPagesSweptToLoaned)

	replaced := s.ForceSynchronousSweep()
	assert.Equal(t, uint64(1), replaced)

	assert.Equal(t, sweepsBefore+1, testutil.ToFloat64(sweepCount))
	assert.GreaterOrEqual(t, testutil.ToFloat64(sweepPagesSweptToLoaned), sweptBefore+1)

	// The container now holds a loaned frame; the old frame is an
	// ordinary free page again.
	require.Len(t, cow.pages, 1)
	for p := range cow.pages {
		assert.True(t, p.IsLoaned())
		assert.Equal(t, page.StateObject, p.State())
	}
	old := n.PaddrToPage(targetPaddr)
	assert.True(t, old.IsFree())
	assert.False(t, old.IsLoaned())

	// Nine loaned frames remain free for future borrowers.
	assert.Equal(t, uint64(9), n.CountLoanedFreePages())
}

func TestLoanSweeper_NoFreeLoanedPagesStopsEarly(t *testing.T) {
	n, q, _ := newTestSetup(t, 64)
	n.Borrowing().SetBorrowingEnabled(true)

	cow := newTestCow(n, q)
	cow.addPages(t, 3)

	s := NewLoanSweeper(n, q)
	require.NoError(t, s.Init())

	// No loaned frames at all: nothing to sweep toward.
	assert.Zero(t, s.ForceSynchronousSweep())
	require.Len(t, cow.pages, 3)
	for p := range cow.pages {
		assert.False(t, p.IsLoaned())
	}
}

func TestLoanSweeper_SweepBackFromLoaned(t *testing.T) {
	n, q, _ := newTestSetup(t, 64)
	n.Borrowing().SetLoaningEnabled(true)
	n.Borrowing().SetBorrowingEnabled(true)

	// Put a page of content onto a loaned frame first.
	lendPages(t, n, 4)
	cow := newTestCow(n, q)
	p, _, err := n.AllocPage(pmm.AllocMustBorrow)
	require.NoError(t, err)
	require.True(t, p.TryTransition(page.StateAlloc, page.StateObject))
	cow.pages[p] = 0
	q.SetPagerBacked(p, cow, 0)

	// Borrowing switched off: the sweeper migrates content off loaned
	// frames so lenders can reclaim them.
	n.Borrowing().SetBorrowingEnabled(false)

	s := NewLoanSweeper(n, q)
	require.NoError(t, s.Init())
	s.ForceSynchronousSweep()

	require.Len(t, cow.pages, 1)
	for moved := range cow.pages {
		assert.False(t, moved.IsLoaned())
	}
	assert.Zero(t, n.CountLoanedUsedPages())
}

func TestLoanSweeper_PageChaseGivesUp(t *testing.T) {
	n, q, _ := newTestSetup(t, 64)
	n.Borrowing().SetLoaningEnabled(true)
	n.Borrowing().SetBorrowingEnabled(true)

	cow := &chasingCow{inner: newTestCow(n, q)}
	cow.inner.addPagesVia(t, cow)
	lendPages(t, n, 2)

	s := NewLoanSweeper(n, q)
	require.NoError(t, s.Init())

	gaveUpBefore := testutil.ToFloat64(sweepPageChaseGaveUp)
	retriedBefore := testutil.ToFloat64(sweepPageChaseRetried)

	assert.Zero(t, s.ForceSynchronousSweep())
	assert.Equal(t, gaveUpBefore+1, testutil.ToFloat64(sweepPageChaseGaveUp))
	assert.Equal(t, retriedBefore+2, testutil.ToFloat64(sweepPageChaseRetried))
}

// chasingCow always claims its page just moved, driving the chase limit.
type chasingCow struct {
	inner *testCow
}

func (c *chasingCow) EvictPage(p *page.Page, offset uint64, hint page.EvictionHintAction) bool {
	return c.inner.EvictPage(p, offset, hint)
}

func (c *chasingCow) ReplacePage(_ *page.Page, _ uint64, _ bool) error {
	return pmm.ErrNotFound
}

// addPagesVia files one page under the given owner identity.
func (c *testCow) addPagesVia(t *testing.T, owner page.CowPages) {
	t.Helper()
	p, _, err := c.node.AllocPage(pmm.AllocAny)
	require.NoError(t, err)
	require.True(t, p.TryTransition(page.StateAlloc, page.StateObject))
	c.pages[p] = 0
	c.pageQueues.SetPagerBacked(p, owner, 0)
}
