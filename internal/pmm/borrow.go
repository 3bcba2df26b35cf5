package pmm

import (
	"sync/atomic"

	"github.com/cherts/physmem/internal/log"
	"github.com/cherts/physmem/internal/page"
)

// BorrowingConfig holds the site-wide physical page borrowing toggles.
// Loaning controls whether contiguous owners may lend their frames out;
// borrowing controls whether allocations may draw on loaned frames.
type BorrowingConfig struct {
	loaningEnabled   atomic.Bool
	borrowingEnabled atomic.Bool
}

// SetLoaningEnabled toggles lending of contiguous frames.
func (c *BorrowingConfig) SetLoaningEnabled(v bool) { c.loaningEnabled.Store(v) }

// LoaningEnabled reports whether lending is enabled.
func (c *BorrowingConfig) LoaningEnabled() bool { return c.loaningEnabled.Load() }

// SetBorrowingEnabled toggles allocation out of loaned frames.
func (c *BorrowingConfig) SetBorrowingEnabled(v bool) { c.borrowingEnabled.Store(v) }

// BorrowingEnabled reports whether any borrowing is enabled.
func (c *BorrowingConfig) BorrowingEnabled() bool { return c.borrowingEnabled.Load() }

// BeginLoan marks every page on list as loaned and frees it onto the
// loaned free list, making the frames available to borrowers. The pages
// must be owned by the caller (ALLOC or freshly removed OBJECT pages).
func (n *Node) BeginLoan(list *page.List) {
	count := list.Len()
	list.ForEach(func(p *page.Page) bool {
		if p.IsLoaned() {
			panic("page loaned twice")
		}
		p.SetLoaned(true)
		p.SetLoanCancelled(false)
		return true
	})

	n.mu.Lock()
	n.loanedTotal += count
	n.freeListLocked(list)
	n.mu.Unlock()
	n.drainMemAvailCallbacks()
	log.Debugf("loaned %d pages", count)
}

// CancelLoan flags the loan on [base, base+count pages) as cancelled.
// Cancelled pages can no longer be handed to borrowers; frames still in
// use stay with their borrower until freed.
func (n *Node) CancelLoan(base page.Paddr, count uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		pa := base + page.Paddr(i*PageSize)
		p := n.paddrToPageLocked(pa)
		if p == nil {
			return ErrNotFound
		}
		if !p.IsLoaned() {
			return ErrBadState
		}
		p.SetLoanCancelled(true)
	}
	return nil
}

// EndLoan completes a cancelled loan: every frame in the range must have
// been freed back by its borrower. The pages leave the loaned free list
// with their loan flags cleared and are handed to the lender in the
// ALLOC state, appended to out.
func (n *Node) EndLoan(base page.Paddr, count uint64, out *page.List) error {
	// Settle frames still in transit between a queue and the free list
	// before taking the node lock.
	for i := uint64(0); i < count; i++ {
		p := n.PaddrToPage(base + page.Paddr(i*PageSize))
		if p == nil {
			return ErrNotFound
		}
		p.WaitUntilNotStackOwned()
	}

	n.mu.Lock()
	// Validate the whole range before taking anything out.
	for i := uint64(0); i < count; i++ {
		p := n.paddrToPageLocked(base + page.Paddr(i*PageSize))
		if p == nil {
			n.mu.Unlock()
			return ErrNotFound
		}
		if !p.IsLoaned() || !p.IsLoanCancelled() {
			n.mu.Unlock()
			return ErrBadState
		}
		if !p.IsFree() {
			n.mu.Unlock()
			return ErrBadState
		}
	}
	for i := uint64(0); i < count; i++ {
		p := n.paddrToPageLocked(base + page.Paddr(i*PageSize))
		n.freeLoaned.Remove(p)
		p.SetLoaned(false)
		p.SetLoanCancelled(false)
		n.allocPageHelperLocked(p)
		n.decrementFreeCountLocked(1)
		out.PushTail(p)
	}
	n.loanedTotal -= count
	n.mu.Unlock()
	n.drainMemAvailCallbacks()
	return nil
}

// DeleteLender dissolves a loan without returning the frames: every free
// loaned page in the range moves to the regular free list with its loan
// flags cleared. Frames still borrowed make the call fail with
// ErrBadState.
func (n *Node) DeleteLender(base page.Paddr, count uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		p := n.paddrToPageLocked(base + page.Paddr(i*PageSize))
		if p == nil {
			return ErrNotFound
		}
		if !p.IsLoaned() {
			return ErrBadState
		}
		if !p.IsFree() {
			return ErrBadState
		}
	}
	moved := uint64(0)
	for i := uint64(0); i < count; i++ {
		p := n.paddrToPageLocked(base + page.Paddr(i*PageSize))
		n.freeLoaned.Remove(p)
		p.SetLoaned(false)
		p.SetLoanCancelled(false)
		n.freeRegular.PushHead(p)
		moved++
	}
	n.loanedTotal -= moved
	return nil
}

func (n *Node) paddrToPageLocked(pa page.Paddr) *page.Page {
	for _, a := range n.arenas {
		if p := a.FindSpecific(pa); p != nil {
			return p
		}
	}
	return nil
}
