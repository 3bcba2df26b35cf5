package pmm

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cherts/physmem/internal/ksync"
	"github.com/cherts/physmem/internal/log"
	"github.com/cherts/physmem/internal/page"
)

// Node is the top-level physical page allocator. It composes the arena
// list, the regular and loaned free lists, the watermark machine and the
// delayed allocation request queue.
//
// One mutex guards the free lists, the arena list, the watermark state
// and the request queue. Nothing blocks while holding it; watermark
// callbacks are queued under the lock and dispatched after release.
type Node struct {
	mu sync.Mutex

	arenas              []*Arena
	arenaCumulativeSize uint64

	freeRegular page.List
	freeLoaned  page.List
	freeCount   uint64

	// Loan bookkeeping. loanedTotal counts every page currently flagged
	// loaned, free or not.
	loanedTotal uint64

	borrow BorrowingConfig

	wm watermarkState

	// Callback levels queued under mu, dispatched in order by whoever
	// releases the lock. cbMu serializes dispatchers so delivery order
	// matches transition order.
	cbMu          sync.Mutex
	pendingLevels []uint8

	freePagesEvt *ksync.Event
	requestEvt   *ksync.Event

	requestList    requestList
	currentRequest *Request
	requestLive    bool
	requestStop    chan struct{}
	requestWG      sync.WaitGroup

	// Debug knobs, both off by default.
	freeFill         bool
	enforceFill      bool
	randomShouldWait bool
	rng              *rand.Rand
}

// NewNode returns a node with reclamation watermarks configured so that
// it never reports a low-memory state.
func NewNode() *Node {
	n := &Node{
		freePagesEvt: ksync.NewEvent(false),
		requestEvt:   ksync.NewEvent(false),
		requestStop:  make(chan struct{}),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := n.InitReclamation([]uint64{0}, 0, func(uint8) {}); err != nil {
		panic(err)
	}
	n.drainMemAvailCallbacks()
	return n
}

// SetFreeFill toggles the free-fill debug mode: freed page payloads are
// overwritten with a fill pattern. Allocations verify the pattern only
// after EnforceFill has been called.
func (n *Node) SetFreeFill(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.freeFill = v
}

// EnforceFill fills every currently free page and starts verifying the
// pattern on allocation.
func (n *Node) EnforceFill() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.freeFill = true
	fill := func(p *page.Page) bool {
		freeFillPage(p)
		return true
	}
	n.freeRegular.ForEach(fill)
	n.freeLoaned.ForEach(fill)
	n.enforceFill = true
}

// SetRandomShouldWait toggles the debug fault-injection mode that makes
// roughly 10% of CAN_WAIT allocations behave as if the node were in the
// OOM state.
func (n *Node) SetRandomShouldWait(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.randomShouldWait = v
}

// Borrowing returns the node's physical page borrowing configuration.
func (n *Node) Borrowing() *BorrowingConfig {
	return &n.borrow
}

// AddArena initializes an arena from the descriptor and inserts it into
// the priority-ordered arena list. Arenas must not overlap.
func (n *Node) AddArena(info ArenaInfo) error {
	n.mu.Lock()
	for _, a := range n.arenas {
		if uint64(info.Base) < uint64(a.Base())+a.Size() &&
			uint64(a.Base()) < uint64(info.Base)+info.Size {
			n.mu.Unlock()
			return ErrInvalidArgs
		}
	}
	n.mu.Unlock()

	arena := &Arena{}
	if err := arena.Init(info, n); err != nil {
		return err
	}

	n.mu.Lock()
	inserted := false
	for i, a := range n.arenas {
		if a.Priority() > arena.Priority() {
			n.arenas = append(n.arenas[:i], append([]*Arena{arena}, n.arenas[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		n.arenas = append(n.arenas, arena)
	}
	n.arenaCumulativeSize += info.Size
	n.mu.Unlock()
	n.drainMemAvailCallbacks()

	log.Infof("added arena %q base %s size %d priority %d", info.Name, info.Base, info.Size, info.Priority)
	return nil
}

// ArenaInfos returns a snapshot of the arena descriptors in priority order.
func (n *Node) ArenaInfos() []ArenaInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	infos := make([]ArenaInfo, len(n.arenas))
	for i, a := range n.arenas {
		infos[i] = a.Info()
	}
	return infos
}

// AddFreePages moves every page on list onto the regular free list. Used
// when bootstrapping an arena.
func (n *Node) AddFreePages(list *page.List) {
	n.mu.Lock()
	count := list.Len()
	for p := list.PopHead(); p != nil; p = list.PopHead() {
		p.SetState(page.StateFree)
		n.freeRegular.PushTail(p)
	}
	n.incrementFreeCountLocked(count)
	n.mu.Unlock()
	n.freePagesEvt.Signal()
	n.drainMemAvailCallbacks()
}

// PaddrToPage returns the page record covering the address, or nil when
// no arena owns it.
func (n *Node) PaddrToPage(pa page.Paddr) *page.Page {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.arenas {
		if p := a.FindSpecific(pa); p != nil {
			return p
		}
	}
	return nil
}

// PageToPaddr returns the page's physical address.
func (n *Node) PageToPaddr(p *page.Page) page.Paddr {
	return p.Paddr()
}

func (n *Node) allocPageHelperLocked(p *page.Page) {
	if n.enforceFill {
		checkFreeFillPage(p)
	}
	p.SetState(page.StateAlloc)
}

// inOomStateLocked reports whether allocations that opted into waiting
// should be refused right now.
func (n *Node) inOomStateLocked() bool {
	if n.wm.curLevel == 0 {
		return true
	}
	if n.randomShouldWait {
		// Fault injection: pretend roughly one in ten allocations hit the
		// OOM state.
		return n.rng.Intn(10) == 0
	}
	return false
}

// popLoanedLocked removes the first loaned free page whose loan has not
// been cancelled.
func (n *Node) popLoanedLocked() *page.Page {
	var found *page.Page
	n.freeLoaned.ForEach(func(p *page.Page) bool {
		if !p.IsLoanCancelled() {
			found = p
			return false
		}
		return true
	})
	if found != nil {
		n.freeLoaned.Remove(found)
	}
	return found
}

// AllocPage allocates a single page. With AllocCanBorrow set the loaned
// free list backs the regular one; with AllocMustBorrow only the loaned
// list is used.
func (n *Node) AllocPage(flags AllocFlags) (*page.Page, page.Paddr, error) {
	n.mu.Lock()
	if flags&AllocCanWait != 0 && n.inOomStateLocked() {
		n.mu.Unlock()
		return nil, 0, ErrShouldWait
	}

	var p *page.Page
	if flags&AllocMustBorrow != 0 {
		p = n.popLoanedLocked()
	} else {
		p = n.freeRegular.PopHead()
		if p == nil && flags&AllocCanBorrow != 0 && n.borrow.BorrowingEnabled() {
			p = n.popLoanedLocked()
		}
	}
	if p == nil {
		n.mu.Unlock()
		return nil, 0, ErrNoMemory
	}

	n.allocPageHelperLocked(p)
	n.decrementFreeCountLocked(1)
	n.mu.Unlock()
	n.drainMemAvailCallbacks()
	return p, p.Paddr(), nil
}

// AllocPages performs an all-or-nothing bulk allocation of count pages,
// appending them to out.
func (n *Node) AllocPages(count uint64, flags AllocFlags, out *page.List) error {
	if count == 0 {
		return nil
	}
	if count == 1 {
		p, _, err := n.AllocPage(flags)
		if err != nil {
			return err
		}
		out.PushTail(p)
		return nil
	}

	n.mu.Lock()
	var avail uint64
	switch {
	case flags&AllocMustBorrow != 0:
		avail = n.loanedFreeAvailableLocked()
	case flags&AllocCanBorrow != 0 && n.borrow.BorrowingEnabled():
		avail = n.freeRegular.Len() + n.loanedFreeAvailableLocked()
	default:
		avail = n.freeRegular.Len()
	}
	if count > avail {
		n.mu.Unlock()
		return ErrNoMemory
	}

	n.decrementFreeCountLocked(count)

	if flags&AllocCanWait != 0 && n.inOomStateLocked() {
		n.incrementFreeCountLocked(count)
		n.mu.Unlock()
		n.drainMemAvailCallbacks()
		return ErrShouldWait
	}

	for i := uint64(0); i < count; i++ {
		var p *page.Page
		if flags&AllocMustBorrow != 0 {
			p = n.popLoanedLocked()
		} else {
			p = n.freeRegular.PopHead()
			if p == nil {
				p = n.popLoanedLocked()
			}
		}
		n.allocPageHelperLocked(p)
		out.PushTail(p)
	}
	n.mu.Unlock()
	n.drainMemAvailCallbacks()
	return nil
}

// AllocRange allocates the exact physical run [address, address+count
// pages), appending the pages to out. On any gap the pages already taken
// are put back and ErrNotFound is returned.
func (n *Node) AllocRange(address page.Paddr, count uint64, out *page.List) error {
	if count == 0 {
		return nil
	}
	address = page.Paddr(uint64(address) / PageSize * PageSize)

	n.mu.Lock()
	var taken page.List
	allocated := uint64(0)
	for _, a := range n.arenas {
		for allocated < count && a.ContainsAddress(address) {
			p := a.FindSpecific(address)
			if p == nil || !p.IsFree() || p.IsLoaned() {
				break
			}
			p.Detach()
			n.allocPageHelperLocked(p)
			taken.PushTail(p)
			allocated++
			address += PageSize
			n.decrementFreeCountLocked(1)
		}
		if allocated == count {
			break
		}
	}

	if allocated != count {
		n.freeListLocked(&taken)
		n.mu.Unlock()
		n.drainMemAvailCallbacks()
		return ErrNotFound
	}

	out.SpliceTail(&taken)
	n.mu.Unlock()
	n.drainMemAvailCallbacks()
	return nil
}

// AllocContiguous finds count physically consecutive free pages aligned
// to 1<<alignmentLog2, walking arenas in priority order. Returns the base
// address of the run and appends the pages to out.
func (n *Node) AllocContiguous(count uint64, alignmentLog2 uint8, out *page.List) (page.Paddr, error) {
	if count == 0 {
		return 0, ErrInvalidArgs
	}
	if alignmentLog2 < PageShift {
		alignmentLog2 = PageShift
	}

	n.mu.Lock()
	for _, a := range n.arenas {
		p := a.FindFreeContiguous(count, alignmentLog2)
		if p == nil {
			continue
		}
		pa := p.Paddr()
		index := (uint64(pa) - uint64(a.Base())) / PageSize
		for i := uint64(0); i < count; i++ {
			run := a.GetPage(index + i)
			run.Detach()
			n.allocPageHelperLocked(run)
			n.decrementFreeCountLocked(1)
			out.PushTail(run)
		}
		n.mu.Unlock()
		n.drainMemAvailCallbacks()
		return pa, nil
	}
	n.mu.Unlock()
	return 0, ErrNotFound
}

func (n *Node) freePageHelperLocked(p *page.Page) {
	if p.State() == page.StateObject && p.PinCount() > 0 {
		panic("freeing pinned page")
	}
	p.ClearStackOwner()
	if n.freeFill {
		freeFillPage(p)
	}
	p.SetState(page.StateFree)
}

func (n *Node) freeListLocked(list *page.List) {
	count := list.Len()
	for p := list.PopTail(); p != nil; p = list.PopTail() {
		n.freePageHelperLocked(p)
		if p.IsLoaned() {
			n.freeLoaned.PushHead(p)
		} else {
			n.freeRegular.PushHead(p)
		}
	}
	n.incrementFreeCountLocked(count)
}

// FreePage returns a single page to the free list it belongs on.
func (n *Node) FreePage(p *page.Page) {
	n.mu.Lock()
	if p.InList() {
		panic("freeing page still on a list")
	}
	n.freePageHelperLocked(p)
	if p.IsLoaned() {
		n.freeLoaned.PushHead(p)
	} else {
		n.freeRegular.PushHead(p)
	}
	n.incrementFreeCountLocked(1)
	n.mu.Unlock()
	n.drainMemAvailCallbacks()
}

// FreeList returns every page on list to the free lists.
func (n *Node) FreeList(list *page.List) {
	n.mu.Lock()
	n.freeListLocked(list)
	n.mu.Unlock()
	n.drainMemAvailCallbacks()
}

// CountFreePages returns the total number of free pages, loaned included.
func (n *Node) CountFreePages() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.freeCount
}

// CountTotalBytes returns the cumulative size of all arenas.
func (n *Node) CountTotalBytes() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.arenaCumulativeSize
}

// CountLoanedFreePages returns the number of loaned pages that are free
// and whose loan has not been cancelled.
func (n *Node) CountLoanedFreePages() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loanedFreeAvailableLocked()
}

// CountLoanedPages returns the number of pages currently flagged loaned.
func (n *Node) CountLoanedPages() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loanedTotal
}

// CountLoanedUsedPages returns the number of loaned pages currently in use.
func (n *Node) CountLoanedUsedPages() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loanedTotal - n.freeLoaned.Len()
}

// CountLoanCancelledPages returns the number of loaned pages whose loan
// has been cancelled.
func (n *Node) CountLoanCancelledPages() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := uint64(0)
	n.freeLoaned.ForEach(func(p *page.Page) bool {
		if p.IsLoanCancelled() {
			count++
		}
		return true
	})
	return count
}

func (n *Node) loanedFreeAvailableLocked() uint64 {
	count := uint64(0)
	n.freeLoaned.ForEach(func(p *page.Page) bool {
		if !p.IsLoanCancelled() {
			count++
		}
		return true
	})
	return count
}

// WaitTillShouldRetrySingleAlloc blocks a CAN_WAIT caller until the
// memory-availability level leaves the OOM state or the timeout expires.
func (n *Node) WaitTillShouldRetrySingleAlloc(timeout time.Duration) error {
	if !n.freePagesEvt.WaitTimeout(timeout) {
		return ErrTimedOut
	}
	return nil
}

// Dump logs the node's free count and every arena's state breakdown.
func (n *Node) Dump() {
	n.mu.Lock()
	arenas := append([]*Arena(nil), n.arenas...)
	freeCount := n.freeCount
	total := n.arenaCumulativeSize
	n.mu.Unlock()

	log.Infof("pmm node: free_count %d (%d bytes), total size %d", freeCount, freeCount*PageSize, total)
	for _, a := range arenas {
		a.Dump(false)
	}
}

// DumpFree logs the free page count. Safe to call from a ticker.
func (n *Node) DumpFree() {
	log.Infof("%d free MBs", n.CountFreePages()*PageSize/(1<<20))
}

func freeFillPage(p *page.Page) {
	buf := p.Payload()
	for i := range buf {
		buf[i] = freeFillByte
	}
}

func checkFreeFillPage(p *page.Page) {
	buf := p.Payload()
	for i := range buf {
		if buf[i] != freeFillByte {
			log.Errorf("free-fill violation on page %s at byte %d", p.Paddr(), i)
			panic("allocated page failed free-fill check")
		}
	}
}
