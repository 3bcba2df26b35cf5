// Package page defines the per-frame page record shared by the physical
// memory manager, the reclamation queues and the reclamation engines.
package page

import (
	"fmt"
	"sync/atomic"
)

const (
	// Size is the size of one physical page in bytes.
	Size = 4096
	// Shift is log2(Size).
	Shift = 12
)

// Paddr is a physical address.
type Paddr uint64

// String implements fmt.Stringer.
func (p Paddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// State is the role tag of a page, held in an atomic word. TryTransition
// changes it with compare-and-swap; the allocator and arena init rewrite it
// with SetState, a plain atomic store, while they own the page exclusively
// (under the node lock, or before the page is published).
type State uint32

// Page role tags.
const (
	StateFree State = iota
	StateAlloc
	StateObject
	StateWired
	StateHeap
	StateIPC
	StateCache
	StateSlab
	StateMMU
	stateCount
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAlloc:
		return "alloc"
	case StateObject:
		return "object"
	case StateWired:
		return "wired"
	case StateHeap:
		return "heap"
	case StateIPC:
		return "ipc"
	case StateCache:
		return "cache"
	case StateSlab:
		return "slab"
	case StateMMU:
		return "mmu"
	default:
		return "unknown"
	}
}

// StateCount is the number of distinct page role tags.
const StateCount = int(stateCount)

// Page is the record of one physical frame. A page is on at most one
// intrusive list at a time: a free sublist, a reclamation sublist, or a
// caller-owned allocation list.
type Page struct {
	paddr Paddr

	state         atomic.Uint32
	pinCount      atomic.Uint32
	loaned        atomic.Bool
	loanCancelled atomic.Bool

	// Reclamation queue tag, maintained by the page queues. The
	// authoritative queue membership is the list the page actually
	// occupies; the tag is a cheap approximation.
	queueTag atomic.Uint32

	// Stack owner set while a thread moves the page from a queue to FREE.
	stackOwner atomic.Pointer[StackOwnershipInterval]

	// Backlink to the owning CowPages while state == StateObject.
	// Guarded by the page queues lock.
	owner       CowPages
	ownerOffset uint64

	// Intrusive list linkage. Guarded by the lock of whoever owns the
	// list the page is on.
	prev, next *Page
	list       *List

	// Payload backing the frame's content, allocated on first use. Only
	// the free-fill debug mode and loan replacement ever touch it.
	payload []byte
}

// Init sets the page's physical address. Called once at arena init.
func (p *Page) Init(pa Paddr) {
	p.paddr = pa
}

// Paddr returns the page's physical address. Immutable after arena init.
func (p *Page) Paddr() Paddr {
	return p.paddr
}

// State returns the page's current role tag.
func (p *Page) State() State {
	return State(p.state.Load())
}

// SetState unconditionally rewrites the role tag. Reserved for callers
// that already own the page exclusively (arena init, the allocator under
// its lock).
func (p *Page) SetState(s State) {
	p.state.Store(uint32(s))
}

// TryTransition atomically moves the role tag from one state to another.
// Returns false when the page was not in the expected state.
func (p *Page) TryTransition(from, to State) bool {
	return p.state.CompareAndSwap(uint32(from), uint32(to))
}

// IsFree reports whether the page is in the FREE role.
func (p *Page) IsFree() bool {
	return p.State() == StateFree
}

// Pin increments the pin count. The caller must have the page in the
// wired queue before relying on the pin.
func (p *Page) Pin() {
	p.pinCount.Add(1)
}

// Unpin decrements the pin count.
func (p *Page) Unpin() {
	for {
		old := p.pinCount.Load()
		if old == 0 {
			panic("unpin of page with zero pin count")
		}
		if p.pinCount.CompareAndSwap(old, old-1) {
			return
		}
	}
}

// PinCount returns the current pin count.
func (p *Page) PinCount() uint32 {
	return p.pinCount.Load()
}

// IsLoaned reports whether the page's frame is on loan from a contiguous
// owner.
func (p *Page) IsLoaned() bool {
	return p.loaned.Load()
}

// SetLoaned flags or clears the loaned state.
func (p *Page) SetLoaned(v bool) {
	p.loaned.Store(v)
}

// IsLoanCancelled reports whether the lender cancelled the loan.
func (p *Page) IsLoanCancelled() bool {
	return p.loanCancelled.Load()
}

// SetLoanCancelled flags or clears loan cancellation.
func (p *Page) SetLoanCancelled(v bool) {
	p.loanCancelled.Store(v)
}

// QueueTag returns the reclamation queue tag.
func (p *Page) QueueTag() uint32 {
	return p.queueTag.Load()
}

// SetQueueTag rewrites the reclamation queue tag.
func (p *Page) SetQueueTag(tag uint32) {
	p.queueTag.Store(tag)
}

// SetBacklink installs the owning container backlink. Valid only while
// the caller holds the page queues lock.
func (p *Page) SetBacklink(owner CowPages, offset uint64) {
	p.owner = owner
	p.ownerOffset = offset
}

// Backlink returns the owning container backlink. Valid only while the
// caller holds the page queues lock.
func (p *Page) Backlink() (CowPages, uint64) {
	return p.owner, p.ownerOffset
}

// Payload returns the frame's content buffer, allocating it on first use.
func (p *Page) Payload() []byte {
	if p.payload == nil {
		p.payload = make([]byte, Size)
	}
	return p.payload
}

// InList reports whether the page is currently linked into a list.
func (p *Page) InList() bool {
	return p.list != nil
}
