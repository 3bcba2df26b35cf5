package page

import "time"

// EvictionHintAction tells a page owner what to do with always-need
// hints when asked to evict.
type EvictionHintAction int

const (
	// HintFollow preserves hinted pages even under memory pressure.
	HintFollow EvictionHintAction = iota
	// HintIgnore evicts hinted pages like any other.
	HintIgnore
)

// CowPages is the capability implemented by any component that places
// pages into the OBJECT role. The memory manager holds only a weak
// backlink to the owner; the owner guarantees its own liveness for the
// duration of the callbacks.
type CowPages interface {
	// EvictPage removes the page at offset from the owner's page list and
	// transfers ownership back to the caller. The owner must remove the
	// page from the reclamation queues. Returns false when the page
	// cannot be evicted (pinned, wrong owner, hint forbids).
	EvictPage(p *Page, offset uint64, hint EvictionHintAction) bool

	// ReplacePage atomically replaces the page at offset with a newly
	// allocated one, loaned when withLoaned is set. Returns the
	// allocator's not-found error when the page is no longer owned or no
	// longer replaceable, and its no-memory error when the allocator ran
	// dry.
	ReplacePage(p *Page, offset uint64, withLoaned bool) error
}

// DiscardableReclaimer frees pages from owners that volunteered their
// content under memory pressure.
type DiscardableReclaimer interface {
	// ReclaimPagesFromDiscardable frees up to target pages from
	// discardable owners idle for at least minAge, appending the freed
	// pages to out. Returns the number of pages reclaimed.
	ReclaimPagesFromDiscardable(target uint64, minAge time.Duration, out *List) uint64
}
