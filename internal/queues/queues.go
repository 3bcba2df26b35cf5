// Package queues implements the page reclamation classifier: aging
// buckets for reclaim-eligible pages plus the wired, anonymous, dirty,
// don't-need and zero-fork sublists that drive eviction policy.
package queues

import (
	"sync"

	"github.com/cherts/physmem/internal/page"
)

// NumReclaim is the number of aging buckets for reclaim-eligible pages.
// Bucket 0 holds the most recently used pages; pages in the oldest
// bucket are eviction candidates.
const NumReclaim = 8

// Queue tags. The tag mirrors which sublist a page occupies; the list
// itself stays authoritative.
const (
	TagNone uint32 = iota
	// TagReclaimBase..TagReclaimBase+NumReclaim-1 are the aging buckets.
	TagReclaimBase
)

const (
	TagReclaimDontNeed uint32 = TagReclaimBase + NumReclaim + iota
	TagAnonymous
	TagWired
	TagPagerBackedDirty
	TagAnonymousZeroFork
)

// VmoBacklink names the owner of a page peeked out of the reclamation
// queues. The page remains queued; the caller must go through the owner
// to take it.
type VmoBacklink struct {
	Cow    page.CowPages
	Page   *page.Page
	Offset uint64
}

// ActiveInactiveCounts partitions the queued reclaimable pages into the
// recently-used working set and the aged-out remainder.
type ActiveInactiveCounts struct {
	Active   uint64
	Inactive uint64
}

// Counts is a debug snapshot of every sublist length.
type Counts struct {
	Reclaim           [NumReclaim]uint64
	ReclaimDontNeed   uint64
	Anonymous         uint64
	Wired             uint64
	PagerBackedDirty  uint64
	AnonymousZeroFork uint64
}

// PageQueues classifies every non-free, non-alloc page into exactly one
// sublist. It has its own lock; no allocator lock may be held when
// calling into it.
type PageQueues struct {
	mu sync.Mutex

	reclaim  [NumReclaim]page.List
	dontNeed page.List
	// Anonymous pages collapse into a single bucket: only pager-backed
	// pages age through the reclaim buckets here.
	anonymous page.List
	wired     page.List
	dirty     page.List
	zeroFork  page.List
}

// New returns an empty classifier.
func New() *PageQueues {
	return &PageQueues{}
}

func (q *PageQueues) setLocked(p *page.Page, owner page.CowPages, offset uint64, list *page.List, tag uint32) {
	if p.InList() {
		panic("page already queued")
	}
	p.SetBacklink(owner, offset)
	p.SetQueueTag(tag)
	list.PushHead(p)
}

// SetWired files a pinned or kernel-owned page under the wired queue.
func (q *PageQueues) SetWired(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setLocked(p, nil, 0, &q.wired, TagWired)
}

// SetAnonymous files a non-pager-backed page.
func (q *PageQueues) SetAnonymous(p *page.Page, owner page.CowPages, offset uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setLocked(p, owner, offset, &q.anonymous, TagAnonymous)
}

// SetPagerBacked files a clean pager-backed page into the newest
// reclaim bucket.
func (q *PageQueues) SetPagerBacked(p *page.Page, owner page.CowPages, offset uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setLocked(p, owner, offset, &q.reclaim[0], TagReclaimBase)
}

// SetPagerBackedDirty files a pager-backed page that needs writeback
// before it could be evicted.
func (q *PageQueues) SetPagerBackedDirty(p *page.Page, owner page.CowPages, offset uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setLocked(p, owner, offset, &q.dirty, TagPagerBackedDirty)
}

// SetAnonymousZeroFork files a page forked from the shared zero page.
func (q *PageQueues) SetAnonymousZeroFork(p *page.Page, owner page.CowPages, offset uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setLocked(p, owner, offset, &q.zeroFork, TagAnonymousZeroFork)
}

func (q *PageQueues) moveLocked(p *page.Page, list *page.List, tag uint32) {
	if !p.InList() {
		panic("page not queued")
	}
	p.Detach()
	p.SetQueueTag(tag)
	list.PushHead(p)
}

// MoveToWired reclassifies a queued page as wired. Permitted from any queue.
func (q *PageQueues) MoveToWired(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveLocked(p, &q.wired, TagWired)
}

// MoveToAnonymous reclassifies a queued page as anonymous.
func (q *PageQueues) MoveToAnonymous(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveLocked(p, &q.anonymous, TagAnonymous)
}

// MoveToPagerBacked reclassifies a queued page into the newest reclaim bucket.
func (q *PageQueues) MoveToPagerBacked(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveLocked(p, &q.reclaim[0], TagReclaimBase)
}

// MoveToPagerBackedDirty reclassifies a queued page as dirty.
func (q *PageQueues) MoveToPagerBackedDirty(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveLocked(p, &q.dirty, TagPagerBackedDirty)
}

// MoveToPagerBackedDontNeed files a queued page under the don't-need
// hint queue, first in eviction order. Allowed at any time.
func (q *PageQueues) MoveToPagerBackedDontNeed(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveLocked(p, &q.dontNeed, TagReclaimDontNeed)
}

// MoveToAnonymousZeroFork reclassifies a queued page as a zero fork.
func (q *PageQueues) MoveToAnonymousZeroFork(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveLocked(p, &q.zeroFork, TagAnonymousZeroFork)
}

// Remove unlinks a page from whichever sublist it occupies and clears
// its backlink. The caller decides the page's next state, usually FREE.
func (q *PageQueues) Remove(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !p.InList() {
		panic("page not queued")
	}
	p.Detach()
	p.SetBacklink(nil, 0)
	p.SetQueueTag(TagNone)
}

// MarkAccessed records that the hardware accessed bit fired for the
// page: reclaim-eligible pages return to the newest bucket. Wired and
// dirty pages are not moved.
func (q *PageQueues) MarkAccessed(p *page.Page) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.OnList(&q.dontNeed) {
		q.moveLocked(p, &q.reclaim[0], TagReclaimBase)
		return
	}
	for k := 0; k < NumReclaim; k++ {
		if p.OnList(&q.reclaim[k]) {
			if k != 0 {
				q.moveLocked(p, &q.reclaim[0], TagReclaimBase)
			}
			return
		}
	}
}

// RotateReclaimQueues advances every reclaim bucket one step toward the
// oldest. Pages already in the oldest bucket stay there as eviction
// candidates; the don't-need queue does not rotate. Queue tags are
// rewritten during the splice, which doubles as the lazy aging pass.
func (q *PageQueues) RotateReclaimQueues() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := NumReclaim - 2; k >= 0; k-- {
		tag := TagReclaimBase + uint32(k) + 1
		q.reclaim[k].ForEach(func(p *page.Page) bool {
			p.SetQueueTag(tag)
			return true
		})
		q.reclaim[k+1].SpliceHead(&q.reclaim[k])
	}
}

// PeekReclaim returns the oldest eviction candidate at or above the
// given bucket, preferring the don't-need queue. The page stays queued;
// the caller must evict through the returned owner. Returns nil when no
// candidate exists.
func (q *PageQueues) PeekReclaim(lowestBucket int) *VmoBacklink {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p := q.dontNeed.PeekTail(); p != nil {
		owner, offset := p.Backlink()
		return &VmoBacklink{Cow: owner, Page: p, Offset: offset}
	}
	if lowestBucket < 0 {
		lowestBucket = 0
	}
	for k := NumReclaim - 1; k >= lowestBucket; k-- {
		if p := q.reclaim[k].PeekTail(); p != nil {
			owner, offset := p.Backlink()
			return &VmoBacklink{Cow: owner, Page: p, Offset: offset}
		}
	}
	return nil
}

// GetCowWithReplaceablePage returns the owner of a page the loan sweeper
// may replace: an unpinned OBJECT page on a reclaimable, anonymous or
// zero-fork queue. Returns nil when the page has since become free,
// wired, dirty or pinned.
func (q *PageQueues) GetCowWithReplaceablePage(p *page.Page) *VmoBacklink {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p.State() != page.StateObject || p.PinCount() > 0 {
		return nil
	}
	replaceable := p.OnList(&q.dontNeed) || p.OnList(&q.anonymous) || p.OnList(&q.zeroFork)
	for k := 0; !replaceable && k < NumReclaim; k++ {
		replaceable = p.OnList(&q.reclaim[k])
	}
	if !replaceable {
		return nil
	}
	owner, offset := p.Backlink()
	if owner == nil {
		return nil
	}
	return &VmoBacklink{Cow: owner, Page: p, Offset: offset}
}

// ActiveInactiveCounts returns the working-set split: the two newest
// reclaim buckets plus wired count as active, older buckets and the
// don't-need queue as inactive.
func (q *PageQueues) ActiveInactiveCounts() ActiveInactiveCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := ActiveInactiveCounts{
		Active: q.reclaim[0].Len() + q.reclaim[1].Len() + q.wired.Len(),
	}
	for k := 2; k < NumReclaim; k++ {
		c.Inactive += q.reclaim[k].Len()
	}
	c.Inactive += q.dontNeed.Len()
	return c
}

// DebugCounts returns the length of every sublist.
func (q *PageQueues) DebugCounts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for k := 0; k < NumReclaim; k++ {
		c.Reclaim[k] = q.reclaim[k].Len()
	}
	c.ReclaimDontNeed = q.dontNeed.Len()
	c.Anonymous = q.anonymous.Len()
	c.Wired = q.wired.Len()
	c.PagerBackedDirty = q.dirty.Len()
	c.AnonymousZeroFork = q.zeroFork.Len()
	return c
}

// ReclaimDontNeedCount returns the number of pages hinted not needed soon.
func (q *PageQueues) ReclaimDontNeedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dontNeed.Len()
}
