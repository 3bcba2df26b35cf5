// Package reclaim implements the two cooperating reclamation engines:
// the evictor, which frees clean reclaimable pages by asking their
// owners to drop them, and the loan sweeper, which replaces non-loaned
// used pages with loaned frames.
package reclaim

import (
	"math"
	"sync"
	"time"

	"github.com/cherts/physmem/internal/log"
	"github.com/cherts/physmem/internal/page"
	"github.com/cherts/physmem/internal/pmm"
	"github.com/cherts/physmem/internal/queues"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EvictionLevel biases which reclaim buckets the evictor may touch.
type EvictionLevel int

const (
	// OnlyOldest restricts eviction to the oldest reclaim bucket.
	OnlyOldest EvictionLevel = iota
	// IncludeNewest lets eviction reach all but the newest bucket.
	IncludeNewest
)

// IntervalInfinite parks the continuous eviction timer.
const IntervalInfinite = time.Duration(math.MaxInt64)

const defaultMinDiscardableAge = 10 * time.Second

// EvictionTarget describes how much memory an eviction pass must free.
type EvictionTarget struct {
	Pending         bool
	MinPagesToFree  uint64
	FreePagesTarget uint64
	Level           EvictionLevel
	PrintCounts     bool
}

// Combine folds another target into this one: pending and print OR,
// level and free target max, min pages sum.
func (t *EvictionTarget) Combine(other EvictionTarget) {
	t.Pending = t.Pending || other.Pending
	if other.Level > t.Level {
		t.Level = other.Level
	}
	t.MinPagesToFree += other.MinPagesToFree
	if other.FreePagesTarget > t.FreePagesTarget {
		t.FreePagesTarget = other.FreePagesTarget
	}
	t.PrintCounts = t.PrintCounts || other.PrintCounts
}

// EvictedPageCounts breaks freed pages down by source.
type EvictedPageCounts struct {
	PagerBacked uint64
	Discardable uint64
}

// Total returns the combined count.
func (c EvictedPageCounts) Total() uint64 {
	return c.PagerBacked + c.Discardable
}

var (
	pagerBackedEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm",
		Subsystem: "reclamation",
		Name:      "pages_evicted_pager_backed_total",
		Help:      "vm.reclamation.pages_evicted_pager_backed: pager-backed pages evicted.",
	})
	discardableEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm",
		Subsystem: "reclamation",
		Name:      "pages_evicted_discardable_total",
		Help:      "vm.reclamation.pages_evicted_discardable: pages evicted from discardable owners.",
	})
)

// Evictor translates free-memory targets into concrete reclamation
// calls on page owners. It supports one-shot targets, combinable under
// EvictionTarget.Combine, and a continuous target serviced on a timer
// by a dedicated goroutine.
type Evictor struct {
	node       *pmm.Node
	pageQueues *queues.PageQueues

	// mu guards the target state only; no call into the node or a page
	// owner happens with it held.
	mu                 sync.Mutex
	enabled            bool
	oneShotTarget      EvictionTarget
	continuousTarget   EvictionTarget
	discardablePct     uint32
	minDiscardableAge  time.Duration
	defaultInterval    time.Duration
	nextInterval       time.Duration
	discardableOwner   page.DiscardableReclaimer
	workerStarted      bool

	// evictionMu serializes eviction passes so concurrent callers cannot
	// overshoot the free-pages target.
	evictionMu sync.Mutex

	signal  chan struct{}
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewEvictor returns a disabled evictor bound to the node and queues.
func NewEvictor(node *pmm.Node, q *queues.PageQueues) *Evictor {
	return &Evictor{
		node:              node,
		pageQueues:        q,
		minDiscardableAge: defaultMinDiscardableAge,
		defaultInterval:   10 * time.Second,
		nextInterval:      IntervalInfinite,
		signal:            make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
}

// SetDiscardableReclaimer installs the registry of discardable owners.
func (e *Evictor) SetDiscardableReclaimer(r page.DiscardableReclaimer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discardableOwner = r
}

// IsEvictionEnabled reports whether eviction has been switched on.
func (e *Evictor) IsEvictionEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// EnableEviction switches eviction on and starts the worker goroutine
// that services asynchronous one-shot and continuous requests.
func (e *Evictor) EnableEviction() {
	e.mu.Lock()
	e.enabled = true
	if e.workerStarted {
		e.mu.Unlock()
		return
	}
	e.workerStarted = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.evictionLoop()
	}()
}

// Close stops the worker goroutine and waits for it to exit.
func (e *Evictor) Close() {
	e.stopped.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// SetDiscardableEvictionsPercent sets what share of each eviction pass
// is taken from discardable owners. Values above 100 are ignored.
func (e *Evictor) SetDiscardableEvictionsPercent(pct uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pct <= 100 {
		e.discardablePct = pct
	}
}

// DebugSetMinDiscardableAge overrides the minimum idle age for
// discardable reclamation. Test-only.
func (e *Evictor) DebugSetMinDiscardableAge(age time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minDiscardableAge = age
}

// SetContinuousEvictionInterval sets the period of continuous eviction.
func (e *Evictor) SetContinuousEvictionInterval(interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultInterval = interval
}

// DebugGetOneShotEvictionTarget returns the pending one-shot target.
func (e *Evictor) DebugGetOneShotEvictionTarget() EvictionTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oneShotTarget
}

// SetOneShotEvictionTarget replaces the one-shot target.
func (e *Evictor) SetOneShotEvictionTarget(target EvictionTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oneShotTarget = target
}

// CombineOneShotEvictionTarget folds a target into the pending one.
func (e *Evictor) CombineOneShotEvictionTarget(target EvictionTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oneShotTarget.Combine(target)
}

// EvictOneShotFromPreloadedTarget executes and clears the pending
// one-shot target. A no-op when none is pending.
func (e *Evictor) EvictOneShotFromPreloadedTarget() EvictedPageCounts {
	var counts EvictedPageCounts

	e.mu.Lock()
	target := e.oneShotTarget
	e.oneShotTarget = EvictionTarget{}
	e.mu.Unlock()

	if !target.Pending {
		return counts
	}

	freeBefore := e.node.CountFreePages()
	counts = e.EvictUntilTargetsMet(target.MinPagesToFree, target.FreePagesTarget, target.Level)

	if target.PrintCounts && counts.Total() > 0 {
		e.logEvicted(freeBefore, counts)
	}
	return counts
}

// EvictOneShotSynchronous evicts right now until minBytes have been freed
// or no eligible page is left, and returns the number of pages freed.
func (e *Evictor) EvictOneShotSynchronous(minBytes uint64, level EvictionLevel) uint64 {
	if !e.IsEvictionEnabled() {
		return 0
	}
	e.SetOneShotEvictionTarget(EvictionTarget{
		Pending:        true,
		MinPagesToFree: minBytes / pmm.PageSize,
		Level:          level,
	})
	return e.EvictOneShotFromPreloadedTarget().Total()
}

// EvictOneShotAsynchronous queues a one-shot target, combining it with
// any pending one, and wakes the worker.
func (e *Evictor) EvictOneShotAsynchronous(minBytes, freeBytesTarget uint64, level EvictionLevel) {
	if !e.IsEvictionEnabled() {
		return
	}
	e.CombineOneShotEvictionTarget(EvictionTarget{
		Pending:         true,
		MinPagesToFree:  minBytes / pmm.PageSize,
		FreePagesTarget: freeBytesTarget / pmm.PageSize,
		Level:           level,
	})
	e.wake()
}

// EnableContinuousEviction accumulates minBytes into the continuous
// target and programs the eviction timer.
func (e *Evictor) EnableContinuousEviction(minBytes, freeBytesTarget uint64, level EvictionLevel) {
	e.mu.Lock()
	e.continuousTarget.MinPagesToFree += minBytes / pmm.PageSize
	e.continuousTarget.FreePagesTarget = freeBytesTarget / pmm.PageSize
	e.continuousTarget.Level = level
	e.nextInterval = e.defaultInterval
	e.mu.Unlock()
	e.wake()
}

// DisableContinuousEviction zeroes the continuous target and parks the
// worker until the next explicit request.
func (e *Evictor) DisableContinuousEviction() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.continuousTarget = EvictionTarget{}
	e.nextInterval = IntervalInfinite
}

// DebugGetContinuousEvictionTarget returns the continuous target.
func (e *Evictor) DebugGetContinuousEvictionTarget() EvictionTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.continuousTarget
}

// EvictUntilTargetsMet frees pages until at least minPages have been
// evicted and the node's free count reaches freePagesTarget. Passes are
// serialized; gives up once a round frees nothing.
func (e *Evictor) EvictUntilTargetsMet(minPages, freePagesTarget uint64, level EvictionLevel) EvictedPageCounts {
	var counts EvictedPageCounts
	if !e.IsEvictionEnabled() {
		return counts
	}

	e.evictionMu.Lock()
	defer e.evictionMu.Unlock()

	totalFreed := uint64(0)
	for {
		free := e.node.CountFreePages()
		var toFree uint64
		if totalFreed < minPages {
			toFree = minPages - totalFreed
		} else if free < freePagesTarget {
			toFree = freePagesTarget - free
		} else {
			break
		}

		e.mu.Lock()
		toFreeDiscardable := toFree * uint64(e.discardablePct) / 100
		e.mu.Unlock()

		freed := e.evictDiscardable(toFreeDiscardable)
		counts.Discardable += freed
		totalFreed += freed

		if freed < toFree {
			freedPager := e.evictPagerBacked(toFree-freed, level)
			counts.PagerBacked += freedPager
			totalFreed += freedPager
			freed += freedPager
		}

		// A round that freed nothing means there is nothing left to take.
		if freed == 0 {
			break
		}
	}
	return counts
}

// evictDiscardable frees up to targetPages from discardable owners.
func (e *Evictor) evictDiscardable(targetPages uint64) uint64 {
	if targetPages == 0 {
		return 0
	}
	e.mu.Lock()
	owner := e.discardableOwner
	minAge := e.minDiscardableAge
	e.mu.Unlock()
	if owner == nil {
		return 0
	}

	var freed page.List
	count := owner.ReclaimPagesFromDiscardable(targetPages, minAge, &freed)
	e.node.FreeList(&freed)
	discardableEvicted.Add(float64(count))
	return count
}

// evictPagerBacked frees up to targetPages clean pager-backed pages in
// least-recently-used order, honoring always-need hints.
func (e *Evictor) evictPagerBacked(targetPages uint64, level EvictionLevel) uint64 {
	lowestBucket := queues.NumReclaim - 1
	if level == IncludeNewest {
		// Leave the newest bucket alone to avoid thrashing.
		lowestBucket = 1
	}

	interval := page.NewStackOwnershipInterval()
	defer interval.Close()

	var freed page.List
	count := uint64(0)
	var lastRefused *page.Page
	for count < targetPages {
		backlink := e.pageQueues.PeekReclaim(lowestBucket)
		if backlink == nil {
			break
		}
		if backlink.Cow == nil {
			log.Warnf("reclaim candidate %s has no owner, stopping pass", backlink.Page.Paddr())
			break
		}
		if backlink.Page == lastRefused {
			// The queue tail refuses to move; stop instead of spinning.
			break
		}

		backlink.Page.SetStackOwner(interval)
		if backlink.Cow.EvictPage(backlink.Page, backlink.Offset, page.HintFollow) {
			freed.PushTail(backlink.Page)
			count++
		} else {
			backlink.Page.ClearStackOwner()
			lastRefused = backlink.Page
		}
	}

	e.node.FreeList(&freed)
	pagerBackedEvicted.Add(float64(count))
	return count
}

func (e *Evictor) logEvicted(freeBefore uint64, counts EvictedPageCounts) {
	log.Infof("eviction: free memory %dMB -> %dMB",
		freeBefore*pmm.PageSize/(1<<20), e.node.CountFreePages()*pmm.PageSize/(1<<20))
	if counts.PagerBacked > 0 {
		log.Infof("eviction: evicted %d pager-backed pages", counts.PagerBacked)
	}
	if counts.Discardable > 0 {
		log.Infof("eviction: evicted %d discardable pages", counts.Discardable)
	}
}

// evictionLoop services one-shot and continuous targets until Close.
func (e *Evictor) evictionLoop() {
	for {
		e.mu.Lock()
		wait := e.nextInterval
		e.mu.Unlock()

		if wait == IntervalInfinite {
			select {
			case <-e.stop:
				return
			case <-e.signal:
			}
		} else {
			t := time.NewTimer(wait)
			select {
			case <-e.stop:
				t.Stop()
				return
			case <-e.signal:
				t.Stop()
			case <-t.C:
			}
		}

		// A pending one-shot target wins the round; continuous eviction
		// picks up on the next tick.
		evicted := e.EvictOneShotFromPreloadedTarget()
		if evicted.Total() > 0 {
			continue
		}

		e.mu.Lock()
		target := e.continuousTarget
		e.mu.Unlock()

		freeBefore := e.node.CountFreePages()
		evicted = e.EvictUntilTargetsMet(target.MinPagesToFree, target.FreePagesTarget, target.Level)
		total := evicted.Total()
		if total == 0 {
			continue
		}

		if target.PrintCounts {
			e.logEvicted(freeBefore, evicted)
		}

		e.mu.Lock()
		if total < e.continuousTarget.MinPagesToFree {
			e.continuousTarget.MinPagesToFree -= total
		} else {
			e.continuousTarget.MinPagesToFree = 0
		}
		e.mu.Unlock()
	}
}

// wake nudges the worker without blocking; a wake already pending is enough.
func (e *Evictor) wake() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}
