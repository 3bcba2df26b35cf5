package reclaim

import (
	"errors"
	"sync"
	"time"

	"github.com/cherts/physmem/internal/log"
	"github.com/cherts/physmem/internal/page"
	"github.com/cherts/physmem/internal/pmm"
	"github.com/cherts/physmem/internal/queues"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxPageChaseIterations bounds how often a sweep chases a page that
// keeps moving between owners before giving up on it.
const maxPageChaseIterations = 3

var (
	sweepCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm",
		Subsystem: "reclamation",
		Name:      "sweep_count_total",
		Help:      "vm.reclamation.sweep_count: loan sweeps started.",
	})
	sweepLooped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm",
		Subsystem: "reclamation",
		Name:      "sweep_looped_total",
		Help:      "vm.reclamation.sweep_looped: sweeps that wrapped the whole physical range.",
	})
	sweepPagesExamined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm",
		Subsystem: "reclamation",
		Name:      "sweep_pages_examined_total",
		Help:      "vm.reclamation.sweep_pages_examined: pages looked at by loan sweeps.",
	})
	sweepPagesSweptToLoaned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm",
		Subsystem: "reclamation",
		Name:      "sweep_pages_swept_to_loaned_total",
		Help:      "vm.reclamation.sweep_pages_swept_to_loaned: pages replaced with loaned frames.",
	})
	sweepPageChaseRetried = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm",
		Subsystem: "reclamation",
		Name:      "sweep_page_chase_retried_total",
		Help:      "vm.reclamation.sweep_page_chase_retried: retries of a page chase after the page moved.",
	})
	sweepPageChaseGaveUp = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm",
		Subsystem: "reclamation",
		Name:      "sweep_page_chase_gave_up_total",
		Help:      "vm.reclamation.sweep_page_chase_gave_up: pages abandoned after the chase limit.",
	})
)

// LoanSweeper walks physical memory in address order replacing
// non-loaned used pages with loaned frames while any are free, or, when
// borrowing is disabled, migrating content off loaned frames so they can
// be reclaimed by their lenders. Sweeps resume from where the previous
// one stopped.
type LoanSweeper struct {
	node       *pmm.Node
	pageQueues *queues.PageQueues
	config     *pmm.BorrowingConfig

	// mu serializes sweeps and guards the cursor.
	mu             sync.Mutex
	arenas         []pmm.ArenaInfo
	minPaddr       page.Paddr
	nextStartPaddr page.Paddr

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewLoanSweeper returns a sweeper bound to the node's arenas and
// borrowing configuration. Init must run before the first sweep.
func NewLoanSweeper(node *pmm.Node, q *queues.PageQueues) *LoanSweeper {
	return &LoanSweeper{
		node:       node,
		pageQueues: q,
		config:     node.Borrowing(),
		stop:       make(chan struct{}),
	}
}

// Init snapshots the arena layout. Arenas must already be registered and
// must not overlap.
func (s *LoanSweeper) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.arenas = s.node.ArenaInfos()
	if len(s.arenas) == 0 {
		return errors.New("no arenas registered")
	}

	s.minPaddr = s.arenas[0].Base
	for _, a := range s.arenas {
		if a.Base < s.minPaddr {
			s.minPaddr = a.Base
		}
	}
	s.nextStartPaddr = s.minPaddr
	return nil
}

// Start launches periodic sweeping at the given interval. Close stops it.
func (s *LoanSweeper) Start(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				swept := s.ForceSynchronousSweep()
				if swept > 0 {
					log.Debugf("loan sweep replaced %d pages", swept)
				}
			}
		}
	}()
}

// Close stops the periodic sweeper and waits for it to exit.
func (s *LoanSweeper) Close() {
	s.stopped.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// arenaFor returns the descriptor covering pa, or nil.
func (s *LoanSweeper) arenaFor(pa page.Paddr) *pmm.ArenaInfo {
	for i := range s.arenas {
		a := &s.arenas[i]
		if uint64(pa) >= uint64(a.Base) && uint64(pa) < uint64(a.Base)+a.Size {
			return a
		}
	}
	return nil
}

// nextIter advances the cursor one page, hopping to the next arena in
// address order and wrapping to the lowest arena at the end.
func (s *LoanSweeper) nextIter(iter page.Paddr, cached **pmm.ArenaInfo) page.Paddr {
	iter += pmm.PageSize
	if c := *cached; c != nil && uint64(iter) < uint64(c.Base)+c.Size {
		return iter
	}
	var next, min *pmm.ArenaInfo
	for i := range s.arenas {
		a := &s.arenas[i]
		if a.Base >= iter && (next == nil || a.Base < next.Base) {
			next = a
		}
		if min == nil || a.Base < min.Base {
			min = a
		}
	}
	if next == nil {
		next = min
	}
	*cached = next
	return next.Base
}

// ForceSynchronousSweep runs one full sweep and returns the number of
// pages replaced: onto loaned frames when borrowing is enabled, off loaned
// frames onto regular ones when it is disabled.
func (s *LoanSweeper) ForceSynchronousSweep() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.arenas) == 0 {
		return 0
	}

	sweepCount.Inc()
	borrowing := s.config.BorrowingEnabled()

	cached := s.arenaFor(s.nextStartPaddr)
	start := s.nextStartPaddr
	replaced := uint64(0)

	iter := start
	first := true
	for ; iter != start || first; iter = s.nextIter(iter, &cached) {
		// Stop early once there is nothing left to hand out or take back.
		if borrowing {
			if s.node.CountLoanedFreePages() == 0 {
				break
			}
		} else {
			if s.node.CountLoanedUsedPages() == 0 {
				break
			}
		}
		first = false

		p := s.node.PaddrToPage(iter)
		if p == nil {
			continue
		}
		sweepPagesExamined.Inc()

		ok, stop := s.sweepPage(p, borrowing)
		if ok {
			replaced++
			if borrowing {
				sweepPagesSweptToLoaned.Inc()
			}
		}
		if stop {
			iter = s.nextIter(iter, &cached)
			break
		}
	}
	if iter == start && !first {
		sweepLooped.Inc()
	}
	s.nextStartPaddr = iter
	return replaced
}

// sweepPage tries to move one page in the sweep direction, chasing it a
// bounded number of times as it migrates between owners. Returns whether
// the page was replaced and whether the sweep should stop because the
// allocator ran out of frames of the wanted kind.
func (s *LoanSweeper) sweepPage(p *page.Page, borrowing bool) (bool, bool) {
	tries := 0
	for ; tries < maxPageChaseIterations; tries++ {
		if tries != 0 {
			sweepPageChaseRetried.Inc()
		}
		// Approximate pre-checks; neither lock is held across the
		// replacement, so the state can still shift underneath.
		if p.State() != page.StateObject {
			return false, false
		}
		if p.IsLoaned() == borrowing {
			return false, false
		}

		backlink := s.pageQueues.GetCowWithReplaceablePage(p)
		if backlink == nil {
			// The page became free or otherwise unreplaceable.
			return false, false
		}

		err := backlink.Cow.ReplacePage(p, backlink.Offset, borrowing)
		switch {
		case err == nil:
			return true, false
		case errors.Is(err, pmm.ErrNotFound):
			// The page moved owners; chase it a little longer.
			continue
		case errors.Is(err, pmm.ErrNoMemory):
			// Out of frames of the wanted kind; no point going on.
			return false, true
		default:
			return false, false
		}
	}
	sweepPageChaseGaveUp.Inc()
	return false, false
}
