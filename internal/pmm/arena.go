package pmm

import (
	"fmt"

	"github.com/cherts/physmem/internal/log"
	"github.com/cherts/physmem/internal/page"
)

// pageRecordSize is the nominal per-frame bookkeeping cost used to size
// the arena's self-hosted page array, mirroring the footprint of the
// page record in physical memory.
const pageRecordSize = 64

// ArenaInfo describes one contiguous physical range handed to the node.
type ArenaInfo struct {
	Name     string
	Base     page.Paddr
	Size     uint64
	Priority uint32
	Flags    uint32
}

// Arena owns a contiguous physical range and the page records covering
// it. Immutable after Init apart from the page records themselves.
type Arena struct {
	info  ArenaInfo
	pages []page.Page

	// Range of page indexes backing the page array itself; those pages
	// are wired at init and never enter the free lists.
	arrayStart, arrayEnd uint64
}

// Name returns the arena's name.
func (a *Arena) Name() string { return a.info.Name }

// Base returns the arena's base physical address.
func (a *Arena) Base() page.Paddr { return a.info.Base }

// Size returns the arena's size in bytes.
func (a *Arena) Size() uint64 { return a.info.Size }

// Priority returns the arena's allocation priority.
func (a *Arena) Priority() uint32 { return a.info.Priority }

// Flags returns the arena's flags.
func (a *Arena) Flags() uint32 { return a.info.Flags }

// Info returns a copy of the arena descriptor.
func (a *Arena) Info() ArenaInfo { return a.info }

// PageCount returns the number of frames the arena covers.
func (a *Arena) PageCount() uint64 { return a.info.Size / PageSize }

// ContainsAddress reports whether pa falls inside the arena's range.
func (a *Arena) ContainsAddress(pa page.Paddr) bool {
	return uint64(pa) >= uint64(a.info.Base) && uint64(pa) < uint64(a.info.Base)+a.info.Size
}

// Init validates the descriptor, builds the page array and hands every
// page that is not backing the array itself to the node's free list.
func (a *Arena) Init(info ArenaInfo, node *Node) error {
	if info.Size == 0 || info.Size%PageSize != 0 || uint64(info.Base)%PageSize != 0 {
		return fmt.Errorf("arena %q base/size not page aligned: %w", info.Name, ErrInvalidArgs)
	}
	a.info = info

	pageCount := a.PageCount()
	pageArraySize := roundUpPage(pageCount * pageRecordSize)

	// If the arena cannot host its own page array it is too small to be useful.
	if pageArraySize >= info.Size {
		log.Warnf("arena %q too small to be useful (size %d)", info.Name, info.Size)
		return ErrBufferTooSmall
	}

	a.pages = make([]page.Page, pageCount)

	// The page array is backed out of the arena itself, at the top of the
	// range. Those frames are wired and never become allocatable.
	a.arrayEnd = pageCount
	a.arrayStart = pageCount - pageArraySize/PageSize

	var free page.List
	for i := uint64(0); i < pageCount; i++ {
		p := &a.pages[i]
		p.Init(info.Base + page.Paddr(i*PageSize))
		if i >= a.arrayStart && i < a.arrayEnd {
			p.SetState(page.StateWired)
		} else {
			free.PushTail(p)
		}
	}

	node.AddFreePages(&free)
	return nil
}

// GetPage returns the page record at the given index.
func (a *Arena) GetPage(index uint64) *page.Page {
	return &a.pages[index]
}

// FindSpecific returns the page record covering pa, or nil when the
// address is outside the arena.
func (a *Arena) FindSpecific(pa page.Paddr) *page.Page {
	if !a.ContainsAddress(pa) {
		return nil
	}
	index := (uint64(pa) - uint64(a.info.Base)) / PageSize
	return a.GetPage(index)
}

// FindFreeContiguous scans for a run of count consecutive free,
// non-loaned pages starting at an alignment boundary. Returns the head
// page of the run, or nil when no run exists.
func (a *Arena) FindFreeContiguous(count uint64, alignmentLog2 uint8) *page.Page {
	if count == 0 || count > a.PageCount() {
		return nil
	}
	if alignmentLog2 < PageShift {
		alignmentLog2 = PageShift
	}

	// Compute the first aligned offset within the arena, handling arenas
	// whose base is not aligned on the requested boundary.
	align := uint64(1) << alignmentLog2
	roundedBase := roundUp(uint64(a.info.Base), align)
	if roundedBase < uint64(a.info.Base) || roundedBase > uint64(a.info.Base)+a.info.Size-1 {
		return nil
	}

	alignedOffset := (roundedBase - uint64(a.info.Base)) / PageSize
	alignPages := align / PageSize
	pageCount := a.PageCount()

	start := alignedOffset
	for start < pageCount && start+count <= pageCount {
		run := true
		for i := uint64(0); i < count; i++ {
			p := a.GetPage(start + i)
			if !p.IsFree() || p.IsLoaned() {
				// Run is broken; restart at the next alignment boundary
				// strictly past the blocking page.
				start = roundUp(start-alignedOffset+i+1, alignPages) + alignedOffset
				run = false
				break
			}
		}
		if run {
			return a.GetPage(start)
		}
	}
	return nil
}

// CountStates tallies the arena's pages by role tag.
func (a *Arena) CountStates() [page.StateCount]uint64 {
	var counts [page.StateCount]uint64
	for i := range a.pages {
		counts[a.pages[i].State()]++
	}
	return counts
}

// Dump logs the arena descriptor and its per-state page counts.
func (a *Arena) Dump(dumpFreeRanges bool) {
	log.Infof("arena %q: base %s size %d flags %#x priority %d",
		a.info.Name, a.info.Base, a.info.Size, a.info.Flags, a.info.Priority)

	counts := a.CountStates()
	for s := 0; s < page.StateCount; s++ {
		if counts[s] == 0 {
			continue
		}
		log.Infof("  %-8s %d pages (%d bytes)", page.State(s), counts[s], counts[s]*PageSize)
	}

	if !dumpFreeRanges {
		return
	}
	runStart := int64(-1)
	for i := uint64(0); i < a.PageCount(); i++ {
		if a.pages[i].IsFree() {
			if runStart == -1 {
				runStart = int64(i)
			}
			continue
		}
		if runStart != -1 {
			log.Infof("  free range %s - %s",
				a.info.Base+page.Paddr(uint64(runStart)*PageSize), a.info.Base+page.Paddr(i*PageSize))
			runStart = -1
		}
	}
	if runStart != -1 {
		log.Infof("  free range %s - %s",
			a.info.Base+page.Paddr(uint64(runStart)*PageSize), a.info.Base+page.Paddr(a.info.Size))
	}
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

func roundUpPage(v uint64) uint64 {
	return roundUp(v, PageSize)
}
