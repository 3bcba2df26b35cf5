// Package console implements the pmm diagnostic command surface.
package console

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cherts/physmem/internal/log"
	"github.com/cherts/physmem/internal/page"
	"github.com/cherts/physmem/internal/pmm"
	"github.com/cherts/physmem/internal/queues"
	"github.com/cherts/physmem/internal/reclaim"
)

// ErrUsage is returned for malformed or unknown subcommands.
var ErrUsage = errors.New("usage error")

// Console executes pmm diagnostic subcommands against a live node.
type Console struct {
	node       *pmm.Node
	pageQueues *queues.PageQueues
	evictor    *reclaim.Evictor

	mu       sync.Mutex
	freeStop chan struct{}

	// Pages leaked by the oom subcommand. Kept so the daemon owns them
	// for the rest of its life, like any other deliberate leak.
	leaked page.List
}

// New returns a console bound to the given components.
func New(node *pmm.Node, q *queues.PageQueues, e *reclaim.Evictor) *Console {
	return &Console{node: node, pageQueues: q, evictor: e}
}

func usage(w io.Writer) error {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "pmm dump                 : dump pmm info")
	fmt.Fprintln(w, "pmm free                 : periodically dump free mem count")
	fmt.Fprintln(w, "pmm oom                  : leak memory until oom is triggered")
	fmt.Fprintln(w, "pmm mem_avail_state info : dump memstate info")
	fmt.Fprintln(w, "pmm scan [reclaim]       : scan page queues, optionally reclaiming memory")
	return ErrUsage
}

// Exec runs one subcommand, writing human-readable output to w.
func (c *Console) Exec(w io.Writer, args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(w, "not enough arguments")
		return usage(w)
	}

	switch args[0] {
	case "dump":
		c.node.Dump()
		fmt.Fprintf(w, "free_count %d (%d bytes), total size %d bytes\n",
			c.node.CountFreePages(), c.node.CountFreePages()*pmm.PageSize, c.node.CountTotalBytes())
		return nil

	case "free":
		return c.toggleFreeDump(w)

	case "oom":
		return c.leakUntilOom(w)

	case "mem_avail_state":
		if len(args) < 2 || args[1] != "info" {
			return usage(w)
		}
		c.node.DumpMemAvailState()
		fmt.Fprintf(w, "mem_avail_state level %d, free %d pages\n",
			c.node.MemAvailLevel(), c.node.CountFreePages())
		return nil

	case "drop_user_pt":
		fmt.Fprintln(w, "page table management is outside this manager")
		return ErrUsage

	case "scan":
		reclaimMem := len(args) > 1 && args[1] == "reclaim"
		return c.scan(w, reclaimMem)

	default:
		fmt.Fprintln(w, "unknown command")
		return usage(w)
	}
}

// toggleFreeDump starts a 1s free-count printer, or stops the running one.
func (c *Console) toggleFreeDump(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.freeStop != nil {
		close(c.freeStop)
		c.freeStop = nil
		fmt.Fprintln(w, "pmm free: stopped")
		return nil
	}

	c.freeStop = make(chan struct{})
	stop := c.freeStop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.node.DumpFree()
			}
		}
	}()
	fmt.Fprintln(w, "pmm free: issue the same command to stop.")
	return nil
}

// leakUntilOom allocates pages until the node reports the OOM state.
// Racing frees are tolerated by looping until the state sticks.
func (c *Console) leakUntilOom(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		tillOom := c.node.DebugNumPagesTillOomState()
		if tillOom == 0 {
			break
		}
		if err := c.node.AllocPages(tillOom, pmm.AllocAny, &c.leaked); err == nil {
			fmt.Fprintf(w, "leaking %d pages\n", tillOom)
			log.Warnf("pmm oom: leaked %d pages", tillOom)
		}
		// Allocation errors mean someone freed or allocated concurrently;
		// recompute and try again.
	}
	fmt.Fprintln(w, "oom state reached")
	return nil
}

// scan rotates the reclaim queues and reports the working-set split;
// with reclaim set it also evicts everything hinted not needed.
func (c *Console) scan(w io.Writer, reclaimMem bool) error {
	c.pageQueues.RotateReclaimQueues()
	counts := c.pageQueues.ActiveInactiveCounts()
	fmt.Fprintf(w, "active %d pages, inactive %d pages\n", counts.Active, counts.Inactive)

	if reclaimMem {
		target := c.pageQueues.ReclaimDontNeedCount() * pmm.PageSize
		freed := c.evictor.EvictOneShotSynchronous(target, reclaim.OnlyOldest)
		fmt.Fprintf(w, "reclaimed %d pages\n", freed)
	}
	return nil
}
