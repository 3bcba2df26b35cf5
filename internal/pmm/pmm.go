// Package pmm implements the physical memory manager node: arenas, the
// split free lists, the memory-availability watermark machine and the
// delayed allocation request queue.
package pmm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// PageSize is the size of one physical page in bytes.
	PageSize = 4096
	// PageShift is log2(PageSize).
	PageShift = 12
	// MaxWatermarkCount bounds the number of configurable
	// memory-availability watermarks.
	MaxWatermarkCount = 8

	// freeFillByte is the pattern written over freed page payloads when
	// the free-fill debug mode is on.
	freeFillByte = 0x42
)

// AllocFlags alter allocation behavior.
type AllocFlags uint32

const (
	// AllocAny places no constraint on the allocation.
	AllocAny AllocFlags = 0
	// AllocCanWait makes the allocator return ErrShouldWait instead of
	// ErrNoMemory while the node is in the OOM state.
	AllocCanWait AllocFlags = 1 << iota
	// AllocCanBorrow lets the allocation draw from the loaned free list
	// when the regular list is empty.
	AllocCanBorrow
	// AllocMustBorrow fails the allocation unless the page came from the
	// loaned free list.
	AllocMustBorrow
)

// Error taxonomy surfaced by the allocator. Failures are propagated to
// the caller verbatim; the only local recovery is the loan sweeper's
// bounded page chase.
var (
	// ErrNoMemory means no page could be allocated and the caller did not
	// opt into waiting.
	ErrNoMemory = errors.New("no memory")
	// ErrShouldWait means the caller opted into waiting and should retry
	// once the memory-availability level rises above zero.
	ErrShouldWait = errors.New("should wait")
	// ErrNotFound means a requested physical range was not free, or a
	// page is no longer owned by the container asked to replace it.
	ErrNotFound = errors.New("not found")
	// ErrBadState means the operation hit a page in a state that forbids
	// it, such as a pinned page.
	ErrBadState = errors.New("bad state")
	// ErrOutOfRange means an offset or length fell past the backing region.
	ErrOutOfRange = errors.New("out of range")
	// ErrInvalidArgs means malformed watermarks, zero-size allocations or
	// misaligned specifics.
	ErrInvalidArgs = errors.New("invalid arguments")
	// ErrBufferTooSmall means an arena is too small to host its own
	// page array.
	ErrBufferTooSmall = errors.New("buffer too small")
	// ErrTimedOut means a bounded wait expired.
	ErrTimedOut = errors.New("timed out")
)

var allocAsyncCount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vm",
	Subsystem: "pmm",
	Name:      "alloc_async_total",
	Help:      "vm.pmm.alloc.async: delayed allocation requests queued.",
})
