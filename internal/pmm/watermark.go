package pmm

import (
	"math"

	"github.com/cherts/physmem/internal/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MemAvailStateCallback observes memory-availability level transitions.
// Level 0 is the OOM state; level N means free memory sits above every
// configured watermark. Callbacks are delivered outside the node lock, in
// transition order, without coalescing.
type MemAvailStateCallback func(level uint8)

// watermarkState converts the free page count into a discrete
// memory-availability level with hysteresis around each watermark.
type watermarkState struct {
	watermarks [MaxWatermarkCount]uint64 // in pages, strictly increasing
	count      uint8
	curLevel   uint8
	debounce   uint64 // in pages
	upperBound uint64
	lowerBound uint64
	callback   MemAvailStateCallback
}

var (
	freePagesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vm",
		Subsystem: "pmm",
		Name:      "free_pages",
		Help:      "Pages currently on the free lists.",
	})
	memAvailLevelGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vm",
		Subsystem: "pmm",
		Name:      "mem_avail_level",
		Help:      "Current memory availability level; 0 is the OOM state.",
	})
)

// InitReclamation validates and installs the availability watermarks.
// Watermarks and debounce are given in bytes and converted to pages;
// they must be strictly increasing with watermarks[0] >= debounce.
func (n *Node) InitReclamation(watermarkBytes []uint64, debounceBytes uint64, cb MemAvailStateCallback) error {
	if len(watermarkBytes) == 0 || len(watermarkBytes) > MaxWatermarkCount {
		return ErrInvalidArgs
	}

	var tmp [MaxWatermarkCount]uint64
	debounce := roundUpPage(debounceBytes) / PageSize
	for i, wb := range watermarkBytes {
		tmp[i] = wb / PageSize
		if i > 0 {
			if tmp[i] <= tmp[i-1] {
				return ErrInvalidArgs
			}
		} else if tmp[i] < debounce {
			return ErrInvalidArgs
		}
	}

	n.mu.Lock()
	n.wm.count = uint8(len(watermarkBytes))
	n.wm.debounce = debounce
	n.wm.callback = cb
	n.wm.watermarks = tmp
	n.updateMemAvailStateLocked()
	n.mu.Unlock()
	n.drainMemAvailCallbacks()
	return nil
}

// updateMemAvailStateLocked recomputes the level as the index of the
// smallest watermark above the free count.
func (n *Node) updateMemAvailStateLocked() {
	target := n.wm.count
	for i := uint8(0); i < n.wm.count; i++ {
		if n.wm.watermarks[i] > n.freeCount {
			target = i
			break
		}
	}
	n.setMemAvailStateLocked(target)
}

func (n *Node) setMemAvailStateLocked(level uint8) {
	n.wm.curLevel = level
	memAvailLevelGauge.Set(float64(level))

	if level == 0 {
		n.freePagesEvt.Unsignal()
	} else {
		n.freePagesEvt.Signal()
	}

	if level > 0 {
		// Drop into the next lower state only once the free count clears
		// the watermark below by the debounce margin.
		n.wm.lowerBound = n.wm.watermarks[level-1] - n.wm.debounce
	} else {
		n.wm.lowerBound = 0
	}

	if level < n.wm.count {
		// Climb into the next higher state only once the free count
		// exceeds the current watermark by the debounce margin.
		n.wm.upperBound = n.wm.watermarks[level] + n.wm.debounce
	} else {
		n.wm.upperBound = math.MaxUint64 / PageSize
	}

	n.pendingLevels = append(n.pendingLevels, level)
}

// drainMemAvailCallbacks delivers queued level transitions. The dispatch
// mutex keeps delivery order equal to transition order across
// goroutines; when another goroutine is already draining, or when a
// callback re-enters the allocator, the active drainer picks up the
// freshly queued levels instead.
func (n *Node) drainMemAvailCallbacks() {
	if !n.cbMu.TryLock() {
		return
	}
	defer n.cbMu.Unlock()
	for {
		n.mu.Lock()
		if len(n.pendingLevels) == 0 {
			n.mu.Unlock()
			return
		}
		level := n.pendingLevels[0]
		n.pendingLevels = n.pendingLevels[1:]
		cb := n.wm.callback
		n.mu.Unlock()
		if cb != nil {
			cb(level)
		}
	}
}

func (n *Node) incrementFreeCountLocked(amount uint64) {
	n.freeCount += amount
	freePagesGauge.Set(float64(n.freeCount))
	if n.freeCount >= n.wm.upperBound {
		n.updateMemAvailStateLocked()
	}
}

func (n *Node) decrementFreeCountLocked(amount uint64) {
	if n.freeCount < amount {
		panic("free count underflow")
	}
	n.freeCount -= amount
	freePagesGauge.Set(float64(n.freeCount))
	if n.freeCount <= n.wm.lowerBound {
		n.updateMemAvailStateLocked()
	}
}

// MemAvailLevel returns the current memory-availability level.
func (n *Node) MemAvailLevel() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wm.curLevel
}

// DumpMemAvailState logs the watermark configuration and current bounds.
func (n *Node) DumpMemAvailState() {
	n.mu.Lock()
	defer n.mu.Unlock()
	marks := make([]uint64, n.wm.count)
	for i := uint8(0); i < n.wm.count; i++ {
		marks[i] = n.wm.watermarks[i] * PageSize
	}
	log.Infof("watermarks: %v bytes, debounce: %d bytes", marks, n.wm.debounce*PageSize)
	log.Infof("current state: %d, bounds: [%d, %d] bytes",
		n.wm.curLevel, n.wm.lowerBound*PageSize, n.wm.upperBound*PageSize)
	log.Infof("free memory: %d bytes", n.freeCount*PageSize)
}

// DebugNumPagesTillOomState returns how many pages must be allocated
// before the node drops into the OOM state, zero when already there.
func (n *Node) DebugNumPagesTillOomState() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.wm.curLevel == 0 {
		return 0
	}
	// Clearing the debounce margin below the first watermark is always
	// enough, whatever the current level.
	trigger := n.wm.watermarks[0] - n.wm.debounce
	if n.freeCount < trigger {
		return 0
	}
	return n.freeCount - trigger
}
