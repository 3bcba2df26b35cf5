package pmm

import (
	"testing"
	"time"

	"github.com/cherts/physmem/internal/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testWaitTimeout bounds blocking waits in tests.
const testWaitTimeout = 5 * time.Second

func TestInitReclamation_Validation(t *testing.T) {
	n, _ := newTestNode(t, 64)
	noop := func(uint8) {}

	var testcases = []struct {
		name       string
		watermarks []uint64
		debounce   uint64
		valid      bool
	}{
		{name: "single watermark", watermarks: []uint64{20 * PageSize}, debounce: 2 * PageSize, valid: true},
		{name: "increasing", watermarks: []uint64{10 * PageSize, 20 * PageSize, 30 * PageSize}, debounce: PageSize, valid: true},
		{name: "empty", watermarks: nil, debounce: 0, valid: false},
		{name: "non increasing", watermarks: []uint64{20 * PageSize, 20 * PageSize}, debounce: PageSize, valid: false},
		{name: "decreasing", watermarks: []uint64{20 * PageSize, 10 * PageSize}, debounce: PageSize, valid: false},
		{name: "first below debounce", watermarks: []uint64{PageSize}, debounce: 2 * PageSize, valid: false},
		{name: "too many", watermarks: make([]uint64, MaxWatermarkCount+1), debounce: 0, valid: false},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := n.InitReclamation(tc.watermarks, tc.debounce, noop)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidArgs)
			}
		})
	}
}

func TestWatermark_Hysteresis(t *testing.T) {
	n, free := newTestNode(t, 66)
	require.GreaterOrEqual(t, free, uint64(30))

	var levels []uint8
	require.NoError(t, n.InitReclamation([]uint64{20 * PageSize}, 2*PageSize, func(level uint8) {
		levels = append(levels, level)
	}))

	// Installing the watermarks reports the current level once.
	require.Equal(t, []uint8{1}, levels)

	var held page.List

	// Draining down to 19 free pages crosses the watermark but not the
	// debounce margin: no transition yet.
	for n.CountFreePages() > 19 {
		p, _, err := n.AllocPage(AllocAny)
		require.NoError(t, err)
		held.PushTail(p)
	}
	assert.Equal(t, []uint8{1}, levels)

	// One more page clears the margin: exactly one transition to level 0.
	p, _, err := n.AllocPage(AllocAny)
	require.NoError(t, err)
	held.PushTail(p)
	assert.Equal(t, uint64(18), n.CountFreePages())
	assert.Equal(t, []uint8{1, 0}, levels)
	assert.Equal(t, uint8(0), n.MemAvailLevel())

	// Freeing one page puts us above the watermark's low edge but below
	// the high edge: still level 0, no callback.
	n.FreePage(held.PopHead())
	assert.Equal(t, []uint8{1, 0}, levels)

	// Climbing to watermark+debounce fires exactly one transition up.
	for n.CountFreePages() < 22 {
		n.FreePage(held.PopHead())
	}
	assert.Equal(t, []uint8{1, 0, 1}, levels)
	assert.Equal(t, uint8(1), n.MemAvailLevel())

	// Consecutive callbacks always differ in level.
	for i := 1; i < len(levels); i++ {
		assert.NotEqual(t, levels[i-1], levels[i])
	}

	n.FreeList(&held)
}

func TestWatermark_MultiLevel(t *testing.T) {
	n, free := newTestNode(t, 66)
	require.GreaterOrEqual(t, free, uint64(40))

	var levels []uint8
	require.NoError(t, n.InitReclamation(
		[]uint64{10 * PageSize, 20 * PageSize, 30 * PageSize}, PageSize,
		func(level uint8) { levels = append(levels, level) }))

	// Free count is above every watermark.
	require.Equal(t, []uint8{3}, levels)

	var held page.List
	for n.CountFreePages() > 9 {
		p, _, err := n.AllocPage(AllocAny)
		require.NoError(t, err)
		held.PushTail(p)
	}

	// Descending through each watermark reports each level in order.
	assert.Equal(t, []uint8{3, 2, 1, 0}, levels)

	n.FreeList(&held)
	assert.Equal(t, uint8(3), n.MemAvailLevel())
}

func TestNode_DebugNumPagesTillOomState(t *testing.T) {
	n, free := newTestNode(t, 66)
	require.NoError(t, n.InitReclamation([]uint64{20 * PageSize}, 2*PageSize, func(uint8) {}))

	till := n.DebugNumPagesTillOomState()
	assert.Equal(t, free-18, till)

	var held page.List
	require.NoError(t, n.AllocPages(till, AllocAny, &held))
	assert.Zero(t, n.DebugNumPagesTillOomState())
	assert.Equal(t, uint8(0), n.MemAvailLevel())

	n.FreeList(&held)
}

func TestNode_AllocCanWaitInOom(t *testing.T) {
	n, _ := newTestNode(t, 66)
	require.NoError(t, n.InitReclamation([]uint64{20 * PageSize}, 2*PageSize, func(uint8) {}))

	var held page.List
	require.NoError(t, n.AllocPages(n.DebugNumPagesTillOomState(), AllocAny, &held))
	require.Equal(t, uint8(0), n.MemAvailLevel())

	// CAN_WAIT callers are refused with the retry signal.
	_, _, err := n.AllocPage(AllocCanWait)
	assert.ErrorIs(t, err, ErrShouldWait)

	var out page.List
	assert.ErrorIs(t, n.AllocPages(3, AllocCanWait, &out), ErrShouldWait)
	assert.True(t, out.Empty())

	// Callers without CAN_WAIT may still succeed in the OOM state.
	p, _, err := n.AllocPage(AllocAny)
	require.NoError(t, err)
	n.FreePage(p)

	n.FreeList(&held)
}

func TestNode_WaitTillShouldRetrySingleAlloc(t *testing.T) {
	n, _ := newTestNode(t, 66)
	require.NoError(t, n.InitReclamation([]uint64{20 * PageSize}, 2*PageSize, func(uint8) {}))

	// Not in OOM: the wait returns immediately.
	assert.NoError(t, n.WaitTillShouldRetrySingleAlloc(0))

	var held page.List
	require.NoError(t, n.AllocPages(n.DebugNumPagesTillOomState(), AllocAny, &held))
	require.Equal(t, uint8(0), n.MemAvailLevel())

	// In OOM the deadline is honored.
	assert.ErrorIs(t, n.WaitTillShouldRetrySingleAlloc(0), ErrTimedOut)

	// Leaving OOM releases the waiter.
	done := make(chan error, 1)
	go func() { done <- n.WaitTillShouldRetrySingleAlloc(testWaitTimeout) }()
	n.FreeList(&held)
	assert.NoError(t, <-done)
}
