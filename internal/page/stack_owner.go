package page

import "sync"

// StackOwnershipInterval is a short-lived token owning pages that are in
// transit between a reclamation queue and the free list. A goroutine
// creates one interval, publishes it on each page it is about to unlink,
// and closes the interval once the pages have been freed. Other
// goroutines that need a page to settle block on the interval.
//
// The interval stands in for the scheduler's priority-inheritance chain:
// waiters park on the owning goroutine's token rather than spinning on
// the page state.
type StackOwnershipInterval struct {
	once sync.Once
	done chan struct{}
}

// NewStackOwnershipInterval returns an open interval.
func NewStackOwnershipInterval() *StackOwnershipInterval {
	return &StackOwnershipInterval{done: make(chan struct{})}
}

// Close wakes every waiter. Safe to call more than once.
func (i *StackOwnershipInterval) Close() {
	i.once.Do(func() { close(i.done) })
}

// Done returns a channel closed when the interval ends.
func (i *StackOwnershipInterval) Done() <-chan struct{} {
	return i.done
}

// SetStackOwner publishes the interval as the page's transient owner.
// Must be called before unlinking the page from its queue.
func (p *Page) SetStackOwner(i *StackOwnershipInterval) {
	p.stackOwner.Store(i)
}

// ClearStackOwner drops the transient owner. Must be called before the
// page goes back on a free list.
func (p *Page) ClearStackOwner() {
	p.stackOwner.Store(nil)
}

// StackOwner returns the page's transient owner, or nil.
func (p *Page) StackOwner() *StackOwnershipInterval {
	return p.stackOwner.Load()
}

// WaitUntilNotStackOwned blocks until no interval owns the page. Pages
// change stack owners rarely and briefly, so the loop settles fast.
func (p *Page) WaitUntilNotStackOwned() {
	for {
		i := p.stackOwner.Load()
		if i == nil {
			return
		}
		<-i.Done()
		// The page may have been claimed by another interval; re-check.
	}
}
