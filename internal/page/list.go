package page

// List is an intrusive doubly-linked list of pages. Pages carry their own
// linkage, so membership costs no allocations and removal is O(1). A list
// is not safe for concurrent use; callers guard it with their own lock.
type List struct {
	head, tail *Page
	length     uint64
}

// Len returns the number of pages on the list.
func (l *List) Len() uint64 {
	return l.length
}

// Empty reports whether the list holds no pages.
func (l *List) Empty() bool {
	return l.length == 0
}

// PushHead prepends a page. The page must not be on any list.
func (l *List) PushHead(p *Page) {
	if p.list != nil {
		panic("page already on a list")
	}
	p.list = l
	p.prev = nil
	p.next = l.head
	if l.head != nil {
		l.head.prev = p
	} else {
		l.tail = p
	}
	l.head = p
	l.length++
}

// PushTail appends a page. The page must not be on any list.
func (l *List) PushTail(p *Page) {
	if p.list != nil {
		panic("page already on a list")
	}
	p.list = l
	p.next = nil
	p.prev = l.tail
	if l.tail != nil {
		l.tail.next = p
	} else {
		l.head = p
	}
	l.tail = p
	l.length++
}

// PopHead removes and returns the head page, or nil when empty.
func (l *List) PopHead() *Page {
	p := l.head
	if p == nil {
		return nil
	}
	l.Remove(p)
	return p
}

// PopTail removes and returns the tail page, or nil when empty.
func (l *List) PopTail() *Page {
	p := l.tail
	if p == nil {
		return nil
	}
	l.Remove(p)
	return p
}

// PeekHead returns the head page without removing it.
func (l *List) PeekHead() *Page {
	return l.head
}

// PeekTail returns the tail page without removing it.
func (l *List) PeekTail() *Page {
	return l.tail
}

// Remove unlinks a page from this list.
func (l *List) Remove(p *Page) {
	if p.list != l {
		panic("page not on this list")
	}
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		l.tail = p.prev
	}
	p.prev = nil
	p.next = nil
	p.list = nil
	l.length--
}

// SpliceHead moves every page from other onto the front of l, preserving
// other's order. Other is left empty.
func (l *List) SpliceHead(other *List) {
	for p := other.tail; p != nil; p = other.tail {
		other.Remove(p)
		l.PushHead(p)
	}
}

// SpliceTail moves every page from other onto the back of l, preserving
// other's order. Other is left empty.
func (l *List) SpliceTail(other *List) {
	for p := other.head; p != nil; p = other.head {
		other.Remove(p)
		l.PushTail(p)
	}
}

// ForEach walks the list head to tail, stopping early when fn returns
// false. The callback must not mutate the list.
func (l *List) ForEach(fn func(*Page) bool) {
	for p := l.head; p != nil; p = p.next {
		if !fn(p) {
			return
		}
	}
}

// OnList reports whether p is currently linked into l.
func (p *Page) OnList(l *List) bool {
	return p.list == l
}

// Detach unlinks p from whatever list it currently occupies and returns
// that list, or nil when the page was not linked anywhere. The caller
// must hold the lock guarding the page's current list.
func (p *Page) Detach() *List {
	l := p.list
	if l != nil {
		l.Remove(p)
	}
	return l
}

// Next returns the page after p on this list, or nil at the tail.
func (l *List) Next(p *Page) *Page {
	if p.list != l {
		panic("page not on this list")
	}
	return p.next
}
