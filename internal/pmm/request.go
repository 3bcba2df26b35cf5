package pmm

import (
	"context"

	"github.com/cherts/physmem/internal/log"
	"github.com/google/uuid"
)

// Request is a delayed allocation request. The servicing goroutine calls
// OnAvailable with the node lock released once pages become available;
// partially filled requests keep their place at the head of the queue.
type Request struct {
	// ID correlates a request's lifecycle across log lines.
	ID uuid.UUID

	Offset uint64
	Length uint64

	// Ctx is an opaque reference owned by the caller. OnDropRef releases
	// it exactly once, unless ClearRequest returned true.
	Ctx any

	// OnAvailable supplies pages for [offset, offset+length) and returns
	// how many units it actually supplied. Called with no node lock held.
	OnAvailable func(ctx any, offset, length uint64) uint64

	// OnDropRef releases the caller's context reference.
	OnDropRef func(ctx any)

	prev, next *Request
	queued     bool
}

// requestList is an intrusive FIFO of pending requests.
type requestList struct {
	head, tail *Request
	length     int
}

func (l *requestList) empty() bool { return l.head == nil }

func (l *requestList) pushTail(r *Request) {
	r.prev = l.tail
	r.next = nil
	if l.tail != nil {
		l.tail.next = r
	} else {
		l.head = r
	}
	l.tail = r
	r.queued = true
	l.length++
}

func (l *requestList) pushHead(r *Request) {
	r.next = l.head
	r.prev = nil
	if l.head != nil {
		l.head.prev = r
	} else {
		l.tail = r
	}
	l.head = r
	r.queued = true
	l.length++
}

func (l *requestList) remove(r *Request) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		l.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		l.tail = r.prev
	}
	r.prev = nil
	r.next = nil
	r.queued = false
	l.length--
}

func (l *requestList) replace(old, repl *Request) {
	repl.prev = old.prev
	repl.next = old.next
	if old.prev != nil {
		old.prev.next = repl
	} else {
		l.head = repl
	}
	if old.next != nil {
		old.next.prev = repl
	} else {
		l.tail = repl
	}
	old.prev = nil
	old.next = nil
	old.queued = false
	repl.queued = true
}

// AllocPagesAsync enqueues a delayed allocation request and wakes the
// request worker. Requests are serviced strictly in enqueue order.
func (n *Node) AllocPagesAsync(_ AllocFlags, req *Request) {
	allocAsyncCount.Inc()
	if req.ID == (uuid.UUID{}) {
		req.ID = uuid.New()
	}

	n.mu.Lock()
	n.requestList.pushTail(req)
	n.mu.Unlock()

	log.Debugf("queued delayed alloc request %s offset %d length %d", req.ID, req.Offset, req.Length)
	n.requestEvt.Signal()
}

// ClearRequest cancels a request. Returns true when the request was
// still pending: the caller keeps ownership of its context. Returns
// false when the request is being serviced right now: the servicer will
// drop the context reference once the callback returns.
func (n *Node) ClearRequest(req *Request) bool {
	n.mu.Lock()
	var res bool
	switch {
	case req.queued:
		n.requestList.remove(req)
		res = true
	case n.currentRequest == req:
		n.currentRequest = nil
		res = false
	default:
		log.Warnf("clear of request %s which is neither pending nor current", req.ID)
		res = false
	}

	if n.requestList.empty() && n.currentRequest == nil {
		n.requestEvt.Unsignal()
	}
	n.mu.Unlock()
	return res
}

// SwapRequest replaces the request record while preserving its position,
// progress and callbacks. Both records must share context and callbacks.
func (n *Node) SwapRequest(old, repl *Request) {
	n.mu.Lock()
	defer n.mu.Unlock()

	repl.Offset = old.Offset
	repl.Length = old.Length
	repl.ID = old.ID

	if n.currentRequest == old {
		n.currentRequest = repl
	} else if old.queued {
		n.requestList.replace(old, repl)
	}
}

// processPendingRequests services queued requests while the node is out
// of the OOM state. The availability callback runs with the lock
// released; a partially filled request is pushed back at the head so it
// keeps its FIFO position.
func (n *Node) processPendingRequests() {
	n.mu.Lock()
	for n.requestList.head != nil && n.wm.curLevel > 0 {
		req := n.requestList.head

		// Copy what the callback needs: the record may be swapped or
		// cleared the moment the lock drops.
		id, offset, length := req.ID, req.Offset, req.Length
		onAvailable, onDropRef, ctx := req.OnAvailable, req.OnDropRef, req.Ctx

		n.requestList.remove(req)
		n.currentRequest = req
		n.mu.Unlock()

		supplied := onAvailable(ctx, offset, length)

		n.mu.Lock()
		if n.currentRequest != nil && supplied < length {
			// Partial fill and not cancelled: keep the remainder at the
			// head of the queue.
			cur := n.currentRequest
			cur.Offset = offset + supplied
			cur.Length = length - supplied
			n.requestList.pushHead(cur)
			n.currentRequest = nil
			log.Debugf("request %s partially filled (%d of %d), requeued", id, supplied, length)
			continue
		}

		// Fulfilled, or cancelled mid-flight: drop the context reference
		// either way, with the lock released.
		n.currentRequest = nil
		n.mu.Unlock()
		onDropRef(ctx)
		n.mu.Lock()
	}

	if n.requestList.empty() && n.currentRequest == nil {
		n.requestEvt.Unsignal()
	}
	n.mu.Unlock()
}

// StartRequestWorker launches the goroutine that services delayed
// allocation requests. Close stops it.
func (n *Node) StartRequestWorker() {
	n.mu.Lock()
	if n.requestLive {
		n.mu.Unlock()
		return
	}
	n.requestLive = true
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	n.requestWG.Add(1)
	go func() {
		defer n.requestWG.Done()
		n.requestLoop(ctx)
	}()
	go func() {
		<-n.requestStop
		cancel()
	}()
}

func (n *Node) requestLoop(ctx context.Context) {
	for {
		// A request and free pages above the OOM watermark must both be
		// present before servicing. Either may vanish before processing
		// starts; that only costs a little extra work.
		if err := n.requestEvt.Wait(ctx); err != nil {
			return
		}
		if err := n.freePagesEvt.Wait(ctx); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		n.processPendingRequests()
	}
}

// Close stops the request worker and waits for it to exit.
func (n *Node) Close() {
	n.mu.Lock()
	live := n.requestLive
	n.requestLive = false
	n.mu.Unlock()
	if !live {
		return
	}
	close(n.requestStop)
	n.requestWG.Wait()
}
