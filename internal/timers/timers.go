// Package timers implements the two Lifecycle Timer wheels from spec.md
// §4.4: the start-deadline wheel and the reconnection-grace wheel. Each is
// an ordered set keyed by expiry time (a container/heap priority queue)
// augmented with a hash index by participant identifier for O(log N)
// disarming, owned by a single goroutine driven entirely by a command
// channel — "all operations go through a message queue to avoid locks on
// the hot path" (spec.md §5). Grounded on the teacher's single-owning-
// goroutine run-loop idiom (manager.Manager, overseer.Client).
package timers

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// ExpiryFunc is invoked (on the wheel's own goroutine) when a timer expires
// without being disarmed first. Implementations must not block.
type ExpiryFunc func(id uuid.UUID)

type entry struct {
	id       uuid.UUID
	expireAt time.Time
	index    int // heap index, maintained by heap.Interface
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type armCmd struct {
	id       uuid.UUID
	expireAt time.Time
}

type disarmCmd struct {
	id uuid.UUID
}

type lenCmd struct {
	reply chan int
}

// Wheel is one timer wheel. Arm/Disarm enqueue onto the owning goroutine's
// command channel; the scan loop wakes on a ticker no coarser than
// scanInterval, meeting the detection-latency bounds of spec.md §4.4.
type Wheel struct {
	cmds         chan any
	done         chan struct{}
	scanInterval time.Duration
	onExpire     ExpiryFunc
	h            entryHeap
	byID         map[uuid.UUID]*entry
}

// NewStartDeadlineWheel builds the start-deadline wheel, scanned at least
// once per second per spec.md's one-second detection-latency bound.
func NewStartDeadlineWheel(onExpire ExpiryFunc) *Wheel {
	return newWheel(500*time.Millisecond, onExpire)
}

// NewReconnectGraceWheel builds the reconnection-grace wheel, scanned at
// least once per five seconds per spec.md's five-second detection-latency
// bound.
func NewReconnectGraceWheel(onExpire ExpiryFunc) *Wheel {
	return newWheel(2*time.Second, onExpire)
}

func newWheel(scanInterval time.Duration, onExpire ExpiryFunc) *Wheel {
	w := &Wheel{
		cmds:         make(chan any, 1024),
		done:         make(chan struct{}),
		scanInterval: scanInterval,
		onExpire:     onExpire,
		byID:         make(map[uuid.UUID]*entry),
	}
	go w.run()
	return w
}

// Arm schedules id to expire at expireAt, replacing any existing timer for
// the same id.
func (w *Wheel) Arm(id uuid.UUID, expireAt time.Time) {
	w.cmds <- armCmd{id: id, expireAt: expireAt}
}

// Disarm cancels id's timer, if any. A no-op if id has no armed timer.
func (w *Wheel) Disarm(id uuid.UUID) {
	w.cmds <- disarmCmd{id: id}
}

// Close stops the wheel's goroutine. No more timers will fire afterward.
func (w *Wheel) Close() {
	close(w.cmds)
	<-w.done
}

func (w *Wheel) run() {
	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd, ok := <-w.cmds:
			if !ok {
				close(w.done)
				return
			}
			switch c := cmd.(type) {
			case armCmd:
				w.armLocked(c.id, c.expireAt)
			case disarmCmd:
				w.disarmLocked(c.id)
			case lenCmd:
				c.reply <- len(w.byID)
			}
		case now := <-ticker.C:
			w.scan(now)
		}
	}
}

func (w *Wheel) armLocked(id uuid.UUID, expireAt time.Time) {
	w.disarmLocked(id)
	e := &entry{id: id, expireAt: expireAt}
	w.byID[id] = e
	heap.Push(&w.h, e)
}

func (w *Wheel) disarmLocked(id uuid.UUID) {
	e, ok := w.byID[id]
	if !ok {
		return
	}
	delete(w.byID, id)
	if e.index >= 0 && e.index < len(w.h) {
		heap.Remove(&w.h, e.index)
	}
}

func (w *Wheel) scan(now time.Time) {
	for w.h.Len() > 0 {
		top := w.h[0]
		if top.expireAt.After(now) {
			return
		}
		heap.Pop(&w.h)
		delete(w.byID, top.id)
		w.onExpire(top.id)
	}
}

// Len reports the number of currently armed timers, for tests and
// introspection; it returns -1 if the wheel does not answer within a second.
func (w *Wheel) Len() int {
	reply := make(chan int, 1)
	w.cmds <- lenCmd{reply: reply}
	select {
	case n := <-reply:
		return n
	case <-time.After(time.Second):
		return -1
	}
}
