package platform

import (
	"sync"
	"sync/atomic"
)

// Inbox is the queue between radio callbacks and the main loop. Wi-Fi
// control messages ride an unbounded FIFO and are never lost; BLE
// advertisements share a bounded channel and are dropped (and counted) when
// it is full. Post never blocks.
type Inbox struct {
	mu      sync.Mutex
	control []Message

	adv     chan Message
	wake    chan struct{}
	dropped atomic.Uint64
}

// NewInbox returns an inbox holding up to size advertisements (minimum 1).
func NewInbox(size int) *Inbox {
	if size < 1 {
		size = 1
	}
	return &Inbox{adv: make(chan Message, size), wake: make(chan struct{}, 1)}
}

// Droppable reports whether k may be discarded under pressure.
func (k Kind) Droppable() bool { return k == BLEAdvertisement }

// Post enqueues m. It reports false only when a droppable message was
// discarded. Safe for concurrent use.
func (in *Inbox) Post(m Message) bool {
	if !m.Kind.Droppable() {
		in.mu.Lock()
		in.control = append(in.control, m)
		in.mu.Unlock()
		in.signal()
		return true
	}
	select {
	case in.adv <- m:
		in.signal()
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

func (in *Inbox) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Drain hands fn every control message, in posting order, then every
// advertisement queued at call time, and returns how many were handled.
// Messages posted meanwhile wait for the next Drain.
func (in *Inbox) Drain(fn func(Message)) int {
	in.mu.Lock()
	control := in.control
	in.control = nil
	in.mu.Unlock()
	for _, m := range control {
		fn(m)
	}

	handled := len(control)
	n := len(in.adv)
	for i := 0; i < n; i++ {
		select {
		case m := <-in.adv:
			fn(m)
			handled++
		default:
			return handled
		}
	}
	return handled
}

// Wake fires after a Post; the loop selects on it to cut its yield short.
func (in *Inbox) Wake() <-chan struct{} { return in.wake }

// Len counts queued messages of both kinds.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.control) + len(in.adv)
}

// Dropped counts advertisements lost to a full inbox.
func (in *Inbox) Dropped() uint64 { return in.dropped.Load() }
