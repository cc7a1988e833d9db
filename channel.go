// Package chansync provides typed, concurrent message-passing channels
// and a multi-channel selector. It is a synchronization substrate: it
// owns no threads and performs no I/O, and is agnostic to what is
// transported.
package chansync

import (
	"context"
	"errors"
	"sync"

	"github.com/hatchwave/chansync/internal/wake"
)

// ErrClosed is reported by Send and AsyncSend when the channel is, or
// becomes, closed before the value can be delivered.
var ErrClosed = errors.New("channel is closed")

// A Channel is a typed FIFO with a fixed capacity chosen at construction.
// Capacity zero selects rendezvous mode: a sender blocks until a
// receiver is waiting, and vice versa. Positive capacity selects
// buffered mode: senders block only when full, receivers only when
// empty.
//
// A Channel is safe for concurrent use by any number of senders and
// receivers. The zero Channel is not ready for use; construct one with
// [New].
type Channel[T any] struct {
	capacity int

	mu               sync.Mutex
	queue            []T
	closed           bool
	waitingReceivers int
	selectors        map[*notifyHandle]struct{}

	sendReady *wake.Cond // broadcast when space or a waiting receiver appears, or on close
	recvReady *wake.Cond // broadcast when a value appears, or on close
}

// notifyHandle is the opaque registration a Selector holds with a
// Channel. It exists so a Channel need not know anything about Selector
// beyond "something to notify"; see selector.go.
type notifyHandle struct {
	notify func()
}

// New constructs a Channel with the given capacity. A capacity of 0
// selects rendezvous mode.
func New[T any](capacity int) *Channel[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel[T]{
		capacity:  capacity,
		sendReady: wake.New(),
		recvReady: wake.New(),
	}
}

// Send blocks until either space is available (buffered) or a receiver
// is waiting (rendezvous), then enqueues v, wakes the waiting receivers
// (one of them takes v), and notifies every registered selector. For a rendezvous channel, Send
// additionally blocks until that specific value has actually been taken
// by a receiver before returning, as spec.md's testable properties
// require ("the send does not return before its pairing recv has taken
// the value"). It returns ErrClosed if the channel was already closed,
// or becomes closed before Send could commit the value; ctx may also end
// the wait for room early, in which case Send returns ctx.Err(). Once the
// value is committed, ctx no longer ends the rendezvous handoff wait.
// Once a value has
// been committed to the queue, Close no longer discards it — a later
// Recv or TryRecv can still drain it — but Close does unblock a sender
// still waiting in the rendezvous handoff: Send then returns nil without
// a guarantee that a receiver ever actually took the value, since no
// wait past close is promised (spec.md §4.1, "no starvation past
// close").
func (c *Channel[T]) Send(ctx context.Context, v T) error {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		var room bool
		if c.capacity == 0 {
			// A rendezvous send may commit only when a receiver is parked
			// waiting and the single in-flight slot is empty.
			room = c.waitingReceivers > 0 && len(c.queue) == 0
		} else {
			room = len(c.queue) < c.capacity
		}
		if room {
			break
		}
		ready := c.sendReady.Wait()
		c.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}

	c.queue = append(c.queue, v)
	c.recvReady.Broadcast()
	handles := c.notifySnapshot()
	c.mu.Unlock()
	notifyAll(handles)

	if c.capacity == 0 {
		c.awaitHandoff()
	}
	return nil
}

// awaitHandoff blocks until the single rendezvous slot this goroutine
// just filled has been drained by a receiver, or until the channel is
// closed. Send's predicate above will not let a second rendezvous sender
// commit while the slot is occupied, so an empty slot means this
// goroutine's value has been taken. A later sender may commit into the
// drained slot before this goroutine re-checks it; this goroutine then
// keeps waiting until that value is drained too. Close is also a valid
// exit: once the channel is
// closed, no further delivery is promised, and a sender must not be left
// waiting past close (spec.md §4.1, "no starvation past close").
func (c *Channel[T]) awaitHandoff() {
	c.mu.Lock()
	for len(c.queue) > 0 && !c.closed {
		ready := c.sendReady.Wait()
		c.mu.Unlock()
		<-ready
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// TrySend attempts to send v without blocking. It reports whether v was
// transferred: it fails (false) if the channel is closed, if a buffered
// channel is full, or if a rendezvous channel has no receiver currently
// waiting. TrySend never enqueues into a rendezvous channel when no
// receiver is waiting for it: see the §9 open question in spec.md, which
// this implementation resolves by treating that case as Full rather than
// letting the queue grow past its rendezvous limit of one. Unlike Send,
// TrySend does not wait for the value to actually be taken, since it
// must never block.
func (c *Channel[T]) TrySend(v T) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.capacity == 0 {
		if c.waitingReceivers == 0 || len(c.queue) != 0 {
			c.mu.Unlock()
			return false
		}
	} else if len(c.queue) >= c.capacity {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, v)
	c.recvReady.Broadcast()
	handles := c.notifySnapshot()
	c.mu.Unlock()
	notifyAll(handles)
	return true
}

// AsyncSend returns a Future that resolves when the equivalent call to
// Send(ctx, v) would return, with the same error (or nil).
func (c *Channel[T]) AsyncSend(ctx context.Context, v T) *Future[struct{}] {
	return runAsync(func() (struct{}, error) {
		return struct{}{}, c.Send(ctx, v)
	})
}

// Recv blocks until the queue becomes non-empty or the channel is
// closed. It returns the received value and true, or the zero value and
// false if the channel is closed and drained. If ctx ends first, Recv
// normally returns the zero value and false; callers that must
// distinguish end-of-stream from context cancellation should check
// ctx.Err(). The one exception is a rendezvous channel (capacity 0): if
// a paired Send has already committed its value to this specific call's
// slot by the time ctx ends, Recv still takes that value and returns it
// with true, rather than abandoning a sender that is counting on this
// call to complete the handoff.
func (c *Channel[T]) Recv(ctx context.Context) (T, bool) {
	var zero T

	c.mu.Lock()
	if c.capacity == 0 {
		// Announce that we are parked waiting for a value, and wake any
		// sender that was blocked with nobody to receive it. waitingReceivers
		// is decremented exactly once below, whichever way this call exits,
		// so it always equals the number of Recv calls currently suspended
		// in this branch (spec.md §3's invariant).
		c.waitingReceivers++
		c.sendReady.Broadcast()
	}
	for len(c.queue) == 0 && !c.closed {
		ready := c.recvReady.Wait()
		c.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			c.mu.Lock()
			if c.capacity == 0 {
				c.waitingReceivers--
				// A rendezvous sender may have committed a value specifically
				// because this call's waitingReceivers increment made room
				// for it (Send's predicate above), in the same instant ctx
				// ended. If so, that sender is now parked in awaitHandoff
				// with nobody else guaranteed to ever drain it: take the
				// value instead of abandoning the pairing, rather than
				// leaving the sender blocked past this call's own
				// cancellation. A buffered channel makes no such promise to
				// any particular sender, so this only applies to rendezvous.
				if len(c.queue) > 0 {
					v := c.queue[0]
					c.queue = c.queue[1:]
					c.sendReady.Broadcast()
					handles := c.notifySnapshot()
					c.mu.Unlock()
					notifyAll(handles)
					return v, true
				}
			}
			c.mu.Unlock()
			return zero, false
		}
		c.mu.Lock()
	}

	if c.capacity == 0 {
		c.waitingReceivers--
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return zero, false
	}
	v := c.queue[0]
	c.queue = c.queue[1:]
	c.sendReady.Broadcast()
	handles := c.notifySnapshot()
	c.mu.Unlock()
	notifyAll(handles)
	return v, true
}

// TryRecv attempts to receive a value without blocking. It returns the
// value and true if the queue is non-empty, or the zero value and false
// otherwise. TryRecv does not distinguish empty-and-open from
// empty-and-closed; combine with IsClosed if that distinction matters.
func (c *Channel[T]) TryRecv() (T, bool) {
	var zero T
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return zero, false
	}
	v := c.queue[0]
	c.queue = c.queue[1:]
	c.sendReady.Broadcast()
	handles := c.notifySnapshot()
	c.mu.Unlock()
	notifyAll(handles)
	return v, true
}

// AsyncRecv returns a Future that resolves with the outcome of the
// equivalent call to Recv(ctx).
func (c *Channel[T]) AsyncRecv(ctx context.Context) *Future[Received[T]] {
	return runAsync(func() (Received[T], error) {
		v, ok := c.Recv(ctx)
		return Received[T]{Value: v, OK: ok}, nil
	})
}

// Received is the outcome of an asynchronous receive: the delivered
// value and whether one was actually delivered (false means the channel
// was closed and drained, or ctx ended).
type Received[T any] struct {
	Value T
	OK    bool
}

// Close closes the channel. It wakes every waiting sender, every waiting
// receiver, and notifies every registered selector. Subsequent Send,
// AsyncSend, and TrySend calls fail; subsequent Recv calls drain any
// remaining buffered values FIFO and then report false forever. Close is
// idempotent: calling it again has no further effect.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.sendReady.Broadcast()
	c.recvReady.Broadcast()
	handles := c.notifySnapshot()
	c.mu.Unlock()
	notifyAll(handles)
}

// IsClosed reports whether the channel has been closed.
func (c *Channel[T]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IsEmpty reports whether the channel currently holds no buffered
// values.
func (c *Channel[T]) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) == 0
}

// Len returns the number of values currently buffered in the channel.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// registerSelector adds h to the set of selectors notified on every
// state change that might unblock a waiting poll. It is called only by
// AddReceive.
func (c *Channel[T]) registerSelector(h *notifyHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selectors == nil {
		c.selectors = make(map[*notifyHandle]struct{})
	}
	c.selectors[h] = struct{}{}
}

// unregisterSelector removes h from the notification set. It is called
// when an intent retires (channel observed closed and empty) or when a
// Selector is torn down.
func (c *Channel[T]) unregisterSelector(h *notifyHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.selectors, h)
}

// notifySnapshot copies the registered selector handles while the
// channel lock is held, so notifyAll can invoke them after the lock is
// released: no goroutine ever holds a channel lock and a selector lock
// at the same time through this path.
func (c *Channel[T]) notifySnapshot() []*notifyHandle {
	if len(c.selectors) == 0 {
		return nil
	}
	out := make([]*notifyHandle, 0, len(c.selectors))
	for h := range c.selectors {
		out = append(out, h)
	}
	return out
}

func notifyAll(handles []*notifyHandle) {
	for _, h := range handles {
		h.notify()
	}
}
