package chansync

import (
	"runtime/debug"
	"sync"

	"github.com/hatchwave/chansync/internal/wake"
)

// pollOutcome is the result of polling one intent once.
type pollOutcome int

const (
	notReady pollOutcome = iota // no value available, channel still open
	fired                       // a value was delivered to the callback
	retired                     // channel observed closed and empty; intent dropped
)

// pollable is the type-erased shape a Selector needs from each
// registered intent: spec.md §9 calls this out directly as
// "Pollable { poll() -> {Fired, NotReady, Retired} }", with one concrete
// implementation per Channel[T] capturing its typed callback.
type pollable interface {
	poll() pollOutcome
	unregister()
}

// receiveIntent is the concrete Pollable for one (channel, callback)
// registration on a Selector.
type receiveIntent[T any] struct {
	ch     *Channel[T]
	cb     func(T)
	handle *notifyHandle
}

func (ri *receiveIntent[T]) poll() pollOutcome {
	if v, ok := ri.ch.TryRecv(); ok {
		ri.invoke(v)
		return fired
	}
	if ri.ch.IsClosed() && ri.ch.IsEmpty() {
		ri.unregister()
		return retired
	}
	return notReady
}

func (ri *receiveIntent[T]) unregister() {
	ri.ch.unregisterSelector(ri.handle)
}

// invoke calls the user callback, containing any panic as a recovered,
// logged programming error rather than letting it unwind through
// Select. spec.md §4.2: "If the callback throws, the intent still
// counts as fired." Grounded on the teacher's Throttle.Call, which
// wraps its user-supplied run function in exactly this recover pattern.
func (ri *receiveIntent[T]) invoke(v T) {
	defer func() {
		if x := recover(); x != nil {
			Logger.Printf("chansync: selector callback panic: %v\n%s", x, debug.Stack())
		}
	}()
	ri.cb(v)
}

// A Selector is a one-shot waiter that collects receive intents over
// heterogeneous channels, each paired with a typed delivery callback,
// and blocks until at least one intent can fire, then fires one and
// returns. A Selector borrows the channels it references: it does not
// own them, and intents must not outlive the channels they watch.
//
// A Selector is safe for use by one goroutine at a time; at most one
// Select call may be in flight on a given Selector, though the channels
// it watches may be notifying it concurrently from any number of
// goroutines. Construct one with NewSelector.
type Selector struct {
	mu       sync.Mutex
	intents  []pollable
	notified *wake.Cond
	start    int
}

// NewSelector constructs an empty Selector.
func NewSelector() *Selector {
	return &Selector{notified: wake.New()}
}

// AddReceive records an intent: when ch has a value, it is handed to
// cb; when ch is observed closed and drained, the intent retires. It may
// be called before or between calls to Select.
//
// AddReceive is a package-level function, not a method, because Go
// methods cannot introduce a new type parameter beyond their receiver's;
// Selector itself stays non-generic so it can hold intents over any mix
// of Channel[T] element types (spec.md §9).
func AddReceive[T any](s *Selector, ch *Channel[T], cb func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := &notifyHandle{notify: s.notify}
	ch.registerSelector(handle)
	s.intents = append(s.intents, &receiveIntent[T]{ch: ch, cb: cb, handle: handle})
}

// Select blocks until at least one intent can fire, fires exactly one,
// and returns true. If every referenced channel is closed and drained —
// so every intent has retired — Select returns false without blocking.
//
// Polling order is registration order, starting just past the intent
// that fired last (and from the first intent again after one retires),
// so that under continuous availability on several channels,
// every always-ready intent eventually gets its turn (spec.md §4.2's
// fairness requirement; §8's liveness property).
func (s *Selector) Select() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

outer:
	for {
		if len(s.intents) == 0 {
			return false
		}

		// Arm the wait before polling, not after: a notify arriving while
		// this iteration polls its intents must not be lost. A channel
		// always mutates its state under its own lock before it ever calls
		// notify, so by the time notify runs, the mutation has already
		// happened. Arming first means any notify racing in during this
		// poll either corresponds to a mutation the poll below still
		// observes directly (if the mutation preceded the poll), or still
		// closes the channel Wait already returned (if it arrives only
		// after the relevant poll ran) — there is no window where a change
		// is both unpolled and unarmed (spec.md §8: "A notify() issued
		// strictly before select() enters its wait predicate must not be
		// lost").
		ready := s.notified.Wait()

		n := len(s.intents)
		for i := 0; i < n; i++ {
			idx := (s.start + i) % n
			switch s.intents[idx].poll() {
			case fired:
				s.start = (idx + 1) % n
				return true
			case retired:
				s.intents = append(s.intents[:idx], s.intents[idx+1:]...)
				s.start = 0
				continue outer
			}
		}
		if len(s.intents) == 0 {
			return false
		}
		s.mu.Unlock()
		<-ready
		s.mu.Lock()
	}
}

// notify wakes a goroutine blocked in Select, if any. Channels call this
// (through each intent's notifyHandle) on value arrival, on close, and
// on a successful TrySend; it is not part of the end-user contract.
// Channels never hold their own lock while calling notify — they take a
// snapshot of the registered handles and release their lock first — so
// no lock-order cycle can form between a Channel and a Selector.
func (s *Selector) notify() {
	s.notified.Broadcast()
}

// Close unregisters the Selector from every channel it still references.
// Call it when a Selector is no longer needed, so its channels stop
// carrying a reference to it. Without Close, an intent is unregistered
// only when a Select call observes its channel closed and drained; a
// Selector that is dropped without Close stays in the notification set
// of each channel it still watches, and so stays reachable, for as long
// as that channel does.
func (s *Selector) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		in.unregister()
	}
	s.intents = nil
}
