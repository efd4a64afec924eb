package types

import (
	"sync"
	"time"
)

// RequestSent records which peer a network attempt for a pending request
// was dispatched to, and when.
type RequestSent struct {
	Peer string
	At   time.Time
}

// PendingRequest is a one-shot waiter: it resolves exactly once, either
// with a fulfilled value or with its sentinel on timeout or Cancel. It is
// the generalized form of the teacher's core/peer.go observer struct (a
// UID plus a notify channel), with a Payload field in which an owner can
// record the map keys the waiter is registered under; the scheduler's
// cleanup uses those keys and the waiter's identity before evicting.
type PendingRequest[V any] struct {
	mu sync.Mutex

	ch       chan V
	settled  bool
	sentinel V

	// NetworkRequestRunning is true once a network attempt has been
	// dispatched and not yet retried.
	NetworkRequestRunning bool

	// Sent records the most recent requestSent(peer) call, if any.
	Sent *RequestSent

	timer *time.Timer

	// Supplemental payload, e.g. the requested key.
	Payload any
}

// NewPendingRequest builds a waiter that resolves with sentinel if timeout
// elapses before Fulfill is called. A zero timeout disables the deadline;
// the caller is then responsible for calling Cancel or Fulfill.
func NewPendingRequest[V any](sentinel V, timeout time.Duration, onTimeout func()) *PendingRequest[V] {
	p := &PendingRequest[V]{
		ch:       make(chan V, 1),
		sentinel: sentinel,
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			if p.fulfill(sentinel) && onTimeout != nil {
				onTimeout()
			}
		})
	}
	return p
}

// RequestSentAt marks the waiter as having an in-flight network request
// against peer.
func (p *PendingRequest[V]) RequestSentAt(peer string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NetworkRequestRunning = true
	p.Sent = &RequestSent{Peer: peer, At: at}
}

// IsNetworkRequestRunning reports whether a network attempt is currently
// in flight for this waiter.
func (p *PendingRequest[V]) IsNetworkRequestRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.NetworkRequestRunning
}

// ResetNetworkRequest clears the in-flight flag, making the waiter
// eligible for the pacing timer to retry it on the next tick.
func (p *PendingRequest[V]) ResetNetworkRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NetworkRequestRunning = false
}

// Fulfill resolves the waiter with value, unless it already settled.
// Returns true if this call was the one that settled it.
func (p *PendingRequest[V]) Fulfill(value V) bool {
	return p.fulfill(value)
}

func (p *PendingRequest[V]) fulfill(value V) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- value
	return true
}

// Settled reports whether the waiter has already resolved.
func (p *PendingRequest[V]) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// Wait blocks until the waiter settles and returns the resolved value.
func (p *PendingRequest[V]) Wait() V {
	return <-p.ch
}

// Done returns a channel that yields the resolved value exactly once.
func (p *PendingRequest[V]) Done() <-chan V {
	return p.ch
}

// Cancel settles the waiter with the sentinel value if it hasn't settled
// yet, without waiting for the timeout to fire. Used on shutdown.
func (p *PendingRequest[V]) Cancel() {
	p.fulfill(p.sentinel)
}
