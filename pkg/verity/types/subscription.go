package types

import (
	"sync"
	"time"
)

// CubeSubscription is a specialized PendingRequest whose single-shot
// resolution denotes expiry, not success (spec.md §3).
type CubeSubscription struct {
	waiter *PendingRequest[struct{}]

	mu sync.Mutex

	// Key is the subscribed cube or notification key.
	Key CubeKey

	// Peers is the set of peers that confirmed the subscription.
	Peers []string

	// Duration is the effective duration: the minimum of all granted
	// durations, so renewal is paced against the shortest.
	Duration time.Duration

	// ShallRenew is user-controlled; clearing it cancels the
	// subscription (the current period still runs to completion).
	ShallRenew bool

	renewAt time.Time
}

// NewCubeSubscription builds a subscription that expires after duration
// unless renewed first. onExpire fires once, when duration elapses;
// ForceExpire settles the waiter without calling it, and Cancel does not
// settle it at all.
func NewCubeSubscription(key CubeKey, peers []string, duration time.Duration, onExpire func()) *CubeSubscription {
	s := &CubeSubscription{
		Key:        key,
		Peers:      peers,
		Duration:   duration,
		ShallRenew: true,
	}
	s.waiter = NewPendingRequest(struct{}{}, duration, onExpire)
	return s
}

// Expired returns a channel that fires once, when the subscription
// expires or is force-expired.
func (s *CubeSubscription) Expired() <-chan struct{} {
	return s.waiter.Done()
}

// Cancel clears ShallRenew; the subscription still runs until its current
// period elapses (there is no remote-cancel protocol, per spec.md §9).
func (s *CubeSubscription) Cancel() {
	s.mu.Lock()
	s.ShallRenew = false
	s.mu.Unlock()
}

// ShouldRenew reports the current value of ShallRenew.
func (s *CubeSubscription) ShouldRenew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ShallRenew
}

// ForceExpire settles the subscription's waiter immediately, used on
// scheduler shutdown.
func (s *CubeSubscription) ForceExpire() {
	s.waiter.Cancel()
}
