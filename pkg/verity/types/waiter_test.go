package types

import (
	"testing"
	"time"
)

func Test_PendingRequest_FulfillSettlesExactlyOnce(t *testing.T) {
	w := NewPendingRequest(CubeInfo{}, 0, nil)

	if !w.Fulfill(CubeInfo{Date: 1}) {
		t.Fatal("first Fulfill must settle the waiter")
	}
	if w.Fulfill(CubeInfo{Date: 2}) {
		t.Fatal("second Fulfill must be a no-op once settled")
	}
	if got := w.Wait(); got.Date != 1 {
		t.Errorf("expected the first Fulfill's value to stick, got %+v", got)
	}
}

func Test_PendingRequest_TimeoutResolvesWithSentinel(t *testing.T) {
	var timedOut bool
	w := NewPendingRequest(CubeInfo{}, 20*time.Millisecond, func() { timedOut = true })

	got := w.Wait()
	if !got.Key.IsZero() {
		t.Errorf("expected the sentinel on timeout, got %+v", got)
	}
	if !timedOut {
		t.Error("expected onTimeout to fire when the deadline elapses unfulfilled")
	}
}

func Test_PendingRequest_CancelSettlesAndIsIdempotent(t *testing.T) {
	w := NewPendingRequest(CubeInfo{}, time.Hour, nil)
	w.Cancel()
	if !w.Settled() {
		t.Fatal("Cancel must settle the waiter immediately")
	}
	// A second Cancel (e.g. racing shutdown against a real fulfillment)
	// must not block or panic.
	w.Cancel()
}

func Test_PendingRequest_NetworkRequestRunningFlag(t *testing.T) {
	w := NewPendingRequest(CubeInfo{}, 0, nil)
	if w.IsNetworkRequestRunning() {
		t.Fatal("a fresh waiter has no request in flight")
	}
	w.RequestSentAt("peer-1", time.Now())
	if !w.IsNetworkRequestRunning() {
		t.Fatal("expected RequestSentAt to mark a request as in flight")
	}
	w.ResetNetworkRequest()
	if w.IsNetworkRequestRunning() {
		t.Fatal("expected ResetNetworkRequest to clear the in-flight flag")
	}
}
