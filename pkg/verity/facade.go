package verity

import (
	"time"

	"github.com/jabolina/verity/pkg/verity/core"
	"github.com/jabolina/verity/pkg/verity/stream"
	"github.com/jabolina/verity/pkg/verity/types"
)

// bridgeCapacity bounds how many unconsumed values a SubscribeCube or
// SubscribeNotifications sequence buffers before dropping the oldest.
const bridgeCapacity = 32

// RetrievalFacade is the user-facing read API (spec.md §4.4): unified
// "get from local store or fetch from network" for single cubes,
// notifications, and update streams, adapting CubeStore's event streams
// into cancellable sequences.
type RetrievalFacade struct {
	store     types.CubeStore
	scheduler *core.Scheduler
}

// NewRetrievalFacade builds a facade over store and scheduler. Callers
// typically get both from a single Node (Node.Store, Node.Scheduler).
func NewRetrievalFacade(store types.CubeStore, scheduler *core.Scheduler) *RetrievalFacade {
	return &RetrievalFacade{store: store, scheduler: scheduler}
}

// GetCubeInfo returns key's metadata from the local store if present,
// otherwise requests it from the network and blocks until it arrives or
// the request times out (returning the zero CubeInfo, ok=false).
func (f *RetrievalFacade) GetCubeInfo(key types.CubeKey) (types.CubeInfo, bool) {
	if info, ok := f.store.GetCubeInfo(key); ok {
		return info, true
	}
	w := f.scheduler.RequestCube(key, "")
	info := w.Wait()
	if info.Key.IsZero() {
		return types.CubeInfo{}, false
	}
	return info, true
}

// GetCube is GetCubeInfo's counterpart returning the full binary record.
// Neither call refreshes a stale MUC/PMUC already in the store — a
// caller wanting freshness must Subscribe or explicitly re-request.
func (f *RetrievalFacade) GetCube(key types.CubeKey) (types.Cube, bool) {
	if cube, ok := f.store.GetCube(key); ok {
		return cube, true
	}
	w := f.scheduler.RequestCube(key, "")
	info := w.Wait()
	if info.Key.IsZero() {
		return types.Cube{}, false
	}
	return f.store.GetCube(key)
}

// SubscribeCube returns a cancellable stream of every future version of
// key stored locally (via network subscription or otherwise). The
// CubeStore event filter is installed before the network subscription
// is initiated, so a delivery that lands the instant the subscription
// is confirmed can't race past an unsubscribed listener.
func (f *RetrievalFacade) SubscribeCube(key types.CubeKey) (<-chan types.Cube, func()) {
	added, cancelStore := f.store.SubscribeCubeAdded()
	bridge := stream.NewBridge[types.Cube](bridgeCapacity)
	done := make(chan struct{})

	core.InvokerInstance().Spawn(func() {
		for {
			select {
			case <-done:
				return
			case info := <-added:
				if info.Key != key {
					continue
				}
				if cube, ok := f.store.GetCube(info.Key); ok {
					bridge.Publish(cube)
				}
			}
		}
	})

	f.scheduler.SubscribeCube(key)

	cancel := func() {
		close(done)
		cancelStore()
		bridge.Cancel()
	}
	return bridge.C(), cancel
}

// SubscribeNotifications is SubscribeCube's counterpart for a
// notification recipient key.
func (f *RetrievalFacade) SubscribeNotifications(recipient types.NotificationKey) (<-chan types.Cube, func()) {
	added, cancelStore := f.store.SubscribeNotificationAdded()
	bridge := stream.NewBridge[types.Cube](bridgeCapacity)
	done := make(chan struct{})

	core.InvokerInstance().Spawn(func() {
		for {
			select {
			case <-done:
				return
			case evt := <-added:
				if evt.Recipient != recipient {
					continue
				}
				bridge.Publish(evt.Cube)
			}
		}
	})

	f.scheduler.SubscribeNotifications(recipient)

	cancel := func() {
		close(done)
		cancelStore()
		bridge.Cancel()
	}
	return bridge.C(), cancel
}

// CancelCubeSubscription stops renewing key's network subscription
// (spec.md §9: no remote-cancel protocol, the current period still runs
// to completion).
func (f *RetrievalFacade) CancelCubeSubscription(key types.CubeKey) {
	f.scheduler.CancelCubeSubscription(key)
}

// CancelNotificationSubscription is CancelCubeSubscription's counterpart.
func (f *RetrievalFacade) CancelNotificationSubscription(key types.NotificationKey) {
	f.scheduler.CancelNotificationSubscription(key)
}

// GetNotifications yields every locally stored cube matching recipient,
// then a live filter of newly stored matches, driven by one
// requestNotifications round-trip; the filter closes ~100ms after that
// request resolves, giving buffered deliveries time to drain (spec.md
// §4.4).
func (f *RetrievalFacade) GetNotifications(recipient types.NotificationKey) <-chan types.Cube {
	out := make(chan types.Cube, bridgeCapacity)

	core.InvokerInstance().Spawn(func() {
		defer close(out)

		if lookup, ok := f.store.(types.NotifyLookup); ok {
			for _, c := range lookup.GetCubesByNotify(recipient) {
				out <- c
			}
		}

		added, cancelStore := f.store.SubscribeNotificationAdded()
		defer cancelStore()

		w := f.scheduler.RequestNotifications(recipient, false)
		resolved := make(chan struct{})
		core.InvokerInstance().Spawn(func() {
			w.Wait()
			close(resolved)
		})

		for {
			select {
			case evt := <-added:
				if evt.Recipient == recipient {
					out <- evt.Cube
				}
			case <-resolved:
				grace := time.After(100 * time.Millisecond)
				for {
					select {
					case evt := <-added:
						if evt.Recipient == recipient {
							out <- evt.Cube
						}
					case <-grace:
						return
					}
				}
			}
		}
	})

	return out
}
