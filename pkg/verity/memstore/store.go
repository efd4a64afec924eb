// Package memstore implements spec.md §6's CubeStore interface as a
// mutex-guarded in-memory map, grounded on the teacher's
// pkg/mcast/types/state_machine.go InMemoryStateMachine and
// pkg/mcast/types/storage.go Storage interface (same "map guarded by a
// mutex, Set/Get" shape), generalized to cube variants and wired to
// contest.Contest for conflict resolution instead of the teacher's
// append-only command log.
package memstore

import (
	"sync"

	"github.com/jabolina/verity/pkg/verity/contest"
	"github.com/jabolina/verity/pkg/verity/types"
)

// Store is the default, in-memory CubeStore implementation used to
// exercise the end-to-end scenarios in spec.md §8. Production
// deployments are expected to supply their own persistent CubeStore;
// this one keeps nothing on disk.
type Store struct {
	mu sync.RWMutex

	cubes         map[types.CubeKey]types.Cube
	notifications map[types.NotificationKey][]types.CubeKey

	cubeListeners []chan types.CubeInfo
	notifyListeners []chan types.NotificationEvent

	expecters map[types.CubeKey][]*types.PendingRequest[types.CubeInfo]
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		cubes:         make(map[types.CubeKey]types.Cube),
		notifications: make(map[types.NotificationKey][]types.CubeKey),
		expecters:     make(map[types.CubeKey][]*types.PendingRequest[types.CubeInfo]),
	}
}

// AddCube implements types.CubeStore.
func (s *Store) AddCube(cube types.Cube, opts types.AddOptions) (types.CubeInfo, bool, bool) {
	s.mu.Lock()

	info := cube.Info
	if existing, ok := s.cubes[info.Key]; ok {
		if info.Variant == types.PMUC && opts.AutoIncrementPmuc {
			info.UpdateCount = existing.Info.UpdateCount + 1
			cube.Info = info
		}
		if existing.Info.Equal(info) {
			// Already have this exact cube; idempotent no-op, nothing new stored.
			s.mu.Unlock()
			return existing.Info, true, false
		}
		winner := contest.Contest(existing.Info, info)
		if winner.Equal(existing.Info) {
			// Existing value won contest; reject the incoming cube.
			s.mu.Unlock()
			return types.CubeInfo{}, false, false
		}
	}

	s.cubes[info.Key] = cube
	if info.HasNotify() {
		s.notifications[*info.NotifyKey] = append(s.notifications[*info.NotifyKey], info.Key)
	}

	listeners := append([]chan types.CubeInfo(nil), s.cubeListeners...)
	notifyListeners := append([]chan types.NotificationEvent(nil), s.notifyListeners...)
	waiters := s.expecters[info.Key]
	delete(s.expecters, info.Key)

	s.mu.Unlock()

	for _, ch := range listeners {
		nonBlockingSend(ch, info)
	}
	if info.HasNotify() {
		for _, ch := range notifyListeners {
			nonBlockingSendNotify(ch, types.NotificationEvent{Recipient: *info.NotifyKey, Cube: cube})
		}
	}
	for _, w := range waiters {
		w.Fulfill(info)
	}

	return info, true, true
}

// GetCube implements types.CubeStore.
func (s *Store) GetCube(key types.CubeKey) (types.Cube, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cubes[key]
	return c, ok
}

// GetCubeInfo implements types.CubeStore.
func (s *Store) GetCubeInfo(key types.CubeKey) (types.CubeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cubes[key]
	return c.Info, ok
}

// HasCube implements types.CubeStore.
func (s *Store) HasCube(key types.CubeKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cubes[key]
	return ok
}

// GetNumberOfStoredCubes implements types.CubeStore.
func (s *Store) GetNumberOfStoredCubes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cubes)
}

// SubscribeCubeAdded implements types.CubeStore.
func (s *Store) SubscribeCubeAdded() (<-chan types.CubeInfo, func()) {
	ch := make(chan types.CubeInfo, 64)
	s.mu.Lock()
	s.cubeListeners = append(s.cubeListeners, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.cubeListeners {
			if l == ch {
				s.cubeListeners = append(s.cubeListeners[:i], s.cubeListeners[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// SubscribeNotificationAdded implements types.CubeStore.
func (s *Store) SubscribeNotificationAdded() (<-chan types.NotificationEvent, func()) {
	ch := make(chan types.NotificationEvent, 64)
	s.mu.Lock()
	s.notifyListeners = append(s.notifyListeners, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.notifyListeners {
			if l == ch {
				s.notifyListeners = append(s.notifyListeners[:i], s.notifyListeners[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// ExpectCube implements types.CubeStore.
func (s *Store) ExpectCube(key types.CubeKey) *types.PendingRequest[types.CubeInfo] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cubes[key]; ok {
		w := types.NewPendingRequest(types.CubeInfo{}, 0, nil)
		w.Fulfill(c.Info)
		return w
	}
	w := types.NewPendingRequest(types.CubeInfo{}, 0, nil)
	s.expecters[key] = append(s.expecters[key], w)
	return w
}

// GetCubesByNotify implements types.NotifyLookup, letting PeerSession
// serve direct NotificationRequest messages.
func (s *Store) GetCubesByNotify(key types.NotificationKey) []types.Cube {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.notifications[key]
	if len(keys) == 0 {
		return nil
	}
	out := make([]types.Cube, 0, len(keys))
	for _, k := range keys {
		if c, ok := s.cubes[k]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ListCubeInfos implements types.Lister, letting PeerSession serve
// KeyRequest messages in SequentialStoreSync/ExpressSync mode.
func (s *Store) ListCubeInfos() []types.CubeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.CubeInfo, 0, len(s.cubes))
	for _, c := range s.cubes {
		out = append(out, c.Info)
	}
	return out
}

func nonBlockingSend(ch chan types.CubeInfo, v types.CubeInfo) {
	select {
	case ch <- v:
	default:
	}
}

func nonBlockingSendNotify(ch chan types.NotificationEvent, v types.NotificationEvent) {
	select {
	case ch <- v:
	default:
	}
}
