package core

import (
	"sync"
	"time"

	"github.com/jabolina/verity/internal/wire"
	"github.com/jabolina/verity/pkg/verity/clock"
	"github.com/jabolina/verity/pkg/verity/contest"
	"github.com/jabolina/verity/pkg/verity/definition"
	"github.com/jabolina/verity/pkg/verity/types"
)

// SchedulerConfig carries the options spec.md §6 names, mirroring the
// teacher's *types.Configuration / DefaultConfiguration(name) shape.
type SchedulerConfig struct {
	LightNode bool

	RequestStrategy RequestStrategy

	RequestInterval         time.Duration
	RequestScaleFactor      int
	RequestTimeout          time.Duration
	InteractiveRequestDelay time.Duration

	RenewSubscriptionsBeforeExpiry time.Duration

	MaxCubesPerMessage int
	MaxKeysPerMessage  int

	RetentionEnabled bool
	Retention        contest.RetentionOptions

	// FullSyncInterval, on a full node, is how often it sends a
	// SequentialStoreSync KeyRequest to every connected full-node peer,
	// the mechanism by which the full-node backbone converges on the
	// same cube set without either side having explicitly requested or
	// subscribed to a given key (spec.md §4.3.4's "full nodes are
	// implicitly subscribed to everything they sync"). Zero disables
	// it; meaningless on a light node.
	FullSyncInterval time.Duration
}

// DefaultSchedulerConfig mirrors the teacher's DefaultConfiguration(name)
// constructor.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		LightNode:                      true,
		RequestStrategy:                RandomStrategy{},
		RequestInterval:                2 * time.Second,
		RequestScaleFactor:             4,
		RequestTimeout:                 5 * time.Second,
		InteractiveRequestDelay:        50 * time.Millisecond,
		RenewSubscriptionsBeforeExpiry: 500 * time.Millisecond,
		MaxCubesPerMessage:             wire.MaxKeysPerMessage,
		MaxKeysPerMessage:              wire.MaxKeysPerMessage,
		RetentionEnabled:               false,
		Retention:                      contest.DefaultRetentionOptions(),
		FullSyncInterval:               time.Second,
	}
}

type cubeRequestMeta struct {
	key     types.CubeKey
	bareKey string
	peerKey string
}

// Scheduler is the retrieval subsystem's core (spec.md §4.3): it owns
// every request/subscription table, paces and batches outbound requests,
// and routes inbound responses to the waiters callers are blocked on.
// Grounded on the teacher's protocol.go Unity.run/poll/process mailbox
// loop and the bitswap session.go / uber-kraken piecerequest.Manager
// dual-indexed bookkeeping named in SPEC_FULL.md's Domain Stack: rather
// than a channel-fed mailbox goroutine, state is guarded by a single
// mutex. The mutex is taken around each read or write of the shared
// tables and released before peers are contacted, timers are armed or
// waiters are awaited, so it is not held for a whole operation and the
// steps of concurrent operations can interleave.
type Scheduler struct {
	mu sync.Mutex

	config SchedulerConfig
	store  types.CubeStore
	codec  types.CubeCodec
	peers  PeerProvider
	log    definition.Logger

	invoker Invoker

	shutdown bool

	requestedCubes map[string]*types.PendingRequest[types.CubeInfo]

	requestedNotifications map[types.NotificationKey]*types.PendingRequest[types.CubeInfo]
	expectedNotifications  map[types.NotificationKey]*types.PendingRequest[types.CubeInfo]

	subscribedCubes         map[string]*types.CubeSubscription
	subscribedNotifications map[string]*types.CubeSubscription

	pendingSubscriptionConfirmations map[string]*types.PendingRequest[wire.SubscriptionConfirmation]

	expectedKeyResponses map[string]*time.Timer

	pacingTimer *clock.ShortenableTimer

	cubeAdded    <-chan types.CubeInfo
	cancelListen func()

	fullSyncDone chan struct{}
}

// NewScheduler builds a Scheduler over store (for validated writes/reads)
// and peers (the connection layer). codec may be nil only if the caller
// never intends to call HandleCubesDelivered (e.g. unit tests exercising
// the request side alone).
func NewScheduler(store types.CubeStore, codec types.CubeCodec, peers PeerProvider, config SchedulerConfig, log definition.Logger) *Scheduler {
	if config.MaxCubesPerMessage <= 0 {
		config.MaxCubesPerMessage = wire.MaxKeysPerMessage
	}
	if config.RequestStrategy == nil {
		config.RequestStrategy = RandomStrategy{}
	}

	s := &Scheduler{
		config:                           config,
		store:                            store,
		codec:                            codec,
		peers:                            peers,
		log:                              log,
		invoker:                          InvokerInstance(),
		requestedCubes:                   make(map[string]*types.PendingRequest[types.CubeInfo]),
		requestedNotifications:           make(map[types.NotificationKey]*types.PendingRequest[types.CubeInfo]),
		expectedNotifications:            make(map[types.NotificationKey]*types.PendingRequest[types.CubeInfo]),
		subscribedCubes:                  make(map[string]*types.CubeSubscription),
		subscribedNotifications:          make(map[string]*types.CubeSubscription),
		pendingSubscriptionConfirmations: make(map[string]*types.PendingRequest[wire.SubscriptionConfirmation]),
		expectedKeyResponses:             make(map[string]*time.Timer),
		fullSyncDone:                     make(chan struct{}),
	}
	s.pacingTimer = clock.NewShortenableTimer(func() {
		s.invoker.Spawn(s.pacingTick)
	})
	s.cubeAdded, s.cancelListen = store.SubscribeCubeAdded()
	s.invoker.Spawn(s.watchLocalStore)
	if !config.LightNode && config.FullSyncInterval > 0 {
		s.invoker.Spawn(s.fullSyncLoop)
	}
	return s
}

// fullSyncLoop is a full node's side of spec.md §4.3.4's "full nodes are
// implicitly subscribed to everything they sync": rather than
// subscribing key by key, a full node periodically asks every connected
// full-node peer for its complete key list via a SequentialStoreSync
// KeyRequest, feeding the replies through the ordinary
// HandleKeysOffered path so new or contest-winning cubes get fetched.
func (s *Scheduler) fullSyncLoop() {
	ticker := time.NewTicker(s.config.FullSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.fullSyncDone:
			return
		case <-ticker.C:
			s.syncWithFullPeers()
		}
	}
}

func (s *Scheduler) syncWithFullPeers() {
	s.mu.Lock()
	shutdown := s.shutdown
	s.mu.Unlock()
	if shutdown {
		return
	}
	for _, peer := range s.peers.FullNodePeers() {
		peer.SendKeyRequest(wire.SequentialStoreSync, nil)
	}
}

// watchLocalStore lets cubes stored through a path other than
// HandleCubesDelivered (e.g. the local application authoring its own
// cube) still settle matching waiters.
func (s *Scheduler) watchLocalStore() {
	for info := range s.cubeAdded {
		s.fulfillCubeWaiters(info)
		s.fulfillNotificationWaiters(info)
	}
}

// --- 4.3.1 requestCube ---

// RequestCube registers (or returns the existing) waiter for key. If
// requestFrom is non-empty, the request is addressed to that specific
// peer and dispatched immediately; otherwise it's queued for the next
// pacing tick.
func (s *Scheduler) RequestCube(key types.CubeKey, requestFrom string) *types.PendingRequest[types.CubeInfo] {
	bareKey := key.String()
	regKey := bareKey
	if requestFrom != "" {
		regKey = requestFrom + "||" + bareKey
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		w := types.NewPendingRequest(types.CubeInfo{}, 0, nil)
		w.Cancel()
		return w
	}
	if w, ok := s.requestedCubes[regKey]; ok {
		s.mu.Unlock()
		return w
	}

	var w *types.PendingRequest[types.CubeInfo]
	w = types.NewPendingRequest(types.CubeInfo{}, s.config.RequestTimeout, func() {
		s.cleanupCubeRequest(w)
	})
	meta := cubeRequestMeta{key: key, bareKey: bareKey}
	if requestFrom != "" {
		meta.peerKey = regKey
	}
	w.Payload = meta

	s.requestedCubes[regKey] = w
	if requestFrom != "" {
		if _, exists := s.requestedCubes[bareKey]; !exists {
			s.requestedCubes[bareKey] = w
		}
	}
	s.mu.Unlock()

	if requestFrom != "" {
		if peer, ok := s.peers.Get(requestFrom); ok {
			w.RequestSentAt(requestFrom, time.Now())
			peer.SendCubeRequest([]types.CubeKey{key})
		}
	} else {
		s.scheduleCubeRequest(s.config.InteractiveRequestDelay)
	}
	return w
}

func (s *Scheduler) cleanupCubeRequest(w *types.PendingRequest[types.CubeInfo]) {
	meta, ok := w.Payload.(cubeRequestMeta)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.requestedCubes[meta.bareKey]; ok && cur == w {
		delete(s.requestedCubes, meta.bareKey)
	}
	if meta.peerKey != "" {
		if cur, ok := s.requestedCubes[meta.peerKey]; ok && cur == w {
			delete(s.requestedCubes, meta.peerKey)
		}
	}
}

func (s *Scheduler) fulfillCubeWaiters(stored types.CubeInfo) {
	s.mu.Lock()
	w, ok := s.requestedCubes[stored.Key.String()]
	s.mu.Unlock()
	if !ok {
		return
	}
	w.Fulfill(stored)
	s.cleanupCubeRequest(w)
}

func (s *Scheduler) fulfillNotificationWaiters(stored types.CubeInfo) {
	if !stored.HasNotify() {
		return
	}
	recipient := *stored.NotifyKey
	s.mu.Lock()
	direct := s.requestedNotifications[recipient]
	indirect := s.expectedNotifications[recipient]
	s.mu.Unlock()
	if direct != nil {
		direct.Fulfill(stored)
		s.cleanupNotificationRequest(recipient, true, direct)
	}
	if indirect != nil {
		indirect.Fulfill(stored)
		s.cleanupNotificationRequest(recipient, false, indirect)
	}
}

func (s *Scheduler) cleanupNotificationRequest(recipient types.NotificationKey, direct bool, w *types.PendingRequest[types.CubeInfo]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.expectedNotifications
	if direct {
		table = s.requestedNotifications
	}
	if cur, ok := table[recipient]; ok && cur == w {
		delete(table, recipient)
	}
}

// scheduleCubeRequest arms the pacing timer, shortening the deadline if
// after is sooner than what's already pending.
func (s *Scheduler) scheduleCubeRequest(after time.Duration) {
	s.mu.Lock()
	shutdown := s.shutdown
	s.mu.Unlock()
	if shutdown {
		return
	}
	s.pacingTimer.Set(after)
}

// --- 4.3.2 pacing timer ---

func (s *Scheduler) pacingTick() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	hasWork := len(s.requestedCubes) > 0 || len(s.requestedNotifications) > 0
	s.mu.Unlock()
	if !hasWork {
		return
	}

	online := s.peers.OnlinePeers()
	candidates := make([]PeerInfo, 0, len(online))
	for _, p := range online {
		candidates = append(candidates, PeerInfo{ID: p.ID(), FullNode: p.Type() == FullNode, Reputation: p.Reputation()})
	}
	peerID, ok := s.config.RequestStrategy.Select(candidates)
	if !ok {
		return
	}
	peer, ok := s.peers.Get(peerID)
	if !ok {
		return
	}
	s.dispatchBatch(peer)

	factor := scaleFactor(len(online), s.config.RequestScaleFactor)
	next := time.Duration(float64(s.config.RequestInterval) * factor)
	s.scheduleCubeRequest(next)
}

// scaleFactor implements spec.md §4.3.2 step 5:
// base + (max-conn-1) * (1-base)/(max-1), base = 1/max.
func scaleFactor(conn, max int) float64 {
	if max <= 1 {
		return 1
	}
	maxF := float64(max)
	base := 1 / maxF
	c := float64(conn)
	if c > maxF-1 {
		c = maxF - 1
	}
	if c < 0 {
		c = 0
	}
	return base + (maxF-c-1)*(1-base)/(maxF-1)
}

// dispatchBatch drains up to MaxCubesPerMessage not-yet-in-flight cube
// and notification requests and dispatches them to peer in one message
// each, per spec.md §4.3.2 step 3-4.
func (s *Scheduler) dispatchBatch(peer *PeerSession) {
	now := time.Now()

	s.mu.Lock()
	var cubeKeys []types.CubeKey
	var cubeWaiters []*types.PendingRequest[types.CubeInfo]
	seen := make(map[*types.PendingRequest[types.CubeInfo]]bool)
	for _, w := range s.requestedCubes {
		if len(cubeKeys) >= s.config.MaxCubesPerMessage {
			break
		}
		if seen[w] || w.IsNetworkRequestRunning() {
			continue
		}
		meta, ok := w.Payload.(cubeRequestMeta)
		if !ok {
			continue
		}
		seen[w] = true
		cubeKeys = append(cubeKeys, meta.key)
		cubeWaiters = append(cubeWaiters, w)
	}

	var notifyKeys []types.NotificationKey
	var notifyWaiters []*types.PendingRequest[types.CubeInfo]
	for k, w := range s.requestedNotifications {
		if len(notifyKeys) >= s.config.MaxCubesPerMessage {
			break
		}
		if w.IsNetworkRequestRunning() {
			continue
		}
		notifyKeys = append(notifyKeys, k)
		notifyWaiters = append(notifyWaiters, w)
	}
	s.mu.Unlock()

	for _, w := range cubeWaiters {
		w.RequestSentAt(peer.ID(), now)
		s.scheduleRetryReset(w)
	}
	for _, w := range notifyWaiters {
		w.RequestSentAt(peer.ID(), now)
		s.scheduleRetryReset(w)
	}

	if len(cubeKeys) > 0 {
		peer.SendCubeRequest(cubeKeys)
	}
	if len(notifyKeys) > 0 {
		peer.SendNotificationRequest(notifyKeys)
	}
}

func (s *Scheduler) scheduleRetryReset(w *types.PendingRequest[types.CubeInfo]) {
	time.AfterFunc(s.config.RequestTimeout, w.ResetNetworkRequest)
}

// --- 4.3.3 requestNotifications ---

// RequestNotifications registers interest in recipient, either directly
// (a NotificationRequest batched by the pacing timer) or indirectly (an
// immediate KeyRequest filtered by recipient, the default).
func (s *Scheduler) RequestNotifications(recipient types.NotificationKey, direct bool) *types.PendingRequest[types.CubeInfo] {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		w := types.NewPendingRequest(types.CubeInfo{}, 0, nil)
		w.Cancel()
		return w
	}

	table := s.expectedNotifications
	if direct {
		table = s.requestedNotifications
	}
	if w, ok := table[recipient]; ok {
		s.mu.Unlock()
		return w
	}
	var w *types.PendingRequest[types.CubeInfo]
	w = types.NewPendingRequest(types.CubeInfo{}, s.config.RequestTimeout, func() {
		s.cleanupNotificationRequest(recipient, direct, w)
	})
	table[recipient] = w
	s.mu.Unlock()

	if direct {
		s.scheduleCubeRequest(s.config.InteractiveRequestDelay)
		return w
	}

	online := s.peers.OnlinePeers()
	candidates := make([]PeerInfo, 0, len(online))
	for _, p := range online {
		candidates = append(candidates, PeerInfo{ID: p.ID(), FullNode: p.Type() == FullNode, Reputation: p.Reputation()})
	}
	peerID, ok := s.config.RequestStrategy.Select(candidates)
	if ok {
		if peer, ok := s.peers.Get(peerID); ok {
			nk := recipient
			peer.SendKeyRequest(NotificationChallengeMode, &wire.KeyFilter{Notifies: &nk})
			s.expectKeyResponse(peerID, s.config.RequestTimeout)
		}
	}
	return w
}

// NotificationChallengeMode is the default indirect-notification key
// request mode (spec.md §6).
const NotificationChallengeMode = wire.NotificationChallenge

func (s *Scheduler) expectKeyResponse(peer string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.expectedKeyResponses[peer]; ok {
		t.Stop()
	}
	s.expectedKeyResponses[peer] = time.AfterFunc(duration, func() {
		s.mu.Lock()
		delete(s.expectedKeyResponses, peer)
		s.mu.Unlock()
	})
}

func (s *Scheduler) isWhitelisted(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.expectedKeyResponses[peer]
	return ok
}

// --- 4.3.4 subscribeCube / subscribeNotifications ---

// SubscribeCube implements spec.md §4.3.4 for cube subscriptions.
func (s *Scheduler) SubscribeCube(key types.CubeKey) (*types.CubeSubscription, bool) {
	return s.subscribe(key.String(), wire.SubscriptionCube, key, types.NotificationKey{}, false)
}

// SubscribeNotifications implements spec.md §4.3.4 for notification
// subscriptions, additionally whitelisting every successful peer via
// expectKeyResponse since notification cube keys are unpredictable.
func (s *Scheduler) SubscribeNotifications(key types.NotificationKey) (*types.CubeSubscription, bool) {
	cubeKey, _ := types.KeyFromBytes(key[:])
	return s.subscribe(key.String(), wire.SubscriptionNotifications, cubeKey, key, false)
}

func (s *Scheduler) subscribe(keyStr string, kind wire.SubscriptionKind, cubeKey types.CubeKey, notifyKey types.NotificationKey, renewal bool) (*types.CubeSubscription, bool) {
	s.mu.Lock()
	if s.shutdown || !s.config.LightNode {
		s.mu.Unlock()
		return nil, false
	}
	table := s.subscribedCubes
	if kind == wire.SubscriptionNotifications {
		table = s.subscribedNotifications
	}
	if !renewal {
		if _, exists := table[keyStr]; exists {
			s.mu.Unlock()
			return nil, false
		}
	}
	fullPeers := s.peers.FullNodePeers()
	s.mu.Unlock()

	if len(fullPeers) == 0 {
		return nil, false
	}

	results := make([]subscribeOutcome, len(fullPeers))
	var wg sync.WaitGroup
	for i, peer := range fullPeers {
		i, peer := i, peer
		wg.Add(1)
		s.invoker.Spawn(func() {
			defer wg.Done()
			results[i] = s.requestSubscriptionFrom(peer, keyStr, kind, cubeKey, notifyKey)
		})
	}
	wg.Wait()

	var peerIDs []string
	var minDur time.Duration
	for _, r := range results {
		if r.peer == "" || !r.ok {
			continue
		}
		peerIDs = append(peerIDs, r.peer)
		d := time.Duration(r.conf.Duration) * time.Millisecond
		if minDur == 0 || d < minDur {
			minDur = d
		}
		if rs, ok := s.peers.Get(r.peer); ok {
			rs.RecordOutboundSubscription(keyStr, time.Now().Add(d))
		}
	}
	if len(peerIDs) == 0 {
		return nil, false
	}

	var sub *types.CubeSubscription
	sub = types.NewCubeSubscription(cubeKey, peerIDs, minDur, func() {
		s.onSubscriptionExpired(keyStr, kind, sub)
	})

	s.mu.Lock()
	table[keyStr] = sub
	s.mu.Unlock()

	if kind == wire.SubscriptionNotifications {
		for _, p := range peerIDs {
			s.expectKeyResponse(p, minDur)
		}
	}

	s.scheduleRenewal(keyStr, kind, cubeKey, notifyKey, sub, minDur)
	return sub, true
}

// subscribeOutcome is one full-node peer's answer to a subscribe
// message: ok is true only if it confirmed success for the exact key
// blob sent.
type subscribeOutcome struct {
	peer string
	conf wire.SubscriptionConfirmation
	ok   bool
}

func (s *Scheduler) requestSubscriptionFrom(peer *PeerSession, keyStr string, kind wire.SubscriptionKind, cubeKey types.CubeKey, notifyKey types.NotificationKey) subscribeOutcome {
	w := types.NewPendingRequest(wire.SubscriptionConfirmation{}, s.config.RequestTimeout, nil)
	confirmKey := peer.ID() + "||" + keyStr
	s.mu.Lock()
	s.pendingSubscriptionConfirmations[confirmKey] = w
	s.mu.Unlock()

	var err error
	if kind == wire.SubscriptionCube {
		err = peer.SendSubscribeCube([]types.CubeKey{cubeKey})
	} else {
		err = peer.SendSubscribeNotifications([]types.NotificationKey{notifyKey})
	}
	if err != nil {
		s.mu.Lock()
		delete(s.pendingSubscriptionConfirmations, confirmKey)
		s.mu.Unlock()
		return subscribeOutcome{}
	}

	conf := w.Wait()
	ok := conf.Success && string(conf.RequestedKeyBlob) == keyStr
	return subscribeOutcome{peer: peer.ID(), conf: conf, ok: ok}
}

func (s *Scheduler) scheduleRenewal(keyStr string, kind wire.SubscriptionKind, cubeKey types.CubeKey, notifyKey types.NotificationKey, sub *types.CubeSubscription, duration time.Duration) {
	half := duration / 2
	beforeExpiry := duration - s.config.RenewSubscriptionsBeforeExpiry
	renewAfter := half
	if beforeExpiry > renewAfter {
		renewAfter = beforeExpiry
	}
	if renewAfter <= 0 {
		return
	}
	time.AfterFunc(renewAfter, func() {
		table := s.subscribedCubes
		if kind == wire.SubscriptionNotifications {
			table = s.subscribedNotifications
		}
		s.mu.Lock()
		cur, ok := table[keyStr]
		stillCurrent := ok && cur == sub
		s.mu.Unlock()
		if stillCurrent && sub.ShouldRenew() {
			s.subscribe(keyStr, kind, cubeKey, notifyKey, true)
		}
	})
}

func (s *Scheduler) onSubscriptionExpired(keyStr string, kind wire.SubscriptionKind, sub *types.CubeSubscription) {
	table := s.subscribedCubes
	if kind == wire.SubscriptionNotifications {
		table = s.subscribedNotifications
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := table[keyStr]; ok && cur == sub {
		delete(table, keyStr)
	}
}

// CancelCubeSubscription clears shallRenew on the active subscription for
// key, if any; the current period still runs to completion (spec.md §9:
// no remote-cancel protocol).
func (s *Scheduler) CancelCubeSubscription(key types.CubeKey) {
	s.mu.Lock()
	sub, ok := s.subscribedCubes[key.String()]
	s.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// CancelNotificationSubscription is CancelCubeSubscription's counterpart
// for notification subscriptions.
func (s *Scheduler) CancelNotificationSubscription(key types.NotificationKey) {
	s.mu.Lock()
	sub, ok := s.subscribedNotifications[key.String()]
	s.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// --- 4.3.5 handleKeysOffered ---

// HandleKeysOffered implements spec.md §4.3.5: drop cubes that fail
// retention, drop (on a light node) anything not already wanted, then
// requestCube anything new or that would win contest against what's
// stored, piggybacking the follow-up dispatch on the offering peer.
func (s *Scheduler) HandleKeysOffered(infos []types.CubeInfo, from string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	epoch := uint64(time.Now().Unix())
	var fetchedAny bool
	for _, info := range infos {
		if s.config.RetentionEnabled && !contest.ShouldRetain(info.Date, info.Difficulty, epoch, s.config.Retention) {
			continue
		}
		if s.config.LightNode && !s.isWanted(info.Key, from) {
			continue
		}
		existing, has := s.store.GetCubeInfo(info.Key)
		if !has || (!existing.Equal(info) && contest.Contest(existing, info).Equal(info)) {
			s.RequestCube(info.Key, "")
			fetchedAny = true
		}
	}
	if fetchedAny {
		if peer, ok := s.peers.Get(from); ok {
			s.dispatchBatch(peer)
		}
	}
}

func (s *Scheduler) isWanted(key types.CubeKey, from string) bool {
	keyStr := key.String()
	s.mu.Lock()
	_, requested := s.requestedCubes[keyStr]
	_, subscribed := s.subscribedCubes[keyStr]
	s.mu.Unlock()
	return requested || subscribed || s.isWhitelisted(from)
}

// --- 4.3.6 handleCubesDelivered ---

// HandleCubesDelivered implements spec.md §4.3.6: decode and validate
// via CubeCodec, apply the light-node acceptance filter, store
// (never auto-incrementing a peer-supplied PMUC), credit the offering
// peer's reputation on success, and fulfill matching waiters.
func (s *Scheduler) HandleCubesDelivered(raw [][]byte, from string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.codec == nil {
		s.log.Warnf("cubes delivered from %s but no codec configured, dropping %d cube(s)", from, len(raw))
		return
	}

	peer, _ := s.peers.Get(from)
	for _, b := range raw {
		cube, err := s.codec.Decode(b)
		if err != nil {
			s.log.Debugf("dropping invalid cube from %s: %v", from, err)
			continue
		}
		if s.config.LightNode && !s.acceptableOnLightNode(cube.Info) {
			continue
		}
		info, ok, isNew := s.store.AddCube(cube, types.AddOptions{AutoIncrementPmuc: false})
		if !ok {
			continue
		}
		if peer != nil && isNew {
			peer.ScoreReceivedCube(info.Difficulty)
		}
		s.fulfillCubeWaiters(info)
		s.fulfillNotificationWaiters(info)
	}
}

func (s *Scheduler) acceptableOnLightNode(info types.CubeInfo) bool {
	keyStr := info.Key.String()
	s.mu.Lock()
	_, requestedCube := s.requestedCubes[keyStr]
	_, subscribedCube := s.subscribedCubes[keyStr]
	var notifyWanted bool
	if info.HasNotify() {
		_, direct := s.requestedNotifications[*info.NotifyKey]
		_, indirect := s.expectedNotifications[*info.NotifyKey]
		_, subNotify := s.subscribedNotifications[info.NotifyKey.String()]
		notifyWanted = direct || indirect || subNotify
	}
	s.mu.Unlock()
	return requestedCube || subscribedCube || notifyWanted
}

// --- 4.3.7 handleSubscriptionConfirmation ---

// HandleSubscriptionConfirmation implements spec.md §4.3.7: look up
// first under (peerId||keyBlob), falling back to keyBlob alone.
func (s *Scheduler) HandleSubscriptionConfirmation(conf wire.SubscriptionConfirmation, from string) {
	blob := string(conf.RequestedKeyBlob)
	primary := from + "||" + blob

	s.mu.Lock()
	w, ok := s.pendingSubscriptionConfirmations[primary]
	if ok {
		delete(s.pendingSubscriptionConfirmations, primary)
	} else if w, ok = s.pendingSubscriptionConfirmations[blob]; ok {
		delete(s.pendingSubscriptionConfirmations, blob)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warnf("subscription confirmation from %s matches no pending request, dropping", from)
		return
	}
	w.Fulfill(conf)
}

// HandlePeerClosed is the scheduler side of the PeerSession failure
// model (spec.md §4.2): it logs the loss and drops the peer's
// key-response whitelist entry. Subscriptions hosted at peer are not
// expired early: each CubeSubscription tracks its confirmations as a
// single effective-duration lease, which keeps running until its renewal
// timer fires; the renewal then subscribes through the full-node peers
// still connected, and pacing-timer candidate selection stops offering
// the closed peer once the node has removed its session.
func (s *Scheduler) HandlePeerClosed(peer string) {
	s.log.Infof("peer %s disconnected", peer)
	s.mu.Lock()
	delete(s.expectedKeyResponses, peer)
	s.mu.Unlock()
}

// --- 4.3.8 shutdown ---

// Shutdown implements spec.md §4.3.8: reject subsequent public calls,
// clear the pacing timer and the key-response whitelist timers, stop the
// full-sync loop, resolve every outstanding waiter with its sentinel, and
// detach the cubeAdded listener. Pending renewal and retry-reset timers
// are not stopped; when they fire after shutdown they change nothing.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true

	cubeWaiters := make([]*types.PendingRequest[types.CubeInfo], 0, len(s.requestedCubes))
	seen := make(map[*types.PendingRequest[types.CubeInfo]]bool)
	for _, w := range s.requestedCubes {
		if !seen[w] {
			seen[w] = true
			cubeWaiters = append(cubeWaiters, w)
		}
	}
	for _, w := range s.requestedNotifications {
		if !seen[w] {
			seen[w] = true
			cubeWaiters = append(cubeWaiters, w)
		}
	}
	for _, w := range s.expectedNotifications {
		if !seen[w] {
			seen[w] = true
			cubeWaiters = append(cubeWaiters, w)
		}
	}
	s.requestedCubes = make(map[string]*types.PendingRequest[types.CubeInfo])
	s.requestedNotifications = make(map[types.NotificationKey]*types.PendingRequest[types.CubeInfo])
	s.expectedNotifications = make(map[types.NotificationKey]*types.PendingRequest[types.CubeInfo])

	confirmWaiters := make([]*types.PendingRequest[wire.SubscriptionConfirmation], 0, len(s.pendingSubscriptionConfirmations))
	for _, w := range s.pendingSubscriptionConfirmations {
		confirmWaiters = append(confirmWaiters, w)
	}
	s.pendingSubscriptionConfirmations = make(map[string]*types.PendingRequest[wire.SubscriptionConfirmation])

	subs := make([]*types.CubeSubscription, 0, len(s.subscribedCubes)+len(s.subscribedNotifications))
	for _, sub := range s.subscribedCubes {
		subs = append(subs, sub)
	}
	for _, sub := range s.subscribedNotifications {
		subs = append(subs, sub)
	}

	for _, t := range s.expectedKeyResponses {
		t.Stop()
	}
	s.expectedKeyResponses = make(map[string]*time.Timer)
	s.mu.Unlock()

	s.pacingTimer.Clear()
	close(s.fullSyncDone)

	for _, w := range cubeWaiters {
		w.Cancel()
	}
	for _, w := range confirmWaiters {
		w.Cancel()
	}
	for _, sub := range subs {
		sub.Cancel()
		sub.ForceExpire()
	}

	s.cancelListen()
}
