package core

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/verity/internal/wire"
	"github.com/jabolina/verity/pkg/verity/definition"
	"github.com/jabolina/verity/pkg/verity/types"
)

// DefaultSubscriptionPeriod is how long an inbound subscription this
// session serves stays live before the remote must renew it, per
// spec.md §4.3.4. Overridable via PeerSessionConfig for tests that need
// a short period to exercise renewal/expiry without sleeping for real
// minutes.
const DefaultSubscriptionPeriod = 10 * time.Minute

// Handler is the callback surface a PeerSession forwards decoded inbound
// protocol events to. RequestScheduler implements it; keeping it as an
// interface (rather than a *Scheduler field) lets a session be unit
// tested with a stub.
type Handler interface {
	HandleKeysOffered(infos []types.CubeInfo, from string)
	HandleCubesDelivered(cubes [][]byte, from string)
	HandleSubscriptionConfirmation(conf wire.SubscriptionConfirmation, from string)
	HandlePeerClosed(peer string)
}

// PeerSessionConfig configures a PeerSession's behavior that spec.md
// leaves to the implementation: subscription period and mailbox sizing.
type PeerSessionConfig struct {
	SubscriptionPeriod time.Duration
	MailboxSize        int
}

// DefaultPeerSessionConfig returns sane defaults.
func DefaultPeerSessionConfig() PeerSessionConfig {
	return PeerSessionConfig{
		SubscriptionPeriod: DefaultSubscriptionPeriod,
		MailboxSize:        32,
	}
}

type inboundSub struct {
	kind    wire.SubscriptionKind
	expires time.Time
}

// PeerSession is the per-remote-peer state and protocol logic the
// retrieval subsystem keeps for one established connection (spec.md
// §4.2). Grounded on the teacher's pkg/mcast/core/peer.go Peer: a
// mutex-guarded struct, an Invoker-spawned poll loop reading off a
// mailbox, and a process method dispatching on message class — here
// generalized from GM-Cast message states to the retrieval subsystem's
// request/response/subscribe message classes, and from a single shared
// transport.Listen() to a per-session inbound mailbox fed by whatever
// demultiplexes the node's shared Transport by peer id.
type PeerSession struct {
	mu sync.Mutex

	id       string
	nodeType NodeType
	config   PeerSessionConfig

	transport wire.Transport
	store     types.CubeStore
	handler   Handler
	log       definition.Logger
	invoker   Invoker

	inbound  chan wire.InboundFrame
	outbound chan wire.Frame

	reputation int

	// outboundSubs holds the keys (string-formatted CubeKey/NotificationKey)
	// the remote has accepted a subscription for from us, with the
	// confirmed expiry.
	outboundSubs map[string]time.Time

	// inboundSubs holds the keys the remote has asked this node to push
	// updates for, alongside which kind of subscription it is.
	inboundSubs map[string]inboundSub

	cubeAdded    <-chan types.CubeInfo
	cancelCube   func()
	notifyAdded  <-chan types.NotificationEvent
	cancelNotify func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NodeType distinguishes a full node (stores everything, serves all
// requests) from a light node (stores a subset, per spec.md §3).
type NodeType int

const (
	LightNode NodeType = iota
	FullNode
)

// NewPeerSession builds a session for the connection to peer id, backed
// by the node's shared transport and local store, forwarding decoded
// inbound events to handler.
func NewPeerSession(id string, nodeType NodeType, transport wire.Transport, store types.CubeStore, handler Handler, log definition.Logger, cfg PeerSessionConfig) *PeerSession {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 32
	}
	if cfg.SubscriptionPeriod <= 0 {
		cfg.SubscriptionPeriod = DefaultSubscriptionPeriod
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &PeerSession{
		id:           id,
		nodeType:     nodeType,
		config:       cfg,
		transport:    transport,
		store:        store,
		handler:      handler,
		log:          log,
		invoker:      InvokerInstance(),
		inbound:      make(chan wire.InboundFrame, cfg.MailboxSize),
		outbound:     make(chan wire.Frame, cfg.MailboxSize),
		outboundSubs: make(map[string]time.Time),
		inboundSubs:  make(map[string]inboundSub),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.cubeAdded, s.cancelCube = store.SubscribeCubeAdded()
	s.notifyAdded, s.cancelNotify = store.SubscribeNotificationAdded()

	s.invoker.Spawn(s.poll)
	s.invoker.Spawn(s.drain)
	s.invoker.Spawn(s.serveLocalEvents)
	return s
}

// ID returns the remote peer's identity.
func (s *PeerSession) ID() string { return s.id }

// Type reports the remote peer's declared kind.
func (s *PeerSession) Type() NodeType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeType
}

// Deliver hands an inbound frame addressed to this session to its
// mailbox. Called by whatever demultiplexes the node's shared
// Transport.Frames() by peer id. Non-blocking: a full mailbox drops the
// frame and logs, matching the subsystem's "never retries itself"
// failure model (spec.md §4.2).
func (s *PeerSession) Deliver(f wire.InboundFrame) {
	select {
	case s.inbound <- f:
	default:
		s.log.Warnf("peer session %s mailbox full, dropping frame tag %d", s.id, f.Tag)
	}
}

// Close tears the session down: stops the poll/drain/event loops and
// cancels any store subscriptions it opened to serve inbound pushes.
func (s *PeerSession) Close() {
	s.cancel()
	s.cancelCube()
	s.cancelNotify()
}

func (s *PeerSession) poll() {
	defer s.log.Debugf("closing peer session %s", s.id)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-s.inbound:
			if !ok {
				return
			}
			s.invoker.Spawn(func() {
				s.process(f)
			})
		}
	}
}

func (s *PeerSession) drain() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.transport.Send(s.ctx, s.id, f); err != nil {
				s.log.Warnf("send to peer %s failed: %v", s.id, err)
			}
		}
	}
}

// serveLocalEvents pushes freshly stored cubes/notifications to whichever
// keys this peer has subscribed to from us (the full-node serving path,
// spec.md §4.3.5).
func (s *PeerSession) serveLocalEvents() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case info, ok := <-s.cubeAdded:
			if !ok {
				return
			}
			s.pushIfSubscribedCube(info)
			s.announceCube(info)
		case evt, ok := <-s.notifyAdded:
			if !ok {
				return
			}
			s.pushIfSubscribedNotify(evt)
		}
	}
}

// announceCube tells this peer about a cube that just appeared in the
// local store, regardless of any standing subscription: an unsolicited
// single-entry KeyResponse, fed through the peer's ordinary
// HandleKeysOffered path on arrival. This is how content crosses a link
// with no prior subscription on it at all — the mechanism spec.md
// §4.3.4 assumes when it says a full node is "implicitly subscribed to
// everything" its full-node peers store: nothing actually reaches a
// peer unless someone tells it the key exists, so every session
// announces its own node's newly-stored cubes outward (spec.md §4.2's
// "serving subscribers" path, generalized from subscribed-only to
// always-on for this one notification).
func (s *PeerSession) announceCube(info types.CubeInfo) {
	s.enqueue(wire.TagKeyResponse, 0, wire.KeyResponse{
		Mode:      wire.ExpressSync,
		CubeInfos: []types.CubeInfo{info},
	})
}

func (s *PeerSession) pushIfSubscribedCube(info types.CubeInfo) {
	s.mu.Lock()
	sub, ok := s.inboundSubs[info.Key.String()]
	s.mu.Unlock()
	if !ok || sub.kind != wire.SubscriptionCube {
		return
	}
	if time.Now().After(sub.expires) {
		return
	}
	cube, ok := s.store.GetCube(info.Key)
	if !ok {
		return
	}
	s.enqueue(wire.TagCubeResponse, 1, wire.CubeResponse{Cubes: [][]byte{cube.Raw[:]}})
}

func (s *PeerSession) pushIfSubscribedNotify(evt types.NotificationEvent) {
	s.mu.Lock()
	sub, ok := s.inboundSubs[evt.Recipient.String()]
	s.mu.Unlock()
	if !ok || sub.kind != wire.SubscriptionNotifications {
		return
	}
	if time.Now().After(sub.expires) {
		return
	}
	s.enqueue(wire.TagKeyResponse, 1, wire.KeyResponse{
		Mode:      wire.ExpressSync,
		CubeInfos: []types.CubeInfo{evt.Cube.Info},
	})
}

// --- outbound operations (spec.md §4.2 operation table) ---

// SendCubeRequest asks this peer for the binary cubes identified by keys.
func (s *PeerSession) SendCubeRequest(keys []types.CubeKey) error {
	return s.enqueue(wire.TagCubeRequest, len(keys), wire.CubeRequest{Keys: keys})
}

// SendNotificationRequest asks this peer for cubes carrying any of the
// given NOTIFY keys (direct notification mode, spec.md §4.3.3).
func (s *PeerSession) SendNotificationRequest(keys []types.NotificationKey) error {
	return s.enqueue(wire.TagNotificationRequest, len(keys), wire.NotificationRequest{RecipientKeys: keys})
}

// SendKeyRequest asks this peer to offer CubeInfo matching mode/filter.
func (s *PeerSession) SendKeyRequest(mode wire.KeyRequestMode, filter *wire.KeyFilter) error {
	return s.enqueue(wire.TagKeyRequest, 0, wire.KeyRequest{Mode: mode, Filter: filter})
}

// SendSubscribeCube asks this peer to push future updates to keys.
func (s *PeerSession) SendSubscribeCube(keys []types.CubeKey) error {
	return s.enqueue(wire.TagSubscribeCube, len(keys), wire.SubscribeCube{Keys: keys, Kind: wire.SubscriptionCube})
}

// SendSubscribeNotifications asks this peer to push notifications for keys.
func (s *PeerSession) SendSubscribeNotifications(keys []types.NotificationKey) error {
	return s.enqueue(wire.TagSubscribeNotifications, len(keys), wire.SubscribeNotifications{Keys: keys})
}

// RecordOutboundSubscription marks key as accepted by the remote until
// expires, called by the scheduler once a SubscriptionConfirmation with
// Success=true arrives.
func (s *PeerSession) RecordOutboundSubscription(key string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundSubs[key] = expires
}

// ScoreReceivedCube nudges this peer's reputation up in proportion to
// the difficulty of a cube it successfully delivered (spec.md §9's
// "reputation only on store-accepted deliveries" resolution — the
// scheduler only calls this after CubeStore.AddCube reports stored=true,
// never for an exact duplicate).
func (s *PeerSession) ScoreReceivedCube(difficulty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputation += 1 + difficulty
}

// Reputation returns this peer's current score, used by ReputationStrategy.
func (s *PeerSession) Reputation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reputation
}

func (s *PeerSession) enqueue(tag wire.MessageTag, keyCount int, msg any) error {
	f, err := wire.EncodeMessage(tag, keyCount, msg)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- f:
	default:
		s.log.Warnf("peer session %s send queue full, dropping tag %d", s.id, tag)
	}
	return nil
}

// --- inbound dispatch ---

func (s *PeerSession) process(f wire.InboundFrame) {
	switch f.Tag {
	case wire.TagKeyResponse:
		var msg wire.KeyResponse
		if err := wire.Decode(f.Frame, &msg); err != nil {
			s.log.Warnf("peer %s: decode KeyResponse: %v", s.id, err)
			return
		}
		s.handler.HandleKeysOffered(msg.CubeInfos, s.id)
	case wire.TagCubeResponse:
		var msg wire.CubeResponse
		if err := wire.Decode(f.Frame, &msg); err != nil {
			s.log.Warnf("peer %s: decode CubeResponse: %v", s.id, err)
			return
		}
		s.handler.HandleCubesDelivered(msg.Cubes, s.id)
	case wire.TagSubscriptionConfirmation:
		var msg wire.SubscriptionConfirmation
		if err := wire.Decode(f.Frame, &msg); err != nil {
			s.log.Warnf("peer %s: decode SubscriptionConfirmation: %v", s.id, err)
			return
		}
		s.handler.HandleSubscriptionConfirmation(msg, s.id)
	case wire.TagCubeRequest:
		s.serveCubeRequest(f)
	case wire.TagNotificationRequest:
		s.serveNotificationRequest(f)
	case wire.TagKeyRequest:
		s.serveKeyRequest(f)
	case wire.TagSubscribeCube:
		s.serveSubscribeCube(f)
	case wire.TagSubscribeNotifications:
		s.serveSubscribeNotifications(f)
	default:
		s.log.Warnf("peer %s: unknown frame tag %d", s.id, f.Tag)
	}
}

func (s *PeerSession) serveCubeRequest(f wire.InboundFrame) {
	var msg wire.CubeRequest
	if err := wire.Decode(f.Frame, &msg); err != nil {
		s.log.Warnf("peer %s: decode CubeRequest: %v", s.id, err)
		return
	}
	var cubes [][]byte
	for _, k := range msg.Keys {
		if c, ok := s.store.GetCube(k); ok {
			cubes = append(cubes, append([]byte(nil), c.Raw[:]...))
		}
	}
	if len(cubes) == 0 {
		return
	}
	s.enqueue(wire.TagCubeResponse, len(cubes), wire.CubeResponse{Cubes: cubes})
}

func (s *PeerSession) serveNotificationRequest(f wire.InboundFrame) {
	var msg wire.NotificationRequest
	if err := wire.Decode(f.Frame, &msg); err != nil {
		s.log.Warnf("peer %s: decode NotificationRequest: %v", s.id, err)
		return
	}
	lookup, ok := s.store.(types.NotifyLookup)
	if !ok {
		return
	}
	var cubes [][]byte
	for _, k := range msg.RecipientKeys {
		for _, c := range lookup.GetCubesByNotify(k) {
			cubes = append(cubes, append([]byte(nil), c.Raw[:]...))
		}
	}
	if len(cubes) == 0 {
		return
	}
	s.enqueue(wire.TagCubeResponse, len(cubes), wire.CubeResponse{Cubes: cubes})
}

func (s *PeerSession) serveKeyRequest(f wire.InboundFrame) {
	var msg wire.KeyRequest
	if err := wire.Decode(f.Frame, &msg); err != nil {
		s.log.Warnf("peer %s: decode KeyRequest: %v", s.id, err)
		return
	}

	var infos []types.CubeInfo
	if msg.Filter != nil && msg.Filter.Notifies != nil {
		if lookup, ok := s.store.(types.NotifyLookup); ok {
			for _, c := range lookup.GetCubesByNotify(*msg.Filter.Notifies) {
				infos = append(infos, c.Info)
			}
		}
	} else if lister, ok := s.store.(types.Lister); ok {
		for _, info := range lister.ListCubeInfos() {
			if msg.Filter != nil {
				if msg.Filter.TimeMin > 0 && info.Date < msg.Filter.TimeMin {
					continue
				}
				if msg.Filter.TimeMax > 0 && info.Date > msg.Filter.TimeMax {
					continue
				}
			}
			infos = append(infos, info)
		}
	}
	if len(infos) == 0 {
		return
	}
	s.enqueue(wire.TagKeyResponse, 0, wire.KeyResponse{Mode: msg.Mode, CubeInfos: infos})
}

func (s *PeerSession) serveSubscribeCube(f wire.InboundFrame) {
	var msg wire.SubscribeCube
	if err := wire.Decode(f.Frame, &msg); err != nil {
		s.log.Warnf("peer %s: decode SubscribeCube: %v", s.id, err)
		return
	}
	expires := time.Now().Add(s.config.SubscriptionPeriod)
	s.mu.Lock()
	for _, k := range msg.Keys {
		s.inboundSubs[k.String()] = inboundSub{kind: wire.SubscriptionCube, expires: expires}
	}
	s.mu.Unlock()
	s.enqueue(wire.TagSubscriptionConfirmation, 0, wire.SubscriptionConfirmation{
		Success:          true,
		RequestedKeyBlob: requestedKeyBlob(msg.Keys),
		CubesHashBlob:    s.cubesHashForKeys(msg.Keys),
		Duration:         uint64(s.config.SubscriptionPeriod.Milliseconds()),
	})
}

// cubesHashForKeys is the confirmation's "content hash of currently
// stored cubes" field (spec.md §4.2): nil if nothing is stored for any
// of keys, otherwise the sha256 of the concatenated raw records found,
// in keys order. In practice the scheduler only ever subscribes one key
// at a time, so this is the single-cube hash spec.md §4.2 calls out.
func (s *PeerSession) cubesHashForKeys(keys []types.CubeKey) []byte {
	h := sha256.New()
	var any bool
	for _, k := range keys {
		cube, ok := s.store.GetCube(k)
		if !ok {
			continue
		}
		any = true
		h.Write(cube.Raw[:])
	}
	if !any {
		return nil
	}
	return h.Sum(nil)
}

// requestedKeyBlob is the confirmation's echo of what was subscribed to:
// the single key's string form, or (reserved for a future multi-key
// subscribe message) the concatenation's own string form. The scheduler
// only ever sends one key per subscribe message (spec.md §4.3.4), so
// this is always exactly keys[0].String() in practice.
func requestedKeyBlob[K fmt.Stringer](keys []K) []byte {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) == 1 {
		return []byte(keys[0].String())
	}
	var joined string
	for _, k := range keys {
		joined += k.String()
	}
	return []byte(joined)
}

func (s *PeerSession) serveSubscribeNotifications(f wire.InboundFrame) {
	var msg wire.SubscribeNotifications
	if err := wire.Decode(f.Frame, &msg); err != nil {
		s.log.Warnf("peer %s: decode SubscribeNotifications: %v", s.id, err)
		return
	}
	expires := time.Now().Add(s.config.SubscriptionPeriod)
	s.mu.Lock()
	for _, k := range msg.Keys {
		s.inboundSubs[k.String()] = inboundSub{kind: wire.SubscriptionNotifications, expires: expires}
	}
	s.mu.Unlock()
	s.enqueue(wire.TagSubscriptionConfirmation, 0, wire.SubscriptionConfirmation{
		Success:          true,
		RequestedKeyBlob: requestedKeyBlob(msg.Keys),
		CubesHashBlob:    s.cubesHashForNotifyKeys(msg.Keys),
		Duration:         uint64(s.config.SubscriptionPeriod.Milliseconds()),
	})
}

// cubesHashForNotifyKeys is cubesHashForKeys' counterpart for a
// notification subscription: nil if no cube currently carries any of
// keys as its NotifyKey, otherwise the sha256 of every matching raw
// record found, in keys order.
func (s *PeerSession) cubesHashForNotifyKeys(keys []types.NotificationKey) []byte {
	lookup, ok := s.store.(types.NotifyLookup)
	if !ok {
		return nil
	}
	h := sha256.New()
	var any bool
	for _, k := range keys {
		for _, cube := range lookup.GetCubesByNotify(k) {
			any = true
			h.Write(cube.Raw[:])
		}
	}
	if !any {
		return nil
	}
	return h.Sum(nil)
}
