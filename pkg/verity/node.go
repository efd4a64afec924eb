// Package verity ties the retrieval subsystem's pieces into something a
// caller can actually run: a Node owning one shared Transport, a
// CubeStore, a RequestScheduler, and the PeerSessions connected to it,
// exposed through RetrievalFacade's developer-facing API.
package verity

import (
	"sync"

	"github.com/jabolina/verity/internal/wire"
	"github.com/jabolina/verity/pkg/verity/core"
	"github.com/jabolina/verity/pkg/verity/definition"
	"github.com/jabolina/verity/pkg/verity/types"
)

// Node is the top-level object a Verity deployment constructs: it wires
// one Transport to a CubeStore and a RequestScheduler, and demultiplexes
// inbound frames to the right PeerSession by peer id. PeerManager
// handshake and dynamic peer discovery are out of scope (spec.md §1);
// callers add known peers explicitly via AddPeer, which is what
// verityhelpers' test network builder does to construct spec.md §8's
// linear S — FN1 — FN2 — R topology.
type Node struct {
	mu sync.Mutex

	id        string
	transport wire.Transport
	store     types.CubeStore
	codec     types.CubeCodec
	log       definition.Logger

	sessionConfig core.PeerSessionConfig
	sessions      map[string]*core.PeerSession

	scheduler *core.Scheduler

	closed chan struct{}
}

// NewNode builds a Node identified by id, communicating over transport,
// backed by store for persistence and codec for validating delivered
// cubes.
func NewNode(id string, transport wire.Transport, store types.CubeStore, codec types.CubeCodec, schedulerConfig core.SchedulerConfig, sessionConfig core.PeerSessionConfig, log definition.Logger) *Node {
	n := &Node{
		id:            id,
		transport:     transport,
		store:         store,
		codec:         codec,
		log:           log,
		sessionConfig: sessionConfig,
		sessions:      make(map[string]*core.PeerSession),
		closed:        make(chan struct{}),
	}
	n.scheduler = core.NewScheduler(store, codec, n, schedulerConfig, log)

	invoker := core.InvokerInstance()
	invoker.Spawn(n.demux)
	invoker.Spawn(n.watchClosed)
	return n
}

// ID returns this node's own identity.
func (n *Node) ID() string { return n.id }

// Scheduler returns the node's RequestScheduler, for callers building
// their own facade or test assertions.
func (n *Node) Scheduler() *core.Scheduler { return n.scheduler }

// Store returns the node's CubeStore.
func (n *Node) Store() types.CubeStore { return n.store }

// AddPeer registers a new PeerSession for a known remote peer of the
// given NodeType, routed over the node's shared transport.
func (n *Node) AddPeer(id string, nodeType core.NodeType) *core.PeerSession {
	sess := core.NewPeerSession(id, nodeType, n.transport, n.store, n.scheduler, n.log, n.sessionConfig)
	n.mu.Lock()
	n.sessions[id] = sess
	n.mu.Unlock()
	return sess
}

// RemovePeer tears down and forgets the session for id, if any.
func (n *Node) RemovePeer(id string) {
	n.mu.Lock()
	sess, ok := n.sessions[id]
	delete(n.sessions, id)
	n.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// Get implements core.PeerProvider.
func (n *Node) Get(peer string) (*core.PeerSession, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[peer]
	return s, ok
}

// OnlinePeers implements core.PeerProvider.
func (n *Node) OnlinePeers() []*core.PeerSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*core.PeerSession, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// FullNodePeers implements core.PeerProvider.
func (n *Node) FullNodePeers() []*core.PeerSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*core.PeerSession, 0, len(n.sessions))
	for _, s := range n.sessions {
		if s.Type() == core.FullNode {
			out = append(out, s)
		}
	}
	return out
}

func (n *Node) demux() {
	for {
		select {
		case <-n.closed:
			return
		case f, ok := <-n.transport.Frames():
			if !ok {
				return
			}
			sess, found := n.Get(f.From)
			if !found {
				n.log.Warnf("node %s: frame from unregistered peer %s, dropping", n.id, f.From)
				continue
			}
			sess.Deliver(f)
		}
	}
}

func (n *Node) watchClosed() {
	for {
		select {
		case <-n.closed:
			return
		case peer, ok := <-n.transport.Closed():
			if !ok {
				return
			}
			n.RemovePeer(peer)
			n.scheduler.HandlePeerClosed(peer)
		}
	}
}

// Close shuts the node's scheduler and every session down, then closes
// the transport.
func (n *Node) Close() error {
	select {
	case <-n.closed:
		return nil
	default:
		close(n.closed)
	}
	n.scheduler.Shutdown()

	n.mu.Lock()
	sessions := make([]*core.PeerSession, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.sessions = make(map[string]*core.PeerSession)
	n.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	return n.transport.Close()
}
