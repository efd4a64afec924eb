package core

// PeerProvider is the scheduler's view of the connection layer: it owns
// PeerSessions indirectly through whatever implements this interface
// (spec.md §2's "RequestScheduler owns PeerSessions indirectly via the
// PeerManager"). A full PeerManager — handshake, reconnection, identity
// — is out of scope (spec.md §1); pkg/verity's Node implements this
// directly over a map of sessions.
type PeerProvider interface {
	// Get returns the session for peer, if connected.
	Get(peer string) (*PeerSession, bool)

	// OnlinePeers returns every currently connected session.
	OnlinePeers() []*PeerSession

	// FullNodePeers returns every currently connected session whose
	// declared NodeType is FullNode.
	FullNodePeers() []*PeerSession
}
