package core

import (
	"math/rand"
	"sort"
)

// PeerInfo is the minimal per-peer state RequestStrategy picks over:
// identity, declared NodeType, and a reputation score maintained by
// ScoreReceivedCube.
type PeerInfo struct {
	ID         string
	FullNode   bool
	Reputation int
}

// RequestStrategy selects one peer among the currently online candidates
// for the pacing timer to dispatch a batch of requests to (spec.md
// §4.3.2 step 2). Grounded on go-ethereum's downloader/les
// peer-selection-by-capability pattern (9d2d5cf8_..._peer.go,
// b3951442_..._les-peer.go in the retrieval pack): peers are filtered by
// a capability (here, none — any connected peer can serve a cube
// request) and ranked by a pluggable policy.
type RequestStrategy interface {
	// Select returns the chosen peer ID, or ok=false if candidates is
	// empty.
	Select(candidates []PeerInfo) (peer string, ok bool)
}

// RandomStrategy picks uniformly among the candidates. The default,
// per spec.md §6.
type RandomStrategy struct{}

// Select implements RequestStrategy.
func (RandomStrategy) Select(candidates []PeerInfo) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))].ID, true
}

// ReputationStrategy picks the candidate with the highest Reputation,
// breaking ties by ID for determinism in tests.
type ReputationStrategy struct{}

// Select implements RequestStrategy.
func (ReputationStrategy) Select(candidates []PeerInfo) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	sorted := append([]PeerInfo(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Reputation != sorted[j].Reputation {
			return sorted[i].Reputation > sorted[j].Reputation
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0].ID, true
}
