// Package verityhelpers is test-support scaffolding for fuzzy's
// end-to-end scenarios, grounded on
// the teacher's test/testing.go (TestInvoker, WaitThisOrTimeout,
// PrintStackTrace) and generalized from its single-partition cluster
// builder to the linear S — FN1 — FN2 — R topology spec.md §8's
// scenarios are written against.
package verityhelpers

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/verity/internal/codec"
	"github.com/jabolina/verity/internal/wire"
	"github.com/jabolina/verity/pkg/verity"
	"github.com/jabolina/verity/pkg/verity/core"
	"github.com/jabolina/verity/pkg/verity/definition"
	"github.com/jabolina/verity/pkg/verity/memstore"
	"github.com/jabolina/verity/pkg/verity/types"
)

// TestInvoker is a core.Invoker that tracks every goroutine it spawns,
// letting tests wait for them all to finish before asserting no
// goroutine leaked.
type TestInvoker struct {
	group sync.WaitGroup
}

// NewTestInvoker builds an empty TestInvoker.
func NewTestInvoker() *TestInvoker {
	return &TestInvoker{}
}

// Spawn implements core.Invoker.
func (t *TestInvoker) Spawn(f func()) {
	t.group.Add(1)
	go func() {
		defer t.group.Done()
		f()
	}()
}

// Wait blocks until every spawned goroutine has returned.
func (t *TestInvoker) Wait() {
	t.group.Wait()
}

// PrintStackTrace dumps every goroutine's stack to t, useful as a
// WaitThisOrTimeout failure handler.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Errorf("%s", buf[:n])
}

// WaitThisOrTimeout runs cb in a goroutine and reports whether it
// finished before duration elapses.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// NodeHandle bundles a Node with the facade test scenarios drive it
// through, plus the node's own CubeStore for direct assertions.
type NodeHandle struct {
	ID     string
	Node   *verity.Node
	Facade *verity.RetrievalFacade
	Store  types.CubeStore
}

// Network is the linear S — FN1 — FN2 — R topology spec.md §8's
// scenarios run against: S and R are light nodes, FN1 and FN2 are full
// nodes, connected in a chain over in-process loopback transports.
type Network struct {
	S, FN1, FN2, R *NodeHandle

	registry *wire.LoopbackRegistry
}

// NetworkOptions customizes NewLinearNetwork's scheduler configuration.
type NetworkOptions struct {
	// SubscriptionPeriod overrides DefaultPeerSessionConfig's
	// SubscriptionPeriod on every node, letting a test exercise renewal
	// on a short fuse (spec.md §8 scenario 3).
	SubscriptionPeriod time.Duration

	// RetentionEnabled overrides DefaultSchedulerConfig's
	// RetentionEnabled (off by default, matching spec.md §8's "retention
	// disabled" scenario setup).
	RetentionEnabled bool

	// FullSyncInterval overrides DefaultSchedulerConfig's one-second
	// full-node sync cadence on FN1/FN2, so a scenario's stated
	// propagation windows (spec.md §8 uses tens to a few hundred
	// milliseconds) don't have to wait out the production default.
	// Ignored on S and R (light nodes never run the full-sync loop).
	FullSyncInterval time.Duration

	// RequestTimeout overrides DefaultSchedulerConfig's five-second
	// cube/notification request deadline, letting a test exercise the
	// no-answer timeout path (e.g. a repeated GetNotifications for a
	// recipient nothing ever delivers for) without actually waiting
	// seconds.
	RequestTimeout time.Duration
}

// NewLinearNetwork builds the four-node chain used by every §8 scenario,
// wiring full nodes FN1/FN2 in the middle and light nodes S/R at the
// ends, each only aware of its immediate neighbor(s).
func NewLinearNetwork(opts NetworkOptions) *Network {
	reg := wire.NewLoopbackRegistry()
	c := codec.New()

	s := newHandle("S", reg, c, true, opts)
	fn1 := newHandle("FN1", reg, c, false, opts)
	fn2 := newHandle("FN2", reg, c, false, opts)
	r := newHandle("R", reg, c, true, opts)

	s.Node.AddPeer("FN1", core.FullNode)
	fn1.Node.AddPeer("S", core.LightNode)

	fn1.Node.AddPeer("FN2", core.FullNode)
	fn2.Node.AddPeer("FN1", core.FullNode)

	fn2.Node.AddPeer("R", core.LightNode)
	r.Node.AddPeer("FN2", core.FullNode)

	return &Network{S: s, FN1: fn1, FN2: fn2, R: r, registry: reg}
}

func newHandle(id string, reg *wire.LoopbackRegistry, c types.CubeCodec, light bool, opts NetworkOptions) *NodeHandle {
	transport := reg.NewTransport(id)
	store := memstore.New()
	log := definition.NewDefaultLogger(id)

	schedCfg := core.DefaultSchedulerConfig()
	schedCfg.LightNode = light
	schedCfg.RetentionEnabled = opts.RetentionEnabled
	if opts.FullSyncInterval > 0 {
		schedCfg.FullSyncInterval = opts.FullSyncInterval
	}
	if opts.RequestTimeout > 0 {
		schedCfg.RequestTimeout = opts.RequestTimeout
	}

	sessCfg := core.DefaultPeerSessionConfig()
	if opts.SubscriptionPeriod > 0 {
		sessCfg.SubscriptionPeriod = opts.SubscriptionPeriod
	}

	node := verity.NewNode(id, transport, store, c, schedCfg, sessCfg, log)
	return &NodeHandle{
		ID:     id,
		Node:   node,
		Facade: verity.NewRetrievalFacade(store, node.Scheduler()),
		Store:  store,
	}
}

// Close shuts every node in the network down.
func (n *Network) Close() {
	for _, h := range []*NodeHandle{n.S, n.FN1, n.FN2, n.R} {
		_ = h.Node.Close()
	}
}

// All returns every node handle, in S, FN1, FN2, R order.
func (n *Network) All() []*NodeHandle {
	return []*NodeHandle{n.S, n.FN1, n.FN2, n.R}
}
