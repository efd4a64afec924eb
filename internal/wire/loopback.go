package wire

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackRegistry is a shared in-process directory of LoopbackTransport
// instances keyed by peer id, standing in for a real listening socket.
// Used to build the linear test network S — FN1 — FN2 — R from spec.md
// §8 without opening sockets — the same role the teacher's ReliableTransport
// plays over the real github.com/jabolina/relt transport.
type LoopbackRegistry struct {
	mu    sync.Mutex
	peers map[string]*LoopbackTransport
}

// NewLoopbackRegistry builds an empty registry.
func NewLoopbackRegistry() *LoopbackRegistry {
	return &LoopbackRegistry{peers: make(map[string]*LoopbackTransport)}
}

// NewTransport registers and returns a new LoopbackTransport for id.
func (r *LoopbackRegistry) NewTransport(id string) *LoopbackTransport {
	t := &LoopbackTransport{
		id:       id,
		registry: r,
		inbound:  make(chan InboundFrame, 256),
		closed:   make(chan string, 8),
	}
	r.mu.Lock()
	r.peers[id] = t
	r.mu.Unlock()
	return t
}

func (r *LoopbackRegistry) lookup(id string) (*LoopbackTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[id]
	return t, ok
}

func (r *LoopbackRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	peers := make([]*LoopbackTransport, 0, len(r.peers))
	for _, t := range r.peers {
		peers = append(peers, t)
	}
	r.mu.Unlock()
	for _, t := range peers {
		select {
		case t.closed <- id:
		default:
		}
	}
}

// LoopbackTransport is an in-process Transport implementation: sends land
// directly in the destination peer's inbound channel.
type LoopbackTransport struct {
	id       string
	registry *LoopbackRegistry
	inbound  chan InboundFrame
	closed   chan string

	closeOnce sync.Once
}

// Send implements Transport.
func (t *LoopbackTransport) Send(ctx context.Context, peer string, f Frame) error {
	dst, ok := t.registry.lookup(peer)
	if !ok {
		return fmt.Errorf("wire: loopback peer %q not registered", peer)
	}
	select {
	case dst.inbound <- InboundFrame{From: t.id, Frame: f}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames implements Transport.
func (t *LoopbackTransport) Frames() <-chan InboundFrame {
	return t.inbound
}

// Closed implements Transport.
func (t *LoopbackTransport) Closed() <-chan string {
	return t.closed
}

// Close implements Transport.
func (t *LoopbackTransport) Close() error {
	t.closeOnce.Do(func() {
		t.registry.remove(t.id)
		close(t.inbound)
	})
	return nil
}
