package wire

import "context"

// InboundFrame pairs a received Frame with the peer it arrived from.
type InboundFrame struct {
	From string
	Frame
}

// Transport is the pluggable collaborator PeerSession sends frames
// through and receives them from. Establishment, framing and handshake
// are out of scope for the retrieval subsystem itself (spec.md §1); this
// interface is the seam the subsystem depends on.
type Transport interface {
	// Send dispatches f to peer. Best-effort: the session never retries
	// itself (spec.md §4.2 failure model).
	Send(ctx context.Context, peer string, f Frame) error

	// Frames yields frames as they arrive from any peer. Closed when the
	// transport shuts down.
	Frames() <-chan InboundFrame

	// Closed yields the peer id of a peer that disconnected, at most once
	// per disconnect; a notice that finds the channel full is dropped.
	Closed() <-chan string

	// Close tears the transport down.
	Close() error
}
