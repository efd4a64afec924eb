package wire

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/jabolina/relt/pkg/relt"
	"github.com/prometheus/common/log"
)

// RelTTransport adapts github.com/jabolina/relt — the teacher's own
// reliable-group-transport dependency — behind the Transport interface.
// Grounded directly on pkg/mcast/core/transport.go's ReliableTransport:
// same constructor shape, same poll/consume loop, same bounded producer
// channel, same package-level prometheus/common/log fallback for
// marshalling failures that happen before a session-scoped logger is in
// scope.
type RelTTransport struct {
	relt *relt.Relt

	inbound chan InboundFrame
	closed  chan string

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	id        string
}

// RelTConfig configures a RelTTransport the way the teacher configures
// its ReliableTransport from a types.PeerConfiguration.
type RelTConfig struct {
	Name  string
	Group string
}

// NewRelTTransport builds a Transport backed by relt, matching
// pkg/mcast/core/transport.go's NewTransport.
func NewRelTTransport(cfg RelTConfig) (*RelTTransport, error) {
	conf := relt.DefaultReltConfiguration()
	conf.Name = cfg.Name
	conf.Exchange = relt.GroupAddress(cfg.Group)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, fmt.Errorf("wire: relt transport for %q: %w", cfg.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &RelTTransport{
		relt:    r,
		inbound: make(chan InboundFrame, 256),
		closed:  make(chan string, 8),
		ctx:     ctx,
		cancel:  cancel,
		id:      cfg.Name,
	}
	go t.poll()
	return t, nil
}

// Send implements Transport.
func (t *RelTTransport) Send(ctx context.Context, peer string, f Frame) error {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		log.Errorf("failed encoding frame for %s. %v", peer, err)
		return err
	}
	msg := relt.Send{
		Address: relt.GroupAddress(peer),
		Data:    buf.Bytes(),
	}
	return t.relt.Broadcast(ctx, msg)
}

// Frames implements Transport.
func (t *RelTTransport) Frames() <-chan InboundFrame {
	return t.inbound
}

// Closed implements Transport.
func (t *RelTTransport) Closed() <-chan string {
	return t.closed
}

// Close implements Transport.
func (t *RelTTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.relt.Close()
	})
	return err
}

// poll mirrors ReliableTransport.poll: keep consuming until the context
// is cancelled, handing each delivery off to consume.
func (t *RelTTransport) poll() {
	listener, err := t.relt.Consume()
	if err != nil {
		log.Errorf("relt transport %s failed to start consuming. %v", t.id, err)
		return
	}
	for {
		select {
		case <-t.ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				select {
				case t.closed <- t.id:
				default:
				}
				return
			}
			t.consume(recv.Origin, recv.Data, recv.Error)
		}
	}
}

// consume mirrors ReliableTransport.consume: decode the frame and hand it
// off to the producer channel, dropping it on error.
func (t *RelTTransport) consume(origin string, data []byte, recvErr error) {
	if recvErr != nil {
		log.Errorf("failed consuming message from %s. %v", origin, recvErr)
		return
	}
	if data == nil {
		log.Warnf("received empty message from %s", origin)
		return
	}
	frame, err := ReadFrame(bytes.NewReader(data))
	if err != nil {
		log.Errorf("failed decoding frame from %s. %v", origin, err)
		return
	}
	select {
	case t.inbound <- InboundFrame{From: origin, Frame: frame}:
	case <-t.ctx.Done():
	}
}
