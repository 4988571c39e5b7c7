package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
)

// StreamOpener opens a new outbound substream and negotiates one of pids on
// it. A libp2p host.Host satisfies it.
type StreamOpener interface {
	NewStream(ctx context.Context, p peer.ID, pids ...libp2pproto.ID) (network.Stream, error)
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Negotiator advertises ProtocolID on both substream directions and binds
// negotiated substreams to the framing codec
type Negotiator struct {
	codec   Codec
	timeout time.Duration
}

// NewNegotiator creates a negotiator. A positive timeout bounds the whole
// lifetime of each substream it upgrades.
func NewNegotiator(codec Codec, timeout time.Duration) *Negotiator {
	return &Negotiator{
		codec:   codec,
		timeout: timeout,
	}
}

// Protocols returns the identifiers advertised during negotiation
func (n *Negotiator) Protocols() []libp2pproto.ID {
	return []libp2pproto.ID{ProtocolID}
}

// Match reports whether id selects this protocol. Only an exact match does.
func (n *Negotiator) Match(id libp2pproto.ID) bool {
	return id == ProtocolID
}

// Codec returns the framing codec used for upgraded substreams
func (n *Negotiator) Codec() Codec {
	return n.codec
}

// Inbound upgrades a negotiated inbound substream by reading one frame from
// it. The substream is closed on success and reset on failure.
func (n *Negotiator) Inbound(stream NegotiatedStream) (Message, error) {
	sub := NewSubstream(stream)

	if !n.Match(stream.Protocol()) {
		sub.Reset()
		return Message{}, fmt.Errorf("%w: got %q", ErrProtocolMismatch, stream.Protocol())
	}

	n.applyDeadline(stream)

	msg, err := n.codec.Receive(sub)
	if err != nil {
		sub.Reset()
		return Message{}, err
	}

	sub.Close()
	return msg, nil
}

// Outbound opens a substream to p, negotiates ProtocolID, writes msg as one
// frame and releases the substream. Every failure, including codec errors
// after negotiation, is returned as a *NegotiationError.
func (n *Negotiator) Outbound(ctx context.Context, opener StreamOpener, p peer.ID, msg Message) (Success, error) {
	if err := n.codec.Check(msg); err != nil {
		return Success{}, &NegotiationError{Peer: p, Err: err}
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	stream, err := opener.NewStream(ctx, p, n.Protocols()...)
	if err != nil {
		return Success{}, &NegotiationError{Peer: p, Err: fmt.Errorf("failed to open stream: %w", err)}
	}

	return n.upgradeOutbound(p, stream, msg)
}

func (n *Negotiator) upgradeOutbound(p peer.ID, stream NegotiatedStream, msg Message) (Success, error) {
	sub := NewSubstream(stream)

	if !n.Match(stream.Protocol()) {
		sub.Reset()
		return Success{}, &NegotiationError{
			Peer: p,
			Err:  fmt.Errorf("%w: got %q", ErrProtocolMismatch, stream.Protocol()),
		}
	}

	n.applyDeadline(stream)

	if err := n.codec.Send(sub, msg); err != nil {
		sub.Reset()
		return Success{}, &NegotiationError{Peer: p, Err: err}
	}

	if err := sub.Close(); err != nil {
		return Success{}, &NegotiationError{Peer: p, Err: err}
	}

	return Success{}, nil
}

func (n *Negotiator) applyDeadline(stream Stream) {
	if n.timeout <= 0 {
		return
	}
	if d, ok := stream.(deadliner); ok {
		_ = d.SetDeadline(time.Now().Add(n.timeout))
	}
}
