package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpener struct {
	stream *memStream
	err    error
	calls  int
	pids   []libp2pproto.ID
}

func (o *fakeOpener) NewStream(ctx context.Context, p peer.ID, pids ...libp2pproto.ID) (network.Stream, error) {
	o.calls++
	o.pids = pids
	if o.err != nil {
		return nil, o.err
	}
	return o.stream, nil
}

const testPeer = peer.ID("remote-peer")

func TestNegotiatorAdvertisesSingleProtocol(t *testing.T) {
	neg := NewNegotiator(DefaultCodec(), 0)

	assert.Equal(t, []libp2pproto.ID{"/p2p/msg/1.0.0"}, neg.Protocols())
	assert.True(t, neg.Match("/p2p/msg/1.0.0"))
	assert.False(t, neg.Match("/p2p/msg/1.0.1"))
	assert.False(t, neg.Match("/p2p/msg"))
	assert.False(t, neg.Match(""))
}

func TestNegotiatorInbound(t *testing.T) {
	neg := NewNegotiator(DefaultCodec(), time.Second)

	t.Run("Success", func(t *testing.T) {
		stream := newMemStream([]byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o'})

		msg, err := neg.Inbound(stream)
		require.NoError(t, err)
		assert.Equal(t, "hello", msg.String())
		assert.Equal(t, 1, stream.closeCalls)
		assert.Equal(t, 0, stream.resetCalls)
		assert.False(t, stream.deadline.IsZero())
	})

	t.Run("Oversized frame", func(t *testing.T) {
		stream := newMemStream([]byte{0xFF, 0xFF})

		_, err := neg.Inbound(stream)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.Equal(t, 1, stream.resetCalls)
		assert.Equal(t, 0, stream.closeCalls)
	})

	t.Run("Wrong protocol", func(t *testing.T) {
		stream := newMemStream([]byte{0x00, 0x01, 'x'})
		stream.proto = "/other/1.0.0"

		_, err := neg.Inbound(stream)
		assert.ErrorIs(t, err, ErrProtocolMismatch)
		assert.Equal(t, 1, stream.resetCalls)
		assert.Equal(t, 3, stream.remaining(), "mismatched stream must not be read")
	})
}

func TestNegotiatorOutbound(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		neg := NewNegotiator(DefaultCodec(), time.Second)
		opener := &fakeOpener{stream: newMemStream(nil)}

		_, err := neg.Outbound(ctx, opener, testPeer, NewMessage([]byte("hello")))
		require.NoError(t, err)

		assert.Equal(t, []libp2pproto.ID{ProtocolID}, opener.pids)
		assert.Equal(t, []byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}, opener.stream.out.Bytes())
		assert.True(t, opener.stream.writeClosed)
		assert.Equal(t, 1, opener.stream.closeCalls)
		assert.Equal(t, 0, opener.stream.resetCalls)
	})

	t.Run("Open failure", func(t *testing.T) {
		neg := NewNegotiator(DefaultCodec(), 0)
		cause := errors.New("protocols not supported")
		opener := &fakeOpener{err: cause}

		_, err := neg.Outbound(ctx, opener, testPeer, NewMessage([]byte("hello")))

		var negErr *NegotiationError
		require.True(t, errors.As(err, &negErr))
		assert.Equal(t, testPeer, negErr.Peer)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("Protocol mismatch", func(t *testing.T) {
		neg := NewNegotiator(DefaultCodec(), 0)
		stream := newMemStream(nil)
		stream.proto = "/p2p/msg/2.0.0"
		opener := &fakeOpener{stream: stream}

		_, err := neg.Outbound(ctx, opener, testPeer, NewMessage([]byte("hello")))
		assert.True(t, IsNegotiationError(err))
		assert.ErrorIs(t, err, ErrProtocolMismatch)
		assert.Equal(t, 0, stream.out.Len())
		assert.Equal(t, 1, stream.resetCalls)
	})

	t.Run("Oversized message", func(t *testing.T) {
		neg := NewNegotiator(DefaultCodec(), 0)
		opener := &fakeOpener{stream: newMemStream(nil)}

		_, err := neg.Outbound(ctx, opener, testPeer, NewMessage(make([]byte, MaxFrameSize+1)))
		assert.True(t, IsNegotiationError(err))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.Equal(t, 0, opener.calls, "no substream may be opened for an oversized message")
	})

	t.Run("Write failure releases substream", func(t *testing.T) {
		neg := NewNegotiator(DefaultCodec(), 0)
		stream := newMemStream(nil)
		stream.writeErr = errors.New("broken pipe")
		opener := &fakeOpener{stream: stream}

		_, err := neg.Outbound(ctx, opener, testPeer, NewMessage([]byte("hello")))
		assert.True(t, IsNegotiationError(err))
		assert.True(t, IsIOError(err))
		assert.Equal(t, 1, stream.resetCalls)
		assert.Equal(t, 0, stream.closeCalls)
	})
}

func TestSubstreamIdempotentClose(t *testing.T) {
	stream := newMemStream(nil)
	stream.closeErr = errors.New("already gone")
	sub := NewSubstream(stream)

	first := sub.Close()
	second := sub.Close()

	assert.Error(t, first)
	assert.True(t, IsIOError(first))
	assert.NoError(t, second)
	assert.Equal(t, 1, stream.closeCalls)
	assert.True(t, sub.Released())

	// Reset after close does not reach the stream
	assert.NoError(t, sub.Reset())
	assert.Equal(t, 0, stream.resetCalls)
}

func TestSubstreamRelease(t *testing.T) {
	clean := newMemStream(nil)
	assert.NoError(t, NewSubstream(clean).Release(nil))
	assert.Equal(t, 1, clean.closeCalls)

	failed := newMemStream(nil)
	assert.NoError(t, NewSubstream(failed).Release(errors.New("boom")))
	assert.Equal(t, 1, failed.resetCalls)
	assert.Equal(t, 0, failed.closeCalls)
}
