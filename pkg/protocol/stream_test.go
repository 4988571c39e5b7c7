package protocol

import (
	"bytes"
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
)

var errStreamWriteClosed = errors.New("write side closed")

// memStream is an in-memory network.Stream. Only the methods the protocol
// package calls are implemented; the embedded interface is nil.
type memStream struct {
	network.Stream

	in    *bytes.Reader
	out   bytes.Buffer
	proto libp2pproto.ID

	writeClosed bool
	closeCalls  int
	resetCalls  int
	deadline    time.Time

	writeErr error
	closeErr error
}

func newMemStream(in []byte) *memStream {
	return &memStream{
		in:    bytes.NewReader(in),
		proto: ProtocolID,
	}
}

func (s *memStream) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *memStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.writeClosed {
		return 0, errStreamWriteClosed
	}
	return s.out.Write(p)
}

func (s *memStream) CloseWrite() error {
	s.writeClosed = true
	return nil
}

func (s *memStream) Close() error {
	s.closeCalls++
	s.writeClosed = true
	return s.closeErr
}

func (s *memStream) Reset() error {
	s.resetCalls++
	return nil
}

func (s *memStream) Protocol() libp2pproto.ID {
	return s.proto
}

func (s *memStream) SetDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

// remaining returns how many unread bytes are left
func (s *memStream) remaining() int {
	return s.in.Len()
}
