package protocol

import (
	"io"
	"sync"

	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
)

// Stream is the part of a libp2p network.Stream the protocol relies on
type Stream interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
	Reset() error
}

// NegotiatedStream is a Stream that knows which protocol it was negotiated for
type NegotiatedStream interface {
	Stream
	Protocol() libp2pproto.ID
}

// Substream owns one short-lived stream. It is released exactly once: the
// first Close or Reset reaches the underlying stream, later calls are no-ops.
type Substream struct {
	Stream

	once     sync.Once
	released bool
	mu       sync.Mutex
}

// NewSubstream wraps s
func NewSubstream(s Stream) *Substream {
	return &Substream{Stream: s}
}

// Close closes the stream. Only the first call can return an error.
func (s *Substream) Close() error {
	var err error
	s.once.Do(func() {
		s.markReleased()
		if cerr := s.Stream.Close(); cerr != nil {
			err = &IOError{Op: "close", Err: cerr}
		}
	})
	return err
}

// Reset aborts the stream in both directions
func (s *Substream) Reset() error {
	var err error
	s.once.Do(func() {
		s.markReleased()
		if rerr := s.Stream.Reset(); rerr != nil {
			err = &IOError{Op: "reset", Err: rerr}
		}
	})
	return err
}

// Release closes the stream when cause is nil and resets it otherwise
func (s *Substream) Release(cause error) error {
	if cause != nil {
		return s.Reset()
	}
	return s.Close()
}

// Released reports whether Close or Reset has run
func (s *Substream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Substream) markReleased() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}
