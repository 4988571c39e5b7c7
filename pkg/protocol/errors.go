package protocol

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrProtocolMismatch = errors.New("negotiated protocol mismatch")
)

// IOError reports a read, write or close failure on a substream
type IOError struct {
	Op  string // "read", "write" or "close"
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("substream %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NegotiationError reports a failure to open or negotiate an outbound
// substream, or to complete the upgrade on it. It cancels one send attempt.
type NegotiationError struct {
	Peer peer.ID
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed: %v", e.Peer, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// IsIOError reports whether err is, or wraps, an IOError
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// IsNegotiationError reports whether err is, or wraps, a NegotiationError
func IsNegotiationError(err error) bool {
	var negErr *NegotiationError
	return errors.As(err, &negErr)
}
