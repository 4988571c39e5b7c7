package protocol

import (
	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
)

// Protocol constants
const (
	// ProtocolID is the only identifier advertised for message substreams
	ProtocolID = libp2pproto.ID("/p2p/msg/1.0.0")

	// MaxFrameSize is the largest payload a single frame may carry
	MaxFrameSize = 2048

	// LengthPrefixSize is the width of the frame length prefix in bytes
	LengthPrefixSize = 2
)

// Message is an opaque application payload carried by one frame
type Message struct {
	Data []byte
}

// NewMessage wraps a payload. The slice is copied so later mutation by the
// caller cannot change a queued message.
func NewMessage(data []byte) Message {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Message{Data: buf}
}

// Len returns the payload length
func (m Message) Len() int {
	return len(m.Data)
}

// String returns the payload as text
func (m Message) String() string {
	return string(m.Data)
}

// Success marks a completed outbound upgrade
type Success struct{}
