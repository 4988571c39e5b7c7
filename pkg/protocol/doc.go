// Package protocol implements the ZenTalk point-to-point message protocol.
//
// Every message travels on its own libp2p substream. The substream is
// negotiated for exactly one protocol identifier, carries exactly one
// frame, and is half-closed by the sender once the frame is written.
//
// # Protocol Identifier
//
// Both sides advertise a single identifier, matched exactly during
// multistream-select negotiation:
//
//	/p2p/msg/1.0.0
//
// # Frame Format
//
// A frame is a 2-byte big-endian length followed by the payload:
//
//	+--------+--------+-----------------------+
//	| length (uint16) | payload (length bytes)|
//	+--------+--------+-----------------------+
//
// The payload is opaque and limited to MaxFrameSize (2048) bytes. A frame
// declaring a larger length is rejected with ErrFrameTooLarge before any
// payload is read.
//
// # Usage Example
//
//	// Sending side: open, write one frame, half-close.
//	neg := protocol.NewNegotiator(protocol.DefaultCodec())
//	_, err := neg.Outbound(ctx, host, remotePeer, protocol.NewMessage([]byte("hello")))
//
//	// Receiving side: read one frame from a negotiated inbound stream.
//	msg, err := neg.Inbound(stream)
package protocol
