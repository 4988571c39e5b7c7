package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HalfCloser is a writable stream whose write side can be closed on its own,
// signalling the remote that no more data follows on this substream.
type HalfCloser interface {
	io.Writer
	CloseWrite() error
}

// Codec reads and writes single length-prefixed frames
type Codec struct {
	MaxFrameSize int
}

// DefaultCodec returns a codec limited to MaxFrameSize
func DefaultCodec() Codec {
	return Codec{MaxFrameSize: MaxFrameSize}
}

// NewCodec returns a codec with the given limit. The limit is clamped to
// what the 2-byte length prefix can express.
func NewCodec(maxFrameSize int) Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = MaxFrameSize
	}
	if maxFrameSize > math.MaxUint16 {
		maxFrameSize = math.MaxUint16
	}
	return Codec{MaxFrameSize: maxFrameSize}
}

// Receive reads one frame from r. Exactly the prefix and the declared
// payload are consumed; r is left open. A declared length above the limit
// fails before any payload byte is read.
func (c Codec) Receive(r io.Reader) (Message, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Message{}, &IOError{Op: "read", Err: err}
	}

	length := int(binary.BigEndian.Uint16(prefix[:]))
	if length > c.limit() {
		return Message{}, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, c.limit())
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, &IOError{Op: "read", Err: err}
	}

	return Message{Data: data}, nil
}

// Send writes msg as one frame and half-closes w
func (c Codec) Send(w HalfCloser, msg Message) error {
	if err := c.WriteFrame(w, msg); err != nil {
		return err
	}

	if err := w.CloseWrite(); err != nil {
		return &IOError{Op: "close", Err: err}
	}

	return nil
}

// WriteFrame writes msg as one frame without closing w
func (c Codec) WriteFrame(w io.Writer, msg Message) error {
	if err := c.Check(msg); err != nil {
		return err
	}

	buf := make([]byte, LengthPrefixSize+len(msg.Data))
	binary.BigEndian.PutUint16(buf[:LengthPrefixSize], uint16(len(msg.Data)))
	copy(buf[LengthPrefixSize:], msg.Data)

	if _, err := w.Write(buf); err != nil {
		return &IOError{Op: "write", Err: err}
	}

	return nil
}

// Check validates msg against the frame limit
func (c Codec) Check(msg Message) error {
	if len(msg.Data) > c.limit() {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(msg.Data), c.limit())
	}
	return nil
}

func (c Codec) limit() int {
	if c.MaxFrameSize <= 0 {
		return MaxFrameSize
	}
	return c.MaxFrameSize
}

// Receive reads one frame using the default codec
func Receive(r io.Reader) (Message, error) {
	return DefaultCodec().Receive(r)
}

// Send writes one frame using the default codec and half-closes w
func Send(w HalfCloser, msg Message) error {
	return DefaultCodec().Send(w, msg)
}
