// Package framing implements the 4-byte length-prefixed framing protocol
// used on the pool Hub's local connections.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// DefaultMaxFrameSize is the default maximum frame size (10MB).
	DefaultMaxFrameSize = 10 * 1024 * 1024
)

// Framer frames and unframes messages over a stream: each message is
// preceded by a 4-byte big-endian length. The transport is oblivious to
// payload semantics.
type Framer struct {
	rw           io.ReadWriter
	maxFrameSize int
}

// NewFramer creates a new framer with the default max frame size.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{rw: rw, maxFrameSize: DefaultMaxFrameSize}
}

// NewFramerWithMaxSize creates a new framer with a specified max frame size.
func NewFramerWithMaxSize(rw io.ReadWriter, maxSize int) *Framer {
	return &Framer{rw: rw, maxFrameSize: maxSize}
}

// WriteMessage writes a framed message.
// Frame format: [4 bytes length (big-endian)] [message bytes]
func (f *Framer) WriteMessage(data []byte) error {
	if len(data) > f.maxFrameSize {
		return fmt.Errorf("message size %d exceeds max frame size %d", len(data), f.maxFrameSize)
	}

	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(data)))

	if _, err := f.rw.Write(lengthBuf); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := f.rw.Write(data); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}
	return nil
}

// ReadMessage reads a framed message, blocking until a complete frame has
// arrived.
func (f *Framer) ReadMessage() ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(f.rw, lengthBuf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if int(length) > f.maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds max frame size %d", length, f.maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(f.rw, data); err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}
	return data, nil
}

// WritePID writes the raw 4-byte big-endian pid handshake a worker sends
// as the first thing on a freshly dialed connection, before any framed
// message. It is not length-prefixed; the Hub reads exactly 4 bytes for
// it and only then switches to WriteMessage/ReadMessage framing.
func WritePID(w io.Writer, pid uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, pid)
	_, err := w.Write(buf)
	return err
}

// ReadPID reads the raw 4-byte big-endian pid handshake. Called once by
// the Hub immediately after accepting a connection.
func ReadPID(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("failed to read pid handshake: %w", err)
	}
	return binary.BigEndian.Uint32(buf), nil
}
