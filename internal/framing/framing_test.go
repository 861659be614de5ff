package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/relaydb/rtcore/internal/wire"
)

func TestFramer_WriteMessage(t *testing.T) {
	tests := []struct {
		name string
		req  *wire.Request
	}{
		{name: "simple request", req: &wire.Request{Method: "echo", Args: []interface{}{"hello"}}},
		{name: "no-arg request", req: &wire.Request{Method: "ping", Args: []interface{}{}}},
		{name: "multi-arg request", req: &wire.Request{Method: "add", Args: []interface{}{1, 2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramer(&buf)

			data, err := tt.req.Marshal()
			if err != nil {
				t.Fatalf("failed to marshal request: %v", err)
			}

			if err := framer.WriteMessage(data); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}

			written := buf.Bytes()
			if len(written) < 4 {
				t.Fatal("frame too short")
			}

			length := binary.BigEndian.Uint32(written[:4])
			if int(length) != len(data) {
				t.Errorf("length mismatch: header=%d, actual=%d", length, len(data))
			}
			if !bytes.Equal(written[4:], data) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestFramer_ReadMessage(t *testing.T) {
	tests := []struct {
		name  string
		reply *wire.Reply
	}{
		{name: "ok reply", reply: wire.NewOKReply("success")},
		{name: "raised reply", reply: wire.NewRaisedReply("ValueError", "bad input", "trace...")},
		{name: "serialize-error reply", reply: wire.NewSerializeErrorReply("trace...")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.reply.Marshal()
			if err != nil {
				t.Fatalf("failed to marshal reply: %v", err)
			}

			var buf bytes.Buffer
			framer := NewFramer(&buf)
			if err := framer.WriteMessage(data); err != nil {
				t.Fatalf("failed to write message: %v", err)
			}

			readFramer := NewFramer(&buf)
			msg, err := readFramer.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}

			if !bytes.Equal(msg, data) {
				t.Error("read message doesn't match original")
			}

			decoded, err := wire.UnmarshalReply(msg)
			if err != nil {
				t.Fatalf("failed to unmarshal reply: %v", err)
			}
			if decoded.Status != tt.reply.Status {
				t.Errorf("status mismatch: got=%d, want=%d", decoded.Status, tt.reply.Status)
			}
		})
	}
}

func TestFramer_MaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	maxSize := 100
	framer := NewFramerWithMaxSize(&buf, maxSize)

	largeData := make([]byte, maxSize+1)
	if err := framer.WriteMessage(largeData); err == nil {
		t.Error("expected error for oversized message")
	}
}

func TestFramer_ReadMessage_ExceedsMaxSize(t *testing.T) {
	var buf bytes.Buffer
	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, 1000)
	buf.Write(lengthBuf)

	framer := NewFramerWithMaxSize(&buf, 100)
	if _, err := framer.ReadMessage(); err == nil {
		t.Error("expected error for frame exceeding max size")
	}
}

func TestFramer_PartialRead(t *testing.T) {
	req := &wire.Request{Method: "test", Args: []interface{}{true}}
	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	var fullBuf bytes.Buffer
	framer := NewFramer(&fullBuf)
	if err := framer.WriteMessage(data); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	pr := &partialReader{data: fullBuf.Bytes(), chunkSize: 10}

	readFramer := NewFramer(pr)
	msg, err := readFramer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	if !bytes.Equal(msg, data) {
		t.Error("partial read resulted in corrupted message")
	}
}

func TestFramer_ReadMessage_EOF(t *testing.T) {
	var buf bytes.Buffer
	framer := NewFramer(&buf)
	if _, err := framer.ReadMessage(); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestWritePID_ReadPID_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePID(&buf, 4242); err != nil {
		t.Fatalf("WritePID() error = %v", err)
	}

	if buf.Len() != 4 {
		t.Fatalf("expected 4-byte pid handshake, got %d bytes", buf.Len())
	}

	pid, err := ReadPID(&buf)
	if err != nil {
		t.Fatalf("ReadPID() error = %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid mismatch: got=%d, want=4242", pid)
	}
}

// partialReader simulates reading data in small chunks, to exercise
// io.ReadFull's internal retry loop in ReadMessage.
type partialReader struct {
	data      []byte
	offset    int
	chunkSize int
}

func (r *partialReader) Read(p []byte) (n int, err error) {
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}

	remaining := len(r.data) - r.offset
	toRead := r.chunkSize
	if toRead > remaining {
		toRead = remaining
	}
	if toRead > len(p) {
		toRead = len(p)
	}

	copy(p, r.data[r.offset:r.offset+toRead])
	r.offset += toRead
	return toRead, nil
}

func (r *partialReader) Write(_ []byte) (n int, err error) {
	return 0, io.ErrClosedPipe
}
