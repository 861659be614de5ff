package wire

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestRequest_MarshalUnmarshalRoundTrip(t *testing.T) {
	req := &Request{Method: "echo", Args: []interface{}{"hello", 42}}

	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := UnmarshalRequest(data)
	if err != nil {
		t.Fatalf("UnmarshalRequest() error = %v", err)
	}

	if got.Method != req.Method {
		t.Errorf("Method mismatch: got=%q, want=%q", got.Method, req.Method)
	}
	if len(got.Args) != len(req.Args) {
		t.Fatalf("Args length mismatch: got=%d, want=%d", len(got.Args), len(req.Args))
	}
}

func TestReply_OK_RoundTrip(t *testing.T) {
	reply := NewOKReply("result-value")

	data, err := reply.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := UnmarshalReply(data)
	if err != nil {
		t.Fatalf("UnmarshalReply() error = %v", err)
	}

	if got.Status != StatusOK {
		t.Errorf("Status = %d, want StatusOK", got.Status)
	}
	if got.Result != "result-value" {
		t.Errorf("Result = %v, want %q", got.Result, "result-value")
	}
}

func TestReply_Raised_RoundTrip(t *testing.T) {
	reply := NewRaisedReply("ValueError", "bad input", "Traceback (most recent call last)...")

	data, err := reply.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := UnmarshalReply(data)
	if err != nil {
		t.Fatalf("UnmarshalReply() error = %v", err)
	}

	if got.Status != StatusRaised {
		t.Fatalf("Status = %d, want StatusRaised", got.Status)
	}
	if got.Exception == nil {
		t.Fatal("Exception is nil")
	}
	if got.Exception.Type != "ValueError" || got.Exception.Message != "bad input" {
		t.Errorf("Exception mismatch: got=%+v", got.Exception)
	}
	if got.Traceback == "" {
		t.Error("Traceback is empty")
	}
}

func TestReply_SerializeError_RoundTrip(t *testing.T) {
	reply := NewSerializeErrorReply("Traceback: could not pickle result")

	data, err := reply.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := UnmarshalReply(data)
	if err != nil {
		t.Fatalf("UnmarshalReply() error = %v", err)
	}

	if got.Status != StatusSerializeError {
		t.Fatalf("Status = %d, want StatusSerializeError", got.Status)
	}
	if got.Traceback != "Traceback: could not pickle result" {
		t.Errorf("Traceback mismatch: got=%q", got.Traceback)
	}
	if got.Result != nil {
		t.Errorf("Result should be nil for a status-2 reply, got %v", got.Result)
	}
}

func TestUnmarshalReply_EmptyTuple(t *testing.T) {
	empty, err := msgpack.Marshal([]interface{}{})
	if err != nil {
		t.Fatalf("msgpack.Marshal() error = %v", err)
	}
	if _, err := UnmarshalReply(empty); err == nil {
		t.Error("expected error for empty reply tuple")
	}
}

func TestUnmarshalReply_UnknownStatus(t *testing.T) {
	data, err := msgpack.Marshal([]interface{}{99})
	if err != nil {
		t.Fatalf("msgpack.Marshal() error = %v", err)
	}
	if _, err := UnmarshalReply(data); err == nil {
		t.Error("expected error for unknown reply status")
	}
}
