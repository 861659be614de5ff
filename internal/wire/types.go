// Package wire defines the request/reply envelope exchanged between a
// Manager and a Worker over the framed transport, and its msgpack
// encoding.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Status is the first element of every reply tuple.
type Status int

const (
	// StatusOK means the call returned a value normally.
	StatusOK Status = 0
	// StatusRaised means the called method raised; the reply carries the
	// remote exception and a formatted traceback.
	StatusRaised Status = 1
	// StatusSerializeError means the method returned, but the result
	// itself could not be serialized for the wire; the reply carries
	// only a formatted traceback (the result value is dropped, since it
	// is precisely what failed to encode).
	StatusSerializeError Status = 2
)

// Request is what the Manager sends to a Worker: a method name and its
// positional arguments.
type Request struct {
	Method string        `msgpack:"method"`
	Args   []interface{} `msgpack:"args"`
}

// Marshal encodes the request with msgpack.
func (r *Request) Marshal() ([]byte, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}

// UnmarshalRequest decodes a request previously produced by Marshal.
func UnmarshalRequest(data []byte) (*Request, error) {
	var r Request
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &r, nil
}

// Reply is what a Worker sends back: a status followed by a
// status-dependent payload. It is encoded as a plain array on the wire
// so that both sides agree purely on position: (0, result) |
// (1, exc, tb) | (2, tb).
type Reply struct {
	Status    Status
	Result    interface{}
	Exception *RemoteException
	Traceback string
}

// RemoteException is the serialized form of an exception raised inside a
// worker method, reconstructed locally as a Go error by Worker.Call.
type RemoteException struct {
	Type    string `msgpack:"type"`
	Message string `msgpack:"message"`
}

func (e *RemoteException) Error() string {
	if e == nil {
		return "remote exception"
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// replyWire is the literal array-shaped representation used on the wire.
// Only the fields relevant to the status are present; msgpack encodes a
// Go slice of interface{} as a msgpack array, matching the tuple shape.
func (r *Reply) toWire() []interface{} {
	switch r.Status {
	case StatusOK:
		return []interface{}{int(StatusOK), r.Result}
	case StatusRaised:
		return []interface{}{int(StatusRaised), r.Exception, r.Traceback}
	case StatusSerializeError:
		return []interface{}{int(StatusSerializeError), r.Traceback}
	default:
		return []interface{}{int(r.Status)}
	}
}

// Marshal encodes the reply as a msgpack array per the reply-tuple shape.
func (r *Reply) Marshal() ([]byte, error) {
	data, err := msgpack.Marshal(r.toWire())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply: %w", err)
	}
	return data, nil
}

// UnmarshalReply decodes a reply tuple, dispatching on its first element.
func UnmarshalReply(data []byte) (*Reply, error) {
	var tuple []interface{}
	if err := msgpack.Unmarshal(data, &tuple); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if len(tuple) == 0 {
		return nil, fmt.Errorf("empty reply tuple")
	}

	status, err := toStatus(tuple[0])
	if err != nil {
		return nil, err
	}

	switch status {
	case StatusOK:
		if len(tuple) < 2 {
			return nil, fmt.Errorf("status-0 reply missing result element")
		}
		return &Reply{Status: StatusOK, Result: tuple[1]}, nil
	case StatusRaised:
		if len(tuple) < 3 {
			return nil, fmt.Errorf("status-1 reply missing exception/traceback elements")
		}
		exc, err := toRemoteException(tuple[1])
		if err != nil {
			return nil, err
		}
		tb, _ := tuple[2].(string)
		return &Reply{Status: StatusRaised, Exception: exc, Traceback: tb}, nil
	case StatusSerializeError:
		if len(tuple) < 2 {
			return nil, fmt.Errorf("status-2 reply missing traceback element")
		}
		tb, _ := tuple[1].(string)
		return &Reply{Status: StatusSerializeError, Traceback: tb}, nil
	default:
		return nil, fmt.Errorf("unknown reply status %d", status)
	}
}

func toStatus(v interface{}) (Status, error) {
	switch n := v.(type) {
	case int8:
		return Status(n), nil
	case int64:
		return Status(n), nil
	case uint64:
		return Status(n), nil
	case int:
		return Status(n), nil
	default:
		return 0, fmt.Errorf("reply status has unexpected type %T", v)
	}
}

func toRemoteException(v interface{}) (*RemoteException, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("exception element has unexpected type %T", v)
	}
	excType, _ := m["type"].(string)
	excMsg, _ := m["message"].(string)
	return &RemoteException{Type: excType, Message: excMsg}, nil
}

// NewOKReply builds a successful reply.
func NewOKReply(result interface{}) *Reply {
	return &Reply{Status: StatusOK, Result: result}
}

// NewRaisedReply builds a reply reporting a method-dispatch failure.
func NewRaisedReply(excType, excMessage, traceback string) *Reply {
	return &Reply{
		Status:    StatusRaised,
		Exception: &RemoteException{Type: excType, Message: excMessage},
		Traceback: traceback,
	}
}

// NewSerializeErrorReply builds a reply reporting a result-encoding
// failure on the worker side.
func NewSerializeErrorReply(traceback string) *Reply {
	return &Reply{Status: StatusSerializeError, Traceback: traceback}
}
