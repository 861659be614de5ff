package rtcore

import "fmt"

// Codec is a small serialization abstraction used by the JSON-facing
// edges of the runtime that do not go through the msgpack wire codec in
// internal/wire. Currently backs the admin/status endpoint.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// CodecType selects a concrete Codec implementation.
type CodecType string

// CodecAdminJSON is used for the admin/status snapshot.
const CodecAdminJSON CodecType = "admin-json"

// NewCodec creates a new codec for the given concern.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecAdminJSON:
		return &AdminJSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec type: %s", codecType)
	}
}
