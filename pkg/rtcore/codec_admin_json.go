package rtcore

import "github.com/goccy/go-json"

// AdminJSONCodec encodes the admin/status snapshot (pool worker counts
// and the known HA master address) served by the serve command's status
// endpoint. goccy/go-json is picked for this path because the status
// handler can be polled frequently by an external health checker.
type AdminJSONCodec struct{}

func (c *AdminJSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *AdminJSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (c *AdminJSONCodec) Name() string {
	return "admin-json-goccy"
}
