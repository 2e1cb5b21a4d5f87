package codec

import (
	"encoding/json"
)

// JSON uses Go's standard library encoding/json for serialization.
// Pros: human-readable, easy to debug.
// Cons: slower due to reflection + string parsing, []byte payloads are base64 encoded.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSON) Type() CodecType {
	return CodecTypeJSON
}
