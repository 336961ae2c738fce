package codec

import (
	"encoding/json"
)

// JSONCodec encodes the envelope with encoding/json. Parameters, return values and event
// payloads are already json.RawMessage, so they are embedded verbatim rather than re-quoted.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
