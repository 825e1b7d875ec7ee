package codec

import (
	"encoding/json"
)

// JSONCodec encodes the envelope with encoding/json. Readable on the wire,
// which helps when debugging an extension written in another language.
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
