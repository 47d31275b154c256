package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec carries paxos envelopes and management payloads as JSON, so no
// protobuf codegen is needed. Raw envelopes pass through untouched.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	if raw, ok := v.(*json.RawMessage); ok && raw != nil {
		return *raw, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(b []byte, v interface{}) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], b...)
		return nil
	}
	return json.Unmarshal(b, v)
}

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
