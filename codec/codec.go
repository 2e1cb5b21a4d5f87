// Package codec serializes envelopes and business payloads.
//
// The frame layer is agnostic to the encoding; both peers only have to agree
// on it. CBOR is the default: it is binary, self-describing and tolerant of
// unknown fields, so kinds and payload fields can be added without breaking
// older peers. JSON is available for debugging a pipe by eye.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeCBOR CodecType = 0
	CodecTypeJSON CodecType = 1
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Type() CodecType // 0=CBOR, 1=JSON
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return JSON{}
	}

	return CBOR{}
}

// Lookup resolves a configuration name ("cbor" or "json").
func Lookup(name string) (Codec, error) {
	switch name {
	case "", "cbor":
		return CBOR{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeCBOR:
		return "cbor"
	case CodecTypeJSON:
		return "json"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}
