package io

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns payloads into the opaque blobs stored in history. Encoding
// must be deterministic: replay compares recorded inputs byte for byte.
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

var (
	CBOR Codec = newCBORCodec()
	JSON Codec = jsonCodec{}
)

// CodecByName resolves "cbor" or "json".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CBOR.Name():
		return CBOR, nil
	case JSON.Name():
		return JSON, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoding mode: %v", err))
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoding mode: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (c cborCodec) Name() string { return "cbor" }

func (c cborCodec) Marshal(v interface{}) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte, v interface{}) error {
	return c.dec.Unmarshal(data, v)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
