// Package codec encodes queue messages for brokers that store raw bytes.
package codec

import (
	"encoding/json"
	"fmt"

	"async-dispatch/internal/domain"

	"github.com/fxamacker/cbor/v2"
)

const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

type jsonCodec struct{}

// JSON returns the default codec.
func JSON() domain.Codec { return jsonCodec{} }

func (jsonCodec) Name() string                       { return NameJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a canonical CBOR codec. Timestamps are written as tagged
// RFC 3339 strings so sub-second precision survives the round trip.
func CBOR() (domain.Codec, error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TimeTag = cbor.EncTagRequired
	em, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("build cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("build cbor decoder: %w", err)
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) Name() string                       { return NameCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// New returns the codec registered under name.
func New(name string) (domain.Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON(), nil
	case NameCBOR:
		return CBOR()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
