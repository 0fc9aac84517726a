// pkg/codec/jsoncodec.go
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTrailingData means a frame held more than one JSON value.
var ErrTrailingData = errors.New("codec: trailing data after JSON value")

// Codec turns control payloads into bytes and back. Framing is separate; see
// AppendLine and LineReader.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON encodes without HTML escaping and without a trailing newline. Strict
// decoding rejects fields the target does not declare. Numbers decoded into
// untyped values stay json.Number, so integers survive a round trip exactly.
type JSON struct{ Strict bool }

var (
	// JSONStrict is used for payload bodies, whose shape is fixed per type.
	JSONStrict Codec = JSON{Strict: true}
	// JSONLoose is used for envelopes, so a newer peer may add keys.
	JSONLoose Codec = JSON{}
)

func (JSON) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (c JSON) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if c.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	if dec.More() {
		return ErrTrailingData
	}
	return nil
}
