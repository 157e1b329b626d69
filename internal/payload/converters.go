package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NilPayloadConverter handles the nil interface value, encoding it as a
// payload with no data and MetadataEncodingNil so FromPayload can
// distinguish "value was explicitly nil" from "no converter matched".
type NilPayloadConverter struct{}

func NewNilPayloadConverter() *NilPayloadConverter { return &NilPayloadConverter{} }

func (c *NilPayloadConverter) ToPayload(value interface{}) (*Payload, error) {
	if isInterfaceNil(value) {
		return newPayload(nil, c), nil
	}
	return nil, nil
}

func (c *NilPayloadConverter) FromPayload(payload *Payload, valuePtr interface{}) error {
	return nil
}

func (c *NilPayloadConverter) ToString(payload *Payload) string { return "nil" }
func (c *NilPayloadConverter) Encoding() string                 { return MetadataEncodingNil }

// ByteSlicePayloadConverter passes []byte through untouched, the fast path
// activities that already work with raw bytes (e.g. uploaded file chunks)
// use to avoid a JSON round trip.
type ByteSlicePayloadConverter struct{}

func NewByteSlicePayloadConverter() *ByteSlicePayloadConverter { return &ByteSlicePayloadConverter{} }

func (c *ByteSlicePayloadConverter) ToPayload(value interface{}) (*Payload, error) {
	if b, ok := value.([]byte); ok {
		return newPayload(b, c), nil
	}
	return nil, nil
}

func (c *ByteSlicePayloadConverter) FromPayload(payload *Payload, valuePtr interface{}) error {
	valueBytes, ok := valuePtr.(*[]byte)
	if !ok {
		return fmt.Errorf("type %T: %w", valuePtr, ErrUnableToSetValue)
	}
	*valueBytes = payload.GetData()
	return nil
}

func (c *ByteSlicePayloadConverter) ToString(payload *Payload) string {
	return string(payload.GetData())
}
func (c *ByteSlicePayloadConverter) Encoding() string { return MetadataEncodingBinary }

// JSONPayloadConverter is the fallback converter: encoding/json for any Go
// value that isn't a proto message and isn't nil/[]byte.
type JSONPayloadConverter struct{}

func NewJSONPayloadConverter() *JSONPayloadConverter { return &JSONPayloadConverter{} }

func (c *JSONPayloadConverter) ToPayload(value interface{}) (*Payload, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnableToEncode, err)
	}
	return newPayload(data, c), nil
}

func (c *JSONPayloadConverter) FromPayload(payload *Payload, valuePtr interface{}) error {
	if err := json.Unmarshal(payload.GetData(), valuePtr); err != nil {
		return fmt.Errorf("%w: %v", ErrUnableToDecode, err)
	}
	return nil
}

func (c *JSONPayloadConverter) ToString(payload *Payload) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload.GetData(), "", "  "); err != nil {
		return string(payload.GetData())
	}
	return buf.String()
}
func (c *JSONPayloadConverter) Encoding() string { return MetadataEncodingJSON }
