package payload

import "fmt"

// CompositeDataConverter tries each PayloadConverter in order and uses the
// first one whose ToPayload returns a non-nil payload. DefaultDataConverter
// wires nil -> []byte -> proto-JSON -> JSON, the same precedence the SDK
// this engine is modeled on uses, so a workflow author never has to think
// about which converter handles a given argument.
type CompositeDataConverter struct {
	converters       []PayloadConverter
	converterByEncoding map[string]PayloadConverter
}

func NewCompositeDataConverter(converters ...PayloadConverter) *CompositeDataConverter {
	byEncoding := make(map[string]PayloadConverter, len(converters))
	for _, c := range converters {
		byEncoding[c.Encoding()] = c
	}
	return &CompositeDataConverter{converters: converters, converterByEncoding: byEncoding}
}

// DefaultDataConverter is the converter used when a workflow or activity is
// registered without an explicit override.
var DefaultDataConverter = NewCompositeDataConverter(
	NewNilPayloadConverter(),
	NewByteSlicePayloadConverter(),
	NewProtoJSONPayloadConverter(),
	NewJSONPayloadConverter(),
)

func (dc *CompositeDataConverter) ToPayloads(values ...interface{}) (*Payloads, error) {
	if len(values) == 0 {
		return nil, nil
	}
	result := &Payloads{Payloads: make([]*Payload, len(values))}
	for i, value := range values {
		p, err := dc.toPayload(value)
		if err != nil {
			return nil, fmt.Errorf("value: %v of type: %T: %w", value, value, err)
		}
		result.Payloads[i] = p
	}
	return result, nil
}

func (dc *CompositeDataConverter) toPayload(value interface{}) (*Payload, error) {
	for _, c := range dc.converters {
		p, err := c.ToPayload(value)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no converter matched", ErrUnableToEncode)
}

func (dc *CompositeDataConverter) FromPayloads(payloads *Payloads, valuePtrs ...interface{}) error {
	if payloads == nil {
		return nil
	}
	if len(valuePtrs) > len(payloads.Payloads) {
		return ErrTooManyArg
	}
	for i, vp := range valuePtrs {
		if err := dc.fromPayload(payloads.Payloads[i], vp); err != nil {
			return fmt.Errorf("value: %v of type: %T: %w", vp, vp, err)
		}
	}
	return nil
}

func (dc *CompositeDataConverter) fromPayload(payload *Payload, valuePtr interface{}) error {
	encoding, ok := payload.GetMetadata()[MetadataEncoding]
	if !ok {
		return fmt.Errorf("unable to determine payload encoding: missing %q metadata", MetadataEncoding)
	}
	c, ok := dc.converterByEncoding[string(encoding)]
	if !ok {
		return fmt.Errorf("no payload converter registered for encoding %q", encoding)
	}
	return c.FromPayload(payload, valuePtr)
}

func (dc *CompositeDataConverter) ToString(payloads *Payloads) string {
	if payloads == nil {
		return ""
	}
	result := ""
	for i, p := range payloads.Payloads {
		if i > 0 {
			result += ", "
		}
		encoding, ok := p.GetMetadata()[MetadataEncoding]
		if !ok {
			result += "<unknown>"
			continue
		}
		c, ok := dc.converterByEncoding[string(encoding)]
		if !ok {
			result += "<unknown>"
			continue
		}
		result += c.ToString(p)
	}
	return result
}
