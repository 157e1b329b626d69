// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package payload generalizes the SDK's payload/converter machinery
// (originally built around a Temporal-server proto Payload) into a
// transport-agnostic form: the event log stores opaque bytes with a
// content-type tag, and activities declare a typed schema at registration
// (spec.md §3 WorkflowExecution.Input).
package payload

import "fmt"

const (
	// MetadataEncoding is the key carrying one of the MetadataEncodingXxx
	// values below, analogous to Content-Type.
	MetadataEncoding = "encoding"

	MetadataEncodingBinary   = "binary/plain"
	MetadataEncodingJSON     = "json/plain"
	MetadataEncodingNil      = "binary/null"
	MetadataEncodingProtoJSON = "json/protobuf"

	// MetadataMessageType is a metadata key for the concrete Go/proto type
	// name. None of the converters in this package set or read it.
	MetadataMessageType = "messageType"
)

// Payload is one value as it crosses the wire: the event log, the task
// queue, and the Client ABI. It never appears in workflow-author code,
// which works with its own typed Go values via DataConverter.
type Payload struct {
	Metadata map[string][]byte
	Data     []byte
}

func newPayload(data []byte, c PayloadConverter) *Payload {
	return &Payload{
		Metadata: map[string][]byte{
			MetadataEncoding: []byte(c.Encoding()),
		},
		Data: data,
	}
}

// Payloads is an ordered list, mirroring how a single activity call or
// workflow start carries zero or more positional arguments.
type Payloads struct {
	Payloads []*Payload
}

func (p *Payloads) GetPayloads() []*Payload {
	if p == nil {
		return nil
	}
	return p.Payloads
}

func (p *Payload) GetData() []byte {
	if p == nil {
		return nil
	}
	return p.Data
}

func (p *Payload) GetMetadata() map[string][]byte {
	if p == nil {
		return nil
	}
	return p.Metadata
}

// PayloadConverter converts a single Go value to/from a Payload.
type PayloadConverter interface {
	ToPayload(value interface{}) (*Payload, error)
	FromPayload(payload *Payload, valuePtr interface{}) error
	ToString(payload *Payload) string
	Encoding() string
}

// DataConverter is used by the engine to serialize/deserialize activity and
// workflow input/output that must cross the event-log/task-queue boundary.
type DataConverter interface {
	ToPayloads(values ...interface{}) (*Payloads, error)
	FromPayloads(payloads *Payloads, valuePtrs ...interface{}) error
	ToString(payloads *Payloads) string
}

var (
	ErrUnableToEncode                  = fmt.Errorf("unable to encode")
	ErrUnableToDecode                  = fmt.Errorf("unable to decode")
	ErrUnableToSetValue                = fmt.Errorf("unable to set value")
	ErrValueIsNotPointer               = fmt.Errorf("value is not a pointer")
	ErrValueDoesntImplementProtoMessage = fmt.Errorf("value doesn't implement proto.Message")
	ErrNoData                          = fmt.Errorf("no data available")
	ErrTooManyArg                      = fmt.Errorf("too many arguments")
)
