// Package wire implements the binary protocol frame exchanged between the
// gateway and WebSocket clients.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Control codes understood by the gateway's session state machine.
const (
	CodeRegister          int32 = 200
	CodeRegisterSuccess   int32 = 201
	CodeHeartbeat         int32 = 206
	CodeHeartbeatSuccess  int32 = 207
)

// PayloadTypeURL is the type URL stamped on every envelope this gateway
// produces. Cross-service compatibility depends on downstream consumers
// agreeing on this URL; it is not negotiated.
const PayloadTypeURL = "type.googleapis.com/cuckoo.gateway.v1.Payload"

const (
	fieldCode = protowire.Number(1)
	fieldData = protowire.Number(2)
)

// Frame is the wire-level message: a small integer code plus an opaque
// envelope. It is hand-encoded with protowire rather than through generated
// code because no .proto definition for it ships in this repo; the two
// fields below are wire-compatible with a message defined as:
//
//	message Frame {
//	  int32 code = 1;
//	  bytes data = 2;
//	}
type Frame struct {
	Code int32
	Data []byte
}

// Marshal serializes the frame to its binary wire form.
func (f *Frame) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(f.Code)))
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Data)
	return b
}

// Unmarshal decodes a binary wire frame. Unknown fields are skipped rather
// than rejected, matching protobuf's forward-compatibility contract.
func Unmarshal(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: invalid code field: %w", protowire.ParseError(n))
			}
			f.Code = int32(uint32(v))
			b = b[n:]
		case fieldData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: invalid data field: %w", protowire.ParseError(n))
			}
			f.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

// WrapEnvelope marshals payload into an anypb.Any stamped with
// PayloadTypeURL, the polymorphic envelope carried in Frame.Data.
func WrapEnvelope(payload []byte) ([]byte, error) {
	any := &anypb.Any{
		TypeUrl: PayloadTypeURL,
		Value:   payload,
	}
	return proto.Marshal(any)
}

// UnwrapEnvelope reverses WrapEnvelope, returning the original payload
// bytes regardless of the stamped type URL (the gateway does not interpret
// payload semantics beyond the control codes).
func UnwrapEnvelope(data []byte) ([]byte, error) {
	any := &anypb.Any{}
	if err := proto.Unmarshal(data, any); err != nil {
		return nil, fmt.Errorf("wire: invalid envelope: %w", err)
	}
	return any.GetValue(), nil
}

// NewFrame builds a frame whose data is the wrapped envelope of payload.
func NewFrame(code int32, payload []byte) (*Frame, error) {
	data, err := WrapEnvelope(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Code: code, Data: data}, nil
}
