/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package template

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedMessage is returned for unknown opcodes, truncated bodies,
// block count overflow, or variable-length overflow while decoding.
var ErrMalformedMessage = errors.New("template: malformed message")

// ErrOversizeMessage is returned by Encode when the body would exceed MTU.
var ErrOversizeMessage = errors.New("template: oversize message")

// MaxBodySize is the largest body Encode will produce, matching the
// conventional UDP MTU budget for this protocol.
const MaxBodySize = 1200

// Encode serialises m's opcode and block/field values into a body (no
// packet header, no acks — those are the Circuit's concern).
func Encode(m *Message) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = appendOpcode(buf, m.Spec)

	for _, block := range m.Spec.Blocks {
		rows := m.Blocks[block.Name]
		switch block.Repetition {
		case Single:
			if len(rows) != 1 {
				return nil, fmt.Errorf("%w: %s: block %q wants exactly 1 row, got %d", ErrMalformedMessage, m.Spec.Name, block.Name, len(rows))
			}
		case Multiple:
			if len(rows) != block.Count {
				return nil, fmt.Errorf("%w: %s: block %q wants %d rows, got %d", ErrMalformedMessage, m.Spec.Name, block.Name, block.Count, len(rows))
			}
		case Variable:
			if len(rows) > 255 {
				return nil, fmt.Errorf("%w: %s: block %q has %d rows, exceeds 255", ErrMalformedMessage, m.Spec.Name, block.Name, len(rows))
			}
			buf = append(buf, byte(len(rows)))
		}
		for _, row := range rows {
			var err error
			buf, err = appendRow(buf, block, row)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", m.Spec.Name, err)
			}
		}
	}

	if len(buf) > MaxBodySize {
		return nil, fmt.Errorf("%w: %s: %d bytes", ErrOversizeMessage, m.Spec.Name, len(buf))
	}
	return buf, nil
}

func appendOpcode(buf []byte, spec *MessageSpec) []byte {
	switch spec.Frequency {
	case High:
		return append(buf, byte(spec.NumericID))
	case Medium:
		return append(buf, 0xFF, byte(spec.NumericID))
	case Low:
		return append(buf, 0xFF, 0xFF, byte(spec.NumericID>>8), byte(spec.NumericID))
	case Fixed:
		return append(buf, 0xFF, 0xFF, 0xFF, 0xFF, byte(spec.NumericID))
	default:
		return buf
	}
}

func appendRow(buf []byte, block BlockSpec, row Block) ([]byte, error) {
	for _, f := range block.Fields {
		v, ok := row[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: block %q missing field %q", ErrMalformedMessage, block.Name, f.Name)
		}
		var err error
		buf, err = appendField(buf, f, v)
		if err != nil {
			return nil, fmt.Errorf("block %q: field %q: %w", block.Name, f.Name, err)
		}
	}
	return buf, nil
}

func appendField(buf []byte, f FieldSpec, v any) ([]byte, error) {
	switch f.Type {
	case FieldU8:
		return append(buf, v.(uint8)), nil
	case FieldS8:
		return append(buf, byte(v.(int8))), nil
	case FieldU16:
		return binary.LittleEndian.AppendUint16(buf, v.(uint16)), nil
	case FieldS16:
		return binary.LittleEndian.AppendUint16(buf, uint16(v.(int16))), nil
	case FieldU32:
		return binary.LittleEndian.AppendUint32(buf, v.(uint32)), nil
	case FieldS32:
		return binary.LittleEndian.AppendUint32(buf, uint32(v.(int32))), nil
	case FieldU64:
		return binary.LittleEndian.AppendUint64(buf, v.(uint64)), nil
	case FieldF32:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v.(float32))), nil
	case FieldF64:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.(float64))), nil
	case FieldLLVector3:
		vec := v.([3]float32)
		for _, c := range vec {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(c))
		}
		return buf, nil
	case FieldLLVector4, FieldLLQuaternion:
		vec := v.([4]float32)
		for _, c := range vec {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(c))
		}
		return buf, nil
	case FieldLLUUID:
		id := v.(UUID)
		return append(buf, id[:]...), nil
	case FieldVariable1:
		b := v.([]byte)
		if len(b) > 255 {
			return nil, fmt.Errorf("%w: Variable1 length %d exceeds 255", ErrMalformedMessage, len(b))
		}
		buf = append(buf, byte(len(b)))
		return append(buf, b...), nil
	case FieldVariable2:
		b := v.([]byte)
		if len(b) > 65535 {
			return nil, fmt.Errorf("%w: Variable2 length %d exceeds 65535", ErrMalformedMessage, len(b))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
		return append(buf, b...), nil
	case FieldFixed:
		b := v.([]byte)
		if len(b) != f.Size {
			return nil, fmt.Errorf("%w: Fixed%d got %d bytes", ErrMalformedMessage, f.Size, len(b))
		}
		return append(buf, b...), nil
	default:
		return nil, fmt.Errorf("%w: unknown field type %d", ErrMalformedMessage, f.Type)
	}
}

// Decode parses a body (no packet header) against tmpl and returns the
// resulting Message.
func Decode(tmpl *Template, body []byte) (*Message, error) {
	freq, id, rest, err := decodeOpcode(body)
	if err != nil {
		return nil, err
	}
	spec, ok := tmpl.LookupOpcode(freq, id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown opcode %s/%d", ErrMalformedMessage, freq, id)
	}
	m := NewMessage(spec)
	for _, block := range spec.Blocks {
		count := 1
		switch block.Repetition {
		case Multiple:
			count = block.Count
		case Variable:
			if len(rest) < 1 {
				return nil, fmt.Errorf("%w: %s: truncated variable block count", ErrMalformedMessage, spec.Name)
			}
			count = int(rest[0])
			rest = rest[1:]
		}
		for i := 0; i < count; i++ {
			row := Block{}
			rest, err = decodeRow(rest, block, row)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", spec.Name, err)
			}
			m.Blocks[block.Name] = append(m.Blocks[block.Name], row)
		}
	}
	return m, nil
}

func decodeOpcode(body []byte) (Frequency, uint32, []byte, error) {
	if len(body) < 1 {
		return 0, 0, nil, fmt.Errorf("%w: empty body", ErrMalformedMessage)
	}
	if body[0] != 0xFF {
		return High, uint32(body[0]), body[1:], nil
	}
	if len(body) < 2 {
		return 0, 0, nil, fmt.Errorf("%w: truncated medium opcode", ErrMalformedMessage)
	}
	if body[1] != 0xFF {
		return Medium, uint32(body[1]), body[2:], nil
	}
	if len(body) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: truncated low/fixed opcode", ErrMalformedMessage)
	}
	if body[2] != 0xFF || body[3] != 0xFF {
		return Low, uint32(body[2])<<8 | uint32(body[3]), body[4:], nil
	}
	if len(body) < 5 {
		return 0, 0, nil, fmt.Errorf("%w: truncated fixed opcode", ErrMalformedMessage)
	}
	return Fixed, uint32(body[4]), body[5:], nil
}

func decodeRow(body []byte, block BlockSpec, row Block) ([]byte, error) {
	for _, f := range block.Fields {
		var v any
		var err error
		v, body, err = decodeField(body, f)
		if err != nil {
			return nil, fmt.Errorf("block %q: field %q: %w", block.Name, f.Name, err)
		}
		row[f.Name] = v
	}
	return body, nil
}

func need(body []byte, n int) error {
	if len(body) < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedMessage, n, len(body))
	}
	return nil
}

func decodeField(body []byte, f FieldSpec) (any, []byte, error) {
	switch f.Type {
	case FieldU8:
		if err := need(body, 1); err != nil {
			return nil, nil, err
		}
		return body[0], body[1:], nil
	case FieldS8:
		if err := need(body, 1); err != nil {
			return nil, nil, err
		}
		return int8(body[0]), body[1:], nil
	case FieldU16:
		if err := need(body, 2); err != nil {
			return nil, nil, err
		}
		return binary.LittleEndian.Uint16(body), body[2:], nil
	case FieldS16:
		if err := need(body, 2); err != nil {
			return nil, nil, err
		}
		return int16(binary.LittleEndian.Uint16(body)), body[2:], nil
	case FieldU32:
		if err := need(body, 4); err != nil {
			return nil, nil, err
		}
		return binary.LittleEndian.Uint32(body), body[4:], nil
	case FieldS32:
		if err := need(body, 4); err != nil {
			return nil, nil, err
		}
		return int32(binary.LittleEndian.Uint32(body)), body[4:], nil
	case FieldU64:
		if err := need(body, 8); err != nil {
			return nil, nil, err
		}
		return binary.LittleEndian.Uint64(body), body[8:], nil
	case FieldF32:
		if err := need(body, 4); err != nil {
			return nil, nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(body)), body[4:], nil
	case FieldF64:
		if err := need(body, 8); err != nil {
			return nil, nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(body)), body[8:], nil
	case FieldLLVector3:
		if err := need(body, 12); err != nil {
			return nil, nil, err
		}
		var vec [3]float32
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return vec, body[12:], nil
	case FieldLLVector4, FieldLLQuaternion:
		if err := need(body, 16); err != nil {
			return nil, nil, err
		}
		var vec [4]float32
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return vec, body[16:], nil
	case FieldLLUUID:
		if err := need(body, 16); err != nil {
			return nil, nil, err
		}
		var id UUID
		copy(id[:], body[:16])
		return id, body[16:], nil
	case FieldVariable1:
		if err := need(body, 1); err != nil {
			return nil, nil, err
		}
		n := int(body[0])
		body = body[1:]
		if err := need(body, n); err != nil {
			return nil, nil, err
		}
		out := make([]byte, n)
		copy(out, body[:n])
		return out, body[n:], nil
	case FieldVariable2:
		if err := need(body, 2); err != nil {
			return nil, nil, err
		}
		n := int(binary.LittleEndian.Uint16(body))
		body = body[2:]
		if err := need(body, n); err != nil {
			return nil, nil, err
		}
		out := make([]byte, n)
		copy(out, body[:n])
		return out, body[n:], nil
	case FieldFixed:
		if err := need(body, f.Size); err != nil {
			return nil, nil, err
		}
		out := make([]byte, f.Size)
		copy(out, body[:f.Size])
		return out, body[f.Size:], nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown field type %d", ErrMalformedMessage, f.Type)
	}
}
