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

import "fmt"

// UUID is a 16-byte message-template LLUUID field value.
type UUID [16]byte

// Block is one repetition row of a message block: field name to value.
// Values are one of: uint8/16/32/64, int8/16/32, float32, float64,
// [3]float32, [4]float32, UUID, or []byte (Variable1/Variable2/Fixed<n>).
type Block map[string]any

// Message is a constructed instance of a MessageSpec: a name for dispatch
// plus concrete block rows.
type Message struct {
	Spec   *MessageSpec
	Blocks map[string][]Block
}

// NewMessage returns an empty Message for spec, ready to have blocks added.
func NewMessage(spec *MessageSpec) *Message {
	return &Message{
		Spec:   spec,
		Blocks: make(map[string][]Block, len(spec.Blocks)),
	}
}

// Name returns the message's name, used for dispatch.
func (m *Message) Name() string {
	return m.Spec.Name
}

// AddBlock appends one row to the named block, validating the block exists
// and, for Single/Multiple blocks, that the declared count is not exceeded.
func (m *Message) AddBlock(name string, row Block) error {
	spec, ok := m.Spec.BlockByName(name)
	if !ok {
		return fmt.Errorf("template: %s: no such block %q", m.Spec.Name, name)
	}
	existing := m.Blocks[name]
	switch spec.Repetition {
	case Single:
		if len(existing) >= 1 {
			return fmt.Errorf("template: %s: block %q is Single, already has a row", m.Spec.Name, name)
		}
	case Multiple:
		if len(existing) >= spec.Count {
			return fmt.Errorf("template: %s: block %q is Multiple(%d), already full", m.Spec.Name, name, spec.Count)
		}
	case Variable:
		if len(existing) >= 255 {
			return fmt.Errorf("template: %s: block %q variable count overflow", m.Spec.Name, name)
		}
	}
	m.Blocks[name] = append(existing, row)
	return nil
}

// Block returns the first (or only) row of the named block.
func (m *Message) Block(name string) (Block, bool) {
	rows, ok := m.Blocks[name]
	if !ok || len(rows) == 0 {
		return nil, false
	}
	return rows[0], true
}

// Rows returns every row of the named block, in encoded order.
func (m *Message) Rows(name string) []Block {
	return m.Blocks[name]
}
