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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Parse reads the textual message-template grammar (SPEC_FULL.md §6) and
// returns the frozen Template it describes.
//
// Grammar, one directive per line, blank lines and '#' comments ignored:
//
//	message <Name> <Frequency> <NumericID> <Trust> <Encoding>
//	  block <BlockName> <Repetition>
//	    field <FieldName> <FieldType> [Size]
//	  endblock
//	endmessage
func Parse(r io.Reader) (*Template, error) {
	sc := bufio.NewScanner(r)
	var specs []*MessageSpec
	var cur *MessageSpec
	var curBlock *BlockSpec
	lineNo := 0

	flush := func() {
		if curBlock != nil && cur != nil {
			cur.Blocks = append(cur.Blocks, *curBlock)
			curBlock = nil
		}
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		kw := fields[0]

		switch kw {
		case "message":
			if cur != nil {
				return nil, fmt.Errorf("template: line %d: nested message", lineNo)
			}
			spec, err := parseMessageHeader(fields)
			if err != nil {
				return nil, fmt.Errorf("template: line %d: %w", lineNo, err)
			}
			cur = spec
		case "block":
			if cur == nil {
				return nil, fmt.Errorf("template: line %d: block outside message", lineNo)
			}
			flush()
			b, err := parseBlockHeader(fields)
			if err != nil {
				return nil, fmt.Errorf("template: line %d: %w", lineNo, err)
			}
			curBlock = b
		case "field":
			if curBlock == nil {
				return nil, fmt.Errorf("template: line %d: field outside block", lineNo)
			}
			f, err := parseField(fields)
			if err != nil {
				return nil, fmt.Errorf("template: line %d: %w", lineNo, err)
			}
			curBlock.Fields = append(curBlock.Fields, f)
		case "endblock":
			if curBlock == nil {
				return nil, fmt.Errorf("template: line %d: endblock without block", lineNo)
			}
			flush()
		case "endmessage":
			if cur == nil {
				return nil, fmt.Errorf("template: line %d: endmessage without message", lineNo)
			}
			flush()
			specs = append(specs, cur)
			cur = nil
		default:
			return nil, fmt.Errorf("template: line %d: unknown directive %q", lineNo, kw)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("template: scan: %w", err)
	}
	if cur != nil {
		return nil, fmt.Errorf("template: unterminated message %q", cur.Name)
	}
	return newTemplate(specs)
}

func parseMessageHeader(fields []string) (*MessageSpec, error) {
	if len(fields) != 6 {
		return nil, fmt.Errorf("message: want 5 args, got %d", len(fields)-1)
	}
	freq, err := parseFrequency(fields[2])
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(fields[3], "0x"), hexOrDec(fields[3]), 32)
	if err != nil {
		return nil, fmt.Errorf("message: numeric id: %w", err)
	}
	trust, err := parseTrust(fields[4])
	if err != nil {
		return nil, err
	}
	enc, err := parseEncoding(fields[5])
	if err != nil {
		return nil, err
	}
	return &MessageSpec{
		Name:      fields[1],
		Frequency: freq,
		NumericID: uint32(id),
		Trust:     trust,
		Encoding:  enc,
	}, nil
}

func hexOrDec(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

func parseFrequency(s string) (Frequency, error) {
	switch s {
	case "High":
		return High, nil
	case "Medium":
		return Medium, nil
	case "Low":
		return Low, nil
	case "Fixed":
		return Fixed, nil
	default:
		return 0, fmt.Errorf("unknown frequency %q", s)
	}
}

func parseTrust(s string) (Trust, error) {
	switch s {
	case "Trusted":
		return Trusted, nil
	case "NotTrusted":
		return NotTrusted, nil
	default:
		return 0, fmt.Errorf("unknown trust %q", s)
	}
}

func parseEncoding(s string) (Encoding, error) {
	switch s {
	case "Zerocoded":
		return Zerocoded, nil
	case "Unencoded":
		return Unencoded, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", s)
	}
}

func parseBlockHeader(fields []string) (*BlockSpec, error) {
	if len(fields) < 3 {
		return nil, fmt.Errorf("block: want at least 2 args, got %d", len(fields)-1)
	}
	b := &BlockSpec{Name: fields[1]}
	switch fields[2] {
	case "Single":
		b.Repetition = Single
	case "Variable":
		b.Repetition = Variable
	case "Multiple":
		if len(fields) != 4 {
			return nil, fmt.Errorf("block: Multiple requires a count")
		}
		n, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("block: Multiple count: %w", err)
		}
		b.Repetition = Multiple
		b.Count = n
	default:
		return nil, fmt.Errorf("unknown repetition %q", fields[2])
	}
	return b, nil
}

var fieldTypes = map[string]FieldType{
	"U8":           FieldU8,
	"U16":          FieldU16,
	"U32":          FieldU32,
	"U64":          FieldU64,
	"S8":           FieldS8,
	"S16":          FieldS16,
	"S32":          FieldS32,
	"F32":          FieldF32,
	"F64":          FieldF64,
	"LLVector3":    FieldLLVector3,
	"LLVector4":    FieldLLVector4,
	"LLQuaternion": FieldLLQuaternion,
	"LLUUID":       FieldLLUUID,
	"Variable1":    FieldVariable1,
	"Variable2":    FieldVariable2,
}

func parseField(fields []string) (FieldSpec, error) {
	if len(fields) < 3 {
		return FieldSpec{}, fmt.Errorf("field: want at least 2 args, got %d", len(fields)-1)
	}
	name := fields[1]
	typeTok := fields[2]
	if strings.HasPrefix(typeTok, "Fixed") {
		n, err := strconv.Atoi(strings.TrimPrefix(typeTok, "Fixed"))
		if err != nil {
			return FieldSpec{}, fmt.Errorf("field: Fixed<n>: %w", err)
		}
		return FieldSpec{Name: name, Type: FieldFixed, Size: n}, nil
	}
	ft, ok := fieldTypes[typeTok]
	if !ok {
		return FieldSpec{}, fmt.Errorf("unknown field type %q", typeTok)
	}
	return FieldSpec{Name: name, Type: ft}, nil
}

var (
	defaultOnce     sync.Once
	defaultTemplate *Template
	defaultErr      error
)

// Default returns the embedded default message set (SPEC_FULL.md's
// supported subset), parsed once and shared read-only by every Simulator,
// matching spec.md §3's "loaded once at process start; immutable" lifecycle.
func Default() (*Template, error) {
	defaultOnce.Do(func() {
		defaultTemplate, defaultErr = Parse(strings.NewReader(defaultSchema))
	})
	return defaultTemplate, defaultErr
}
