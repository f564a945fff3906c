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

// Zerocode run-length-collapses runs of zero bytes in body to {0x00, count}
// with count in 1..255. Runs longer than 255 are split across multiple
// {0x00, 255} pairs.
func Zerocode(body []byte) []byte {
	out := make([]byte, 0, len(body))
	i := 0
	for i < len(body) {
		if body[i] != 0x00 {
			out = append(out, body[i])
			i++
			continue
		}
		run := 0
		for i < len(body) && body[i] == 0x00 && run < 255 {
			run++
			i++
		}
		out = append(out, 0x00, byte(run))
	}
	return out
}

// ZerocodeIfShorter returns the zerocoded form of body along with whether
// it is strictly shorter; Encode callers use this to decide the ZEROCODED
// flag, matching spec.md §4.1's "encoding may choose not to compress if
// compression fails to shrink".
func ZerocodeIfShorter(body []byte) ([]byte, bool) {
	z := Zerocode(body)
	if len(z) < len(body) {
		return z, true
	}
	return body, false
}

// Unzerocode expands a zerocoded body back to its original bytes.
func Unzerocode(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body)*2)
	i := 0
	for i < len(body) {
		if body[i] != 0x00 {
			out = append(out, body[i])
			i++
			continue
		}
		if i+1 >= len(body) {
			return nil, fmt.Errorf("%w: truncated zerocode run", ErrMalformedMessage)
		}
		count := int(body[i+1])
		if count == 0 {
			return nil, fmt.Errorf("%w: zero-length zerocode run", ErrMalformedMessage)
		}
		for n := 0; n < count; n++ {
			out = append(out, 0x00)
		}
		i += 2
	}
	return out, nil
}
