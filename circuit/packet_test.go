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

package circuit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendedAckWireFormat(t *testing.T) {
	pkt := &Packet{
		Flags:    FlagReliable,
		Sequence: 99,
		Body:     []byte{0x01},
		Acks:     []uint32{7, 8},
	}
	raw, err := Encode(pkt)
	require.NoError(t, err)

	tail := raw[len(raw)-9:]
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x08, 0x02}, tail)
	require.Equal(t, FlagReliable|FlagAckAppended, Flags(raw[0]))
}

func TestAppendedAckRoundTrip(t *testing.T) {
	for k := 0; k <= 255; k += 17 {
		var acks []uint32
		for i := 0; i < k; i++ {
			acks = append(acks, uint32(i+1))
		}
		pkt := &Packet{Flags: FlagReliable, Sequence: 1, Body: []byte{1, 2, 3}, Acks: acks}
		raw, err := Encode(pkt)
		require.NoError(t, err)

		decoded, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, pkt.Body, decoded.Body)
		require.Equal(t, acks, decoded.Acks)
	}
}

func TestDecodeTooShortIsMalformed(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x00})
	require.ErrorIs(t, err, ErrMalformedDatagram)
}

func TestSeenWindowSuppressesDuplicates(t *testing.T) {
	w := newSeenWindow()
	require.False(t, w.Seen(5))
	w.Record(5)
	require.True(t, w.Seen(5))
}

func TestSeenWindowEvictsOldest(t *testing.T) {
	w := newSeenWindow()
	for i := uint32(0); i < seenWindowSize; i++ {
		w.Record(i)
	}
	require.True(t, w.Seen(0))
	w.Record(seenWindowSize)
	require.False(t, w.Seen(0), "oldest entry should have been evicted")
	require.True(t, w.Seen(seenWindowSize))
}
