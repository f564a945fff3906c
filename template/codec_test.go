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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripUseCircuitCode(t *testing.T) {
	tmpl, err := Default()
	require.NoError(t, err)

	spec, ok := tmpl.Lookup("UseCircuitCode")
	require.True(t, ok)

	m := NewMessage(spec)
	agentID := UUID{1, 2, 3}
	sessionID := UUID{4, 5, 6}
	require.NoError(t, m.AddBlock("CircuitCode", Block{
		"Code":      uint32(42),
		"SessionID": sessionID,
		"ID":        agentID,
	}))

	body, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(tmpl, body)
	require.NoError(t, err)
	require.Equal(t, "UseCircuitCode", decoded.Name())

	row, ok := decoded.Block("CircuitCode")
	require.True(t, ok)
	require.Equal(t, uint32(42), row["Code"])
	require.Equal(t, agentID, row["ID"])
	require.Equal(t, sessionID, row["SessionID"])
}

func TestRoundTripZerocoded(t *testing.T) {
	tmpl, err := Default()
	require.NoError(t, err)

	spec, ok := tmpl.Lookup("RegionHandshakeReply")
	require.True(t, ok)

	m := NewMessage(spec)
	require.NoError(t, m.AddBlock("RegionInfo", Block{"Flags": uint32(0)}))

	body, err := Encode(m)
	require.NoError(t, err)

	zerocoded, shrunk := ZerocodeIfShorter(body)
	require.True(t, shrunk, "a body with trailing zero bytes should compress")

	plain, err := Unzerocode(zerocoded)
	require.NoError(t, err)
	require.Equal(t, body, plain)

	decoded, err := Decode(tmpl, plain)
	require.NoError(t, err)
	row, ok := decoded.Block("RegionInfo")
	require.True(t, ok)
	require.Equal(t, uint32(0), row["Flags"])
}

func TestVariableBlockRoundTrip(t *testing.T) {
	tmpl, err := Default()
	require.NoError(t, err)

	spec, ok := tmpl.Lookup("PacketAck")
	require.True(t, ok)

	m := NewMessage(spec)
	for _, id := range []uint32{7, 8, 9} {
		require.NoError(t, m.AddBlock("Packets", Block{"ID": id}))
	}

	body, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(tmpl, body)
	require.NoError(t, err)
	rows := decoded.Rows("Packets")
	require.Len(t, rows, 3)
	require.Equal(t, uint32(7), rows[0]["ID"])
	require.Equal(t, uint32(8), rows[1]["ID"])
	require.Equal(t, uint32(9), rows[2]["ID"])
}

func TestDecodeUnknownOpcodeIsMalformed(t *testing.T) {
	tmpl, err := Default()
	require.NoError(t, err)

	_, err = Decode(tmpl, []byte{250})
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncodeFullPacketAckFitsMTU(t *testing.T) {
	tmpl, err := Default()
	require.NoError(t, err)
	spec, ok := tmpl.Lookup("PacketAck")
	require.True(t, ok)

	m := NewMessage(spec)
	for i := 0; i < 255; i++ {
		require.NoError(t, m.AddBlock("Packets", Block{"ID": uint32(i)}))
	}
	// 255 rows * 4 bytes + 1 count byte + 5 opcode bytes is 1026 bytes, so
	// the largest possible PacketAck still encodes within MaxBodySize.
	body, err := Encode(m)
	require.NoError(t, err)
	require.LessOrEqual(t, len(body), MaxBodySize)
}
