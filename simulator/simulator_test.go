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

package simulator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hippolib/slviewer/circuit"
	"github.com/hippolib/slviewer/template"
)

// fakeRegion is a minimal loopback stand-in for a simulator host, used to
// drive Simulator.Connect / RegionHandshake / ping through a real socket.
type fakeRegion struct {
	conn *net.UDPConn
	tmpl *template.Template
}

func newFakeRegion(t *testing.T) (*fakeRegion, circuit.Address) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	tmpl, err := template.Default()
	require.NoError(t, err)
	addr := conn.LocalAddr().(*net.UDPAddr)
	return &fakeRegion{conn: conn, tmpl: tmpl}, circuit.NewAddress(addr.IP, uint16(addr.Port))
}

func (f *fakeRegion) recv(t *testing.T) (*circuit.Packet, *template.Message, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 4096)
	f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := f.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt, err := circuit.Decode(buf[:n])
	require.NoError(t, err)
	msg, err := template.Decode(f.tmpl, pkt.Body)
	require.NoError(t, err)
	return pkt, msg, from
}

func (f *fakeRegion) send(t *testing.T, to *net.UDPAddr, seq uint32, reliable bool, m *template.Message) {
	t.Helper()
	body, err := template.Encode(m)
	require.NoError(t, err)
	flags := circuit.Flags(0)
	if reliable {
		flags |= circuit.FlagReliable
	}
	raw, err := circuit.Encode(&circuit.Packet{Flags: flags, Sequence: seq, Body: body})
	require.NoError(t, err)
	_, err = f.conn.WriteToUDP(raw, to)
	require.NoError(t, err)
}

func TestConnectSendsUseCircuitCodeAndHandshakes(t *testing.T) {
	region, addr := newFakeRegion(t)
	defer region.conn.Close()

	tmpl, err := template.Default()
	require.NoError(t, err)

	events := make(chan *template.Message, 4)
	sim, err := Connect(addr, 42, template.UUID{1}, template.UUID{2}, tmpl, circuit.DefaultConfig(), Callbacks{
		OnMessage: func(s *Simulator, m *template.Message) { events <- m },
	})
	require.NoError(t, err)
	defer sim.Close()

	_, msg, from := region.recv(t)
	require.Equal(t, "UseCircuitCode", msg.Name())
	row, ok := msg.Block("CircuitCode")
	require.True(t, ok)
	require.Equal(t, uint32(42), row["Code"])

	hsSpec, ok := tmpl.Lookup("RegionHandshake")
	require.True(t, ok)
	hs := template.NewMessage(hsSpec)
	require.NoError(t, hs.AddBlock("RegionInfo", template.Block{
		"SimName":  []byte("TestRegion"),
		"SimOwner": template.UUID{9},
		"RegionID": template.UUID{10},
	}))
	region.send(t, from, 1, true, hs)

	_, reply, _ := region.recv(t)
	require.Equal(t, "RegionHandshakeReply", reply.Name())
	row, ok = reply.Block("RegionInfo")
	require.True(t, ok)
	require.Equal(t, uint32(1), row["Flags"])

	require.Eventually(t, func() bool {
		return sim.Name() == "TestRegion"
	}, time.Second, 10*time.Millisecond)
}

func TestPingSuccess(t *testing.T) {
	region, addr := newFakeRegion(t)
	defer region.conn.Close()

	tmpl, err := template.Default()
	require.NoError(t, err)

	sim, err := Connect(addr, 1, template.UUID{1}, template.UUID{2}, tmpl, circuit.DefaultConfig(), Callbacks{})
	require.NoError(t, err)
	defer sim.Close()

	_, _, from := region.recv(t) // UseCircuitCode

	done := make(chan error, 1)
	go func() { done <- sim.Ping(context.Background(), time.Second, true) }()

	_, ping, _ := region.recv(t)
	require.Equal(t, "StartPingCheck", ping.Name())
	row, ok := ping.Block("PingID")
	require.True(t, ok)

	replySpec, ok := tmpl.Lookup("CompletePingCheck")
	require.True(t, ok)
	reply := template.NewMessage(replySpec)
	require.NoError(t, reply.AddBlock("PingID", template.Block{"PingID": row["PingID"]}))
	region.send(t, from, 2, false, reply)

	require.NoError(t, <-done)
}
