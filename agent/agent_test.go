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

package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hippolib/slviewer/capability"
	"github.com/hippolib/slviewer/circuit"
	"github.com/hippolib/slviewer/eventqueue"
	"github.com/hippolib/slviewer/llsd"
	"github.com/hippolib/slviewer/login"
	"github.com/hippolib/slviewer/template"
)

// fakeRegion is a loopback UDP stand-in for a simulator host.
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

func newTestAgent(t *testing.T, listener Listener) *Agent {
	t.Helper()
	tmpl, err := template.Default()
	require.NoError(t, err)
	reg := capability.NewRegistry()
	return New(tmpl, reg, circuit.DefaultConfig(), listener)
}

func TestLoginEstablishesParentAndHandshakes(t *testing.T) {
	region, addr := newFakeRegion(t)
	defer region.conn.Close()

	a := newTestAgent(t, Listener{})
	res := &login.Result{
		Success:     true,
		AgentID:     template.UUID{1},
		SessionID:   template.UUID{2},
		CircuitCode: 42,
		SimIP:       addr.IP,
		SimPort:     addr.Port,
	}

	require.NoError(t, a.Login(context.Background(), res))
	defer a.Logout(context.Background())

	_, ucc, from := region.recv(t)
	require.Equal(t, "UseCircuitCode", ucc.Name())
	row, ok := ucc.Block("CircuitCode")
	require.True(t, ok)
	require.Equal(t, uint32(42), row["Code"])

	_, cam, _ := region.recv(t)
	require.Equal(t, "CompleteAgentMovement", cam.Name())

	require.Equal(t, 1, a.simulatorCount())
	parent := a.Parent()
	require.NotNil(t, parent)
	require.True(t, parent.IsParent())

	hsSpec, ok := a.tmpl.Lookup("RegionHandshake")
	require.True(t, ok)
	hs := template.NewMessage(hsSpec)
	require.NoError(t, hs.AddBlock("RegionInfo", template.Block{
		"SimName":  []byte("Origin"),
		"SimOwner": template.UUID{9},
		"RegionID": template.UUID{10},
	}))
	region.send(t, from, 1, true, hs)

	_, reply, _ := region.recv(t)
	require.Equal(t, "RegionHandshakeReply", reply.Name())

	require.Eventually(t, func() bool {
		return parent.Name() == "Origin"
	}, time.Second, 10*time.Millisecond)
}

func TestLoginRejectsUnsuccessfulResult(t *testing.T) {
	a := newTestAgent(t, Listener{})
	err := a.Login(context.Background(), &login.Result{Success: false, Message: "bad credentials"})
	require.ErrorIs(t, err, ErrLoginInvalid)
}

func TestLogoutSendsRequestAndRemovesParentOnReply(t *testing.T) {
	region, addr := newFakeRegion(t)
	defer region.conn.Close()

	logoutCh := make(chan struct{}, 1)
	a := newTestAgent(t, Listener{OnLogout: func() { logoutCh <- struct{}{} }})
	res := &login.Result{
		Success:     true,
		AgentID:     template.UUID{1},
		SessionID:   template.UUID{2},
		CircuitCode: 7,
		SimIP:       addr.IP,
		SimPort:     addr.Port,
	}
	require.NoError(t, a.Login(context.Background(), res))
	_, _, from := region.recv(t) // UseCircuitCode
	_, _, _ = region.recv(t)     // CompleteAgentMovement

	done := make(chan struct{})
	go func() {
		a.Logout(context.Background())
		close(done)
	}()

	_, lr, _ := region.recv(t)
	require.Equal(t, "LogoutRequest", lr.Name())

	replySpec, ok := a.tmpl.Lookup("LogoutReply")
	require.True(t, ok)
	reply := template.NewMessage(replySpec)
	require.NoError(t, reply.AddBlock("AgentData", template.Block{
		"AgentID":   template.UUID{1},
		"SessionID": template.UUID{2},
	}))
	region.send(t, from, 1, false, reply)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Logout did not return")
	}
	require.Nil(t, a.Parent())

	select {
	case <-logoutCh:
	case <-time.After(time.Second):
		t.Fatal("OnLogout was not dispatched")
	}
}

func TestTeleportFinishSwapsParent(t *testing.T) {
	originRegion, originAddr := newFakeRegion(t)
	defer originRegion.conn.Close()
	destRegion, destAddr := newFakeRegion(t)
	defer destRegion.conn.Close()

	a := newTestAgent(t, Listener{})
	res := &login.Result{
		Success:     true,
		AgentID:     template.UUID{3},
		SessionID:   template.UUID{4},
		CircuitCode: 11,
		SimIP:       originAddr.IP,
		SimPort:     originAddr.Port,
	}
	require.NoError(t, a.Login(context.Background(), res))
	_, _, _ = originRegion.recv(t) // UseCircuitCode
	_, _, _ = originRegion.recv(t) // CompleteAgentMovement

	origin := a.Parent()
	require.NotNil(t, origin)

	a.handleTeleportFinish(eventqueue.Event{
		Message: "TeleportFinish",
		Body: llsd.Map{
			"Info": llsd.Array{
				llsd.Map{
					"SimIP":          destAddr.IP.String(),
					"SimPort":        int64(destAddr.Port),
					"SeedCapability": "",
				},
			},
		},
	})

	_, ucc, _ := destRegion.recv(t)
	require.Equal(t, "UseCircuitCode", ucc.Name())
	_, cam, _ := destRegion.recv(t)
	require.Equal(t, "CompleteAgentMovement", cam.Name())

	newParent := a.Parent()
	require.NotNil(t, newParent)
	require.NotEqual(t, origin.Address(), newParent.Address())
	require.False(t, origin.IsParent())
	require.True(t, newParent.IsParent())
	require.Equal(t, 2, a.simulatorCount())
}
