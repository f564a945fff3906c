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

// Package simulator implements the client-side object representing one
// region: a Circuit, a capability map, an Event Queue, per spec.md §4.5.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hippolib/slviewer/capability"
	"github.com/hippolib/slviewer/circuit"
	"github.com/hippolib/slviewer/eventqueue"
	"github.com/hippolib/slviewer/template"
)

// ErrPingTimeout marks a liveness probe that was not answered in time; the
// Agent removes the Simulator in response.
var ErrPingTimeout = errors.New("simulator: ping timeout")

// Callbacks are the Agent-supplied hooks a Simulator drives. Listener
// panics are the Agent's responsibility to trap (spec.md §4.5: "Handler
// exceptions are trapped so one listener cannot break the loop").
type Callbacks struct {
	OnMessage func(*Simulator, *template.Message)
	OnEvent   func(*Simulator, eventqueue.Event)
	OnClosed  func(*Simulator, error)
}

// Simulator composes a Circuit with a capability set and an Event Queue
// for one region, per spec.md §3/§4.5.
type Simulator struct {
	addr        circuit.Address
	circuitCode uint32
	agentID     template.UUID
	sessionID   template.UUID
	tmpl        *template.Template
	cfg         circuit.Config
	cbs         Callbacks
	log         *log.Entry

	circ *circuit.Circuit

	mu           sync.Mutex
	name         string
	owner        template.UUID
	regionID     template.UUID
	parent       bool
	lastMessage  time.Time
	pingSeq      uint8
	pendingPings map[uint8]chan error
	caps         map[string]capability.Capability
	queueCancel  context.CancelFunc
	closed       bool
}

// Connect opens a Circuit to addr and sends UseCircuitCode reliably, per
// spec.md §4.5's "connect" responsibility (originally
// Simulator.connect in the pymetaverse reference).
func Connect(addr circuit.Address, circuitCode uint32, agentID, sessionID template.UUID, tmpl *template.Template, cfg circuit.Config, cbs Callbacks) (*Simulator, error) {
	s := &Simulator{
		addr:         addr,
		circuitCode:  circuitCode,
		agentID:      agentID,
		sessionID:    sessionID,
		tmpl:         tmpl,
		cfg:          cfg,
		cbs:          cbs,
		log:          log.WithField("simulator", addr.String()),
		lastMessage:  time.Now(),
		pendingPings: make(map[uint8]chan error),
		caps:         make(map[string]capability.Capability),
	}

	circ, err := circuit.Dial(addr, tmpl, cfg, s)
	if err != nil {
		return nil, fmt.Errorf("simulator: %s: %w", addr, err)
	}
	s.circ = circ

	spec, ok := tmpl.Lookup("UseCircuitCode")
	if !ok {
		circ.Close()
		return nil, fmt.Errorf("simulator: template has no UseCircuitCode")
	}
	msg := template.NewMessage(spec)
	if err := msg.AddBlock("CircuitCode", template.Block{
		"Code":      circuitCode,
		"SessionID": sessionID,
		"ID":        agentID,
	}); err != nil {
		circ.Close()
		return nil, err
	}
	if err := circ.Send(msg, true); err != nil {
		circ.Close()
		return nil, fmt.Errorf("simulator: send UseCircuitCode: %w", err)
	}
	return s, nil
}

// Address returns the simulator's bound address, the sole identity key.
func (s *Simulator) Address() circuit.Address { return s.addr }

// Name returns the region name captured from RegionHandshake, if any.
func (s *Simulator) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Owner returns the region owner UUID captured from RegionHandshake.
func (s *Simulator) Owner() template.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// RegionID returns the region UUID captured from RegionHandshake.
func (s *Simulator) RegionID() template.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regionID
}

// IsParent reports whether this Simulator currently carries agent control
// traffic.
func (s *Simulator) IsParent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent
}

// SetParent marks (or demotes) this Simulator as the Agent's parent.
func (s *Simulator) SetParent(parent bool) {
	s.mu.Lock()
	s.parent = parent
	s.mu.Unlock()
}

// LastMessage returns the timestamp of the last inbound message.
func (s *Simulator) LastMessage() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage
}

// Send transmits m over this Simulator's Circuit.
func (s *Simulator) Send(m *template.Message, reliable bool) error {
	return s.circ.Send(m, reliable)
}

// Capability returns the named capability client, if installed.
func (s *Simulator) Capability(name string) (capability.Capability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[name]
	return c, ok
}

// HandleMessage implements circuit.Handler: system-message handling, per
// spec.md §4.5, then forwards the message to the Agent's listener.
func (s *Simulator) HandleMessage(m *template.Message) {
	s.mu.Lock()
	s.lastMessage = time.Now()
	s.mu.Unlock()

	switch m.Name() {
	case "PacketAck":
		s.handlePacketAck(m)
	case "StartPingCheck":
		s.handleStartPingCheck(m)
	case "CompletePingCheck":
		s.handleCompletePingCheck(m)
	case "RegionHandshake":
		s.handleRegionHandshake(m)
	case "DisableSimulator":
		s.handleDisableSimulator()
	}

	if s.cbs.OnMessage != nil {
		s.safeDispatch(func() { s.cbs.OnMessage(s, m) })
	}
}

// HandleCircuitFailure implements circuit.Handler.
func (s *Simulator) HandleCircuitFailure(err error) {
	s.log.Warningf("circuit failure: %v", err)
	s.closeWith(err)
}

func (s *Simulator) handlePacketAck(m *template.Message) {
	var ids []uint32
	for _, row := range m.Rows("Packets") {
		if id, ok := row["ID"].(uint32); ok {
			ids = append(ids, id)
		}
	}
	s.circ.Acknowledge(ids)
}

func (s *Simulator) handleStartPingCheck(m *template.Message) {
	row, ok := m.Block("PingID")
	if !ok {
		return
	}
	pingID, _ := row["PingID"].(uint8)
	spec, ok := s.tmpl.Lookup("CompletePingCheck")
	if !ok {
		return
	}
	reply := template.NewMessage(spec)
	_ = reply.AddBlock("PingID", template.Block{"PingID": pingID})
	if err := s.circ.Send(reply, false); err != nil {
		s.log.Warningf("replying to StartPingCheck: %v", err)
	}
}

func (s *Simulator) handleCompletePingCheck(m *template.Message) {
	row, ok := m.Block("PingID")
	if !ok {
		return
	}
	pingID, _ := row["PingID"].(uint8)
	s.resolvePing(pingID, nil)
}

func (s *Simulator) handleRegionHandshake(m *template.Message) {
	row, ok := m.Block("RegionInfo")
	if ok {
		s.mu.Lock()
		if name, ok := row["SimName"].([]byte); ok {
			s.name = trimNUL(name)
		}
		if owner, ok := row["SimOwner"].(template.UUID); ok {
			s.owner = owner
		}
		if region, ok := row["RegionID"].(template.UUID); ok {
			s.regionID = region
		}
		s.mu.Unlock()
	}

	spec, ok := s.tmpl.Lookup("RegionHandshakeReply")
	if !ok {
		return
	}
	reply := template.NewMessage(spec)
	_ = reply.AddBlock("RegionInfo", template.Block{"Flags": uint32(1)})
	if err := s.circ.Send(reply, true); err != nil {
		s.log.Warningf("replying to RegionHandshake: %v", err)
	}
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (s *Simulator) handleDisableSimulator() {
	s.closeWith(nil)
}

// Ping is the liveness probe of spec.md §4.5. If the Simulator has heard
// anything within timeout and force is false, it returns success
// immediately; otherwise it sends a reliable StartPingCheck and waits for
// the matching CompletePingCheck.
func (s *Simulator) Ping(ctx context.Context, timeout time.Duration, force bool) error {
	if !force && time.Since(s.LastMessage()) <= timeout {
		return nil
	}

	spec, ok := s.tmpl.Lookup("StartPingCheck")
	if !ok {
		return fmt.Errorf("simulator: template has no StartPingCheck")
	}

	s.mu.Lock()
	id := s.pingSeq
	s.pingSeq++
	if prior, ok := s.pendingPings[id]; ok {
		prior <- ErrPingTimeout
		close(prior)
	}
	ch := make(chan error, 1)
	s.pendingPings[id] = ch
	s.mu.Unlock()

	msg := template.NewMessage(spec)
	_ = msg.AddBlock("PingID", template.Block{"PingID": id, "OldestUnacked": uint32(0)})
	if err := s.circ.Send(msg, true); err != nil {
		s.resolvePing(id, err)
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		s.resolvePing(id, ErrPingTimeout)
		if s.cfg.Stats != nil {
			s.cfg.Stats.IncPingTimeouts()
		}
		return ErrPingTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) resolvePing(id uint8, err error) {
	s.mu.Lock()
	ch, ok := s.pendingPings[id]
	if ok {
		delete(s.pendingPings, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- err
		close(ch)
	}
}

// FetchCapabilities bootstraps the simulator's capability map from seed,
// then starts the Event Queue if EventQueueGet was granted, per spec.md
// §4.5's "capability bootstrap".
func (s *Simulator) FetchCapabilities(ctx context.Context, seedURL string, reg *capability.Registry, wanted []string) error {
	seedCap, err := reg.New("Seed", seedURL, nil)
	if err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	seed, ok := seedCap.(*capability.Seed)
	if !ok {
		return fmt.Errorf("simulator: registered \"Seed\" is not a *capability.Seed")
	}

	caps, err := seed.GetCapabilities(ctx, reg, wanted)
	if err != nil {
		return fmt.Errorf("simulator: fetch capabilities: %w", err)
	}

	s.mu.Lock()
	for name, c := range caps {
		s.caps[name] = c
	}
	queueCap, hasQueue := s.caps["EventQueueGet"]
	s.mu.Unlock()

	if !hasQueue {
		return nil
	}
	poller, ok := queueCap.(*eventqueue.Poller)
	if !ok {
		return nil
	}
	qctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.queueCancel = cancel
	s.mu.Unlock()
	go func() {
		err := poller.Run(qctx, func(ev eventqueue.Event) {
			if s.cbs.OnEvent != nil {
				s.cbs.OnEvent(s, ev)
			}
		})
		if err != nil {
			s.log.Debugf("event queue stopped: %v", err)
		}
	}()
	return nil
}

func (s *Simulator) safeDispatch(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("message handler panic: %v", r)
		}
	}()
	f()
}

func (s *Simulator) closeWith(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.queueCancel
	pending := s.pendingPings
	s.pendingPings = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range pending {
		ch <- ErrPingTimeout
		close(ch)
	}
	s.circ.Close()

	if s.cbs.OnClosed != nil {
		s.cbs.OnClosed(s, err)
	}
}

// Close tears the simulator down: cancels the event queue, closes the
// circuit, and notifies OnClosed (idempotent).
func (s *Simulator) Close() error {
	s.closeWith(nil)
	return nil
}
