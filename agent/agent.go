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

// Package agent implements the top-level session object: it owns the set
// of Simulators, reacts to the multi-region lifecycle, and runs the
// liveness-probe loop, per spec.md §4.6.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hippolib/slviewer/capability"
	"github.com/hippolib/slviewer/circuit"
	"github.com/hippolib/slviewer/eventqueue"
	"github.com/hippolib/slviewer/llsd"
	"github.com/hippolib/slviewer/login"
	"github.com/hippolib/slviewer/simulator"
	"github.com/hippolib/slviewer/template"
)

// ErrLoginInvalid is returned when Login is called with a LoginResult
// whose Success flag is false.
var ErrLoginInvalid = errors.New("agent: login rejected")

// pingInterval and pingTimeout drive the run loop's liveness probe, per
// spec.md §4.6 ("approximately every 100ms ... timeout approximately 5s").
const (
	pingInterval = 100 * time.Millisecond
	pingTimeout  = 5 * time.Second

	// logoutWait bounds how long Logout waits for LogoutReply before
	// closing unconditionally, per spec.md §4.6.
	logoutWait = 5 * time.Second
)

// Listener is the set of events delivered to the embedding application,
// per spec.md §9's "compile-time-known {Message, Event, Logout, Kicked}
// variant" design note (in place of a name-keyed callback registry).
type Listener struct {
	OnMessage func(sim *simulator.Simulator, m *template.Message)
	OnEvent   func(sim *simulator.Simulator, ev eventqueue.Event)
	OnLogout  func()
	OnKicked  func(reason string)
}

// Agent is the logged-in user's client-side session object, per spec.md
// §3/§4.6.
type Agent struct {
	tmpl     *template.Template
	reg      *capability.Registry
	circCfg  circuit.Config
	listener Listener

	agentID         template.UUID
	sessionID       template.UUID
	secureSessionID template.UUID
	circuitCode     uint32
	firstName       string
	lastName        string

	mu       sync.Mutex
	sims     map[string]*simulator.Simulator
	parent   *simulator.Simulator
	loggedIn bool

	cancelRun context.CancelFunc
	runDone   chan struct{}

	logoutCh chan struct{}
}

// New constructs an Agent bound to tmpl (the shared, read-only Message
// Template) and reg (the Capability Registry). cfg configures every
// Circuit the Agent's Simulators dial.
func New(tmpl *template.Template, reg *capability.Registry, cfg circuit.Config, listener Listener) *Agent {
	return &Agent{
		tmpl:     tmpl,
		reg:      reg,
		circCfg:  cfg,
		listener: listener,
		sims:     make(map[string]*simulator.Simulator),
	}
}

// Login consumes a LoginResult, rejecting it unless Success is true; on
// success it captures identity, constructs the first (parent) Simulator,
// fetches its seed capabilities, and sends CompleteAgentMovement
// reliably, per spec.md §4.6.
func (a *Agent) Login(ctx context.Context, res *login.Result) error {
	if res == nil || !res.Success {
		msg := ""
		if res != nil {
			msg = res.Message
		}
		return fmt.Errorf("%w: %s", ErrLoginInvalid, msg)
	}

	a.mu.Lock()
	a.agentID = res.AgentID
	a.sessionID = res.SessionID
	a.secureSessionID = res.SecureSessionID
	a.circuitCode = res.CircuitCode
	a.firstName = res.FirstName
	a.lastName = res.LastName
	a.loggedIn = true
	a.mu.Unlock()

	addr := circuit.NewAddress(res.SimIP, res.SimPort)
	sim, err := a.addSimulator(addr)
	if err != nil {
		return fmt.Errorf("agent: login: %w", err)
	}
	a.setParent(sim)

	if err := sim.FetchCapabilities(ctx, res.SeedCapability, a.reg, defaultWantedCapabilities); err != nil {
		log.Warningf("agent: fetch seed capabilities: %v", err)
	}

	if err := a.sendCompleteAgentMovement(sim); err != nil {
		return fmt.Errorf("agent: login: %w", err)
	}
	return nil
}

// defaultWantedCapabilities are requested from every Seed exchange the
// Agent performs.
var defaultWantedCapabilities = []string{
	"EventQueueGet",
	"ChatSessionRequest",
	"ViewerAsset",
	"UpdateAgentInformation",
}

func (a *Agent) identity() (agentID, sessionID template.UUID, circuitCode uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentID, a.sessionID, a.circuitCode
}

func (a *Agent) sendCompleteAgentMovement(sim *simulator.Simulator) error {
	spec, ok := a.tmpl.Lookup("CompleteAgentMovement")
	if !ok {
		return fmt.Errorf("agent: template has no CompleteAgentMovement")
	}
	agentID, sessionID, circuitCode := a.identity()
	msg := template.NewMessage(spec)
	if err := msg.AddBlock("AgentData", template.Block{
		"AgentID":     agentID,
		"SessionID":   sessionID,
		"CircuitCode": circuitCode,
	}); err != nil {
		return err
	}
	return sim.Send(msg, true)
}

// addSimulator creates (or returns the existing) Simulator at addr,
// wired with the Agent's standard Callbacks.
func (a *Agent) addSimulator(addr circuit.Address) (*simulator.Simulator, error) {
	key := addr.String()

	a.mu.Lock()
	if existing, ok := a.sims[key]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	agentID, sessionID, circuitCode := a.agentID, a.sessionID, a.circuitCode
	a.mu.Unlock()

	sim, err := simulator.Connect(addr, circuitCode, agentID, sessionID, a.tmpl, a.circCfg, simulator.Callbacks{
		OnMessage: a.handleSimMessage,
		OnEvent:   a.handleSimEvent,
		OnClosed:  a.handleSimClosed,
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.sims[key] = sim
	count := len(a.sims)
	a.mu.Unlock()
	if a.circCfg.Stats != nil {
		a.circCfg.Stats.SetSimulatorCount(count)
	}
	return sim, nil
}

func (a *Agent) removeSimulator(sim *simulator.Simulator) {
	key := sim.Address().String()

	a.mu.Lock()
	delete(a.sims, key)
	wasParent := a.parent == sim
	if wasParent {
		a.parent = nil
	}
	count := len(a.sims)
	a.mu.Unlock()
	if a.circCfg.Stats != nil {
		a.circCfg.Stats.SetSimulatorCount(count)
	}

	_ = sim.Close()
	if wasParent {
		log.Warning("agent: parent simulator removed, session ending")
	}
}

func (a *Agent) setParent(sim *simulator.Simulator) {
	a.mu.Lock()
	prior := a.parent
	a.parent = sim
	a.mu.Unlock()

	if prior != nil && prior != sim {
		// Open Question (a): the prior parent is demoted, not torn down.
		prior.SetParent(false)
	}
	sim.SetParent(true)
}

// Parent returns the currently designated parent Simulator, or nil.
func (a *Agent) Parent() *simulator.Simulator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.parent
}

// Simulator returns the Simulator at addr, if the Agent owns one there.
func (a *Agent) Simulator(addr circuit.Address) (*simulator.Simulator, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sim, ok := a.sims[addr.String()]
	return sim, ok
}

// Simulators returns a snapshot of every Simulator the Agent currently
// owns, for status reporting.
func (a *Agent) Simulators() []*simulator.Simulator {
	return a.snapshotSimulators()
}

// simulatorCount reports how many Simulators the Agent currently owns.
func (a *Agent) simulatorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sims)
}

func (a *Agent) snapshotSimulators() []*simulator.Simulator {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*simulator.Simulator, 0, len(a.sims))
	for _, s := range a.sims {
		out = append(out, s)
	}
	return out
}

func (a *Agent) handleSimMessage(sim *simulator.Simulator, m *template.Message) {
	switch m.Name() {
	case "DisableSimulator":
		a.removeSimulator(sim)
		return
	case "LogoutReply":
		a.removeSimulator(sim)
		a.dispatchLogout()
		return
	case "KickUser":
		a.removeSimulator(sim)
		a.dispatchKicked(kickReason(m))
		a.dispatchLogout()
		return
	}

	if a.listener.OnMessage != nil {
		a.safeDispatch(func() { a.listener.OnMessage(sim, m) })
	}
}

func kickReason(m *template.Message) string {
	row, ok := m.Block("UserInfo")
	if !ok {
		return ""
	}
	if reason, ok := row["Reason"].([]byte); ok {
		return trimNUL(reason)
	}
	return ""
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// handleSimEvent reacts to the four queue-event triggers of spec.md
// §4.6's lifecycle table (EnableSimulator, EstablishAgentCommunication,
// TeleportFinish, CrossedRegion); any other event is forwarded to the
// listener.
func (a *Agent) handleSimEvent(sim *simulator.Simulator, ev eventqueue.Event) {
	switch ev.Message {
	case "EnableSimulator":
		a.handleEnableSimulator(ev)
		return
	case "EstablishAgentCommunication":
		a.handleEstablishAgentCommunication(ev)
		return
	case "TeleportFinish":
		a.handleTeleportFinish(ev)
		return
	case "CrossedRegion":
		a.handleCrossedRegion(ev)
		return
	}

	if a.listener.OnEvent != nil {
		a.safeDispatch(func() { a.listener.OnEvent(sim, ev) })
	}
}

// handleEnableSimulator creates a neighbor Simulator at the announced
// address; it is not made parent and receives no seed yet, per
// SPEC_FULL.md §4.6's recovered field path
// `SimulatorInfo[0].{Handle,IP,Port}`.
func (a *Agent) handleEnableSimulator(ev eventqueue.Event) {
	row, err := firstRow(ev.Body, "SimulatorInfo")
	if err != nil {
		log.Warningf("agent: EnableSimulator: %v", err)
		return
	}
	ip, ok := fieldIP(row, "IP")
	if !ok {
		log.Warning("agent: EnableSimulator: missing IP")
		return
	}
	port, ok := fieldPort(row, "Port")
	if !ok {
		log.Warning("agent: EnableSimulator: missing Port")
		return
	}
	addr := circuit.NewAddress(ip, port)
	if _, err := a.addSimulator(addr); err != nil {
		log.Warningf("agent: EnableSimulator: connect %s: %v", addr, err)
	}
}

// handleEstablishAgentCommunication locates the Simulator whose Address
// matches the announced sim-ip-and-port and fetches its seed
// capabilities, per spec.md §4.6.
func (a *Agent) handleEstablishAgentCommunication(ev eventqueue.Event) {
	m, ok := ev.Body.(llsd.Map)
	if !ok {
		log.Warning("agent: EstablishAgentCommunication: body not a map")
		return
	}
	hostport, _ := m["sim-ip-and-port"].(string)
	seed, _ := m["seed-capability"].(string)
	addr, err := parseHostPort(hostport)
	if err != nil {
		log.Warningf("agent: EstablishAgentCommunication: %v", err)
		return
	}

	sim, ok := a.Simulator(addr)
	if !ok {
		log.Warningf("agent: EstablishAgentCommunication: no simulator at %s, dropping", addr)
		return
	}
	if err := sim.FetchCapabilities(context.Background(), seed, a.reg, defaultWantedCapabilities); err != nil {
		log.Warningf("agent: EstablishAgentCommunication: fetch capabilities: %v", err)
	}
}

// handleTeleportFinish creates a Simulator at the announced address with
// its seed, makes it parent, then sends CompleteAgentMovement, per
// SPEC_FULL.md §4.6's recovered field path
// `Info[0].{RegionHandle,SimIP,SimPort,SeedCapability}`.
func (a *Agent) handleTeleportFinish(ev eventqueue.Event) {
	row, err := firstRow(ev.Body, "Info")
	if err != nil {
		log.Warningf("agent: TeleportFinish: %v", err)
		return
	}
	a.completeRegionChange(row)
}

// handleCrossedRegion is the same as TeleportFinish: seed included,
// becomes parent, CompleteAgentMovement sent, per spec.md §4.6. Recovered
// field path `CrossedRegion[0].RegionData[0].{RegionHandle,SimIP,SimPort,
// SeedCapability}`.
func (a *Agent) handleCrossedRegion(ev eventqueue.Event) {
	outer, err := firstRow(ev.Body, "CrossedRegion")
	if err != nil {
		log.Warningf("agent: CrossedRegion: %v", err)
		return
	}
	row, err := firstRowOf(outer, "RegionData")
	if err != nil {
		log.Warningf("agent: CrossedRegion: %v", err)
		return
	}
	a.completeRegionChange(row)
}

func (a *Agent) completeRegionChange(row llsd.Map) {
	ip, ok := fieldIP(row, "SimIP")
	if !ok {
		log.Warning("agent: region change: missing SimIP")
		return
	}
	port, ok := fieldPort(row, "SimPort")
	if !ok {
		log.Warning("agent: region change: missing SimPort")
		return
	}
	seed, _ := row["SeedCapability"].(string)

	addr := circuit.NewAddress(ip, port)
	sim, err := a.addSimulator(addr)
	if err != nil {
		log.Warningf("agent: region change: connect %s: %v", addr, err)
		return
	}
	a.setParent(sim)

	if seed != "" {
		if err := sim.FetchCapabilities(context.Background(), seed, a.reg, defaultWantedCapabilities); err != nil {
			log.Warningf("agent: region change: fetch capabilities: %v", err)
		}
	}
	if err := a.sendCompleteAgentMovement(sim); err != nil {
		log.Warningf("agent: region change: CompleteAgentMovement: %v", err)
	}
}

func (a *Agent) handleSimClosed(sim *simulator.Simulator, err error) {
	if err != nil {
		log.Warningf("agent: simulator %s closed: %v", sim.Address(), err)
	}
	a.removeSimulator(sim)
}

func (a *Agent) safeDispatch(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("agent: listener panic: %v", r)
		}
	}()
	f()
}

func (a *Agent) dispatchLogout() {
	select {
	case a.logoutCh <- struct{}{}:
	default:
	}
	if a.listener.OnLogout != nil {
		a.safeDispatch(a.listener.OnLogout)
	}
}

func (a *Agent) dispatchKicked(reason string) {
	if a.listener.OnKicked != nil {
		a.safeDispatch(func() { a.listener.OnKicked(reason) })
	}
}

// Run starts the liveness-probe loop (~100ms, per spec.md §4.6), probing
// every owned Simulator concurrently via errgroup, grounded on
// ptp/sptp/client/sptp.go's runInternal/tick split. It returns when ctx
// is cancelled (after a best-effort logout) or when the parent Simulator
// is gone.
func (a *Agent) Run(ctx context.Context) error {
	a.logoutCh = make(chan struct{}, 1)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Logout(context.Background())
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx)
			if a.Parent() == nil {
				return nil
			}
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	sims := a.snapshotSimulators()
	eg, ectx := errgroup.WithContext(ctx)
	for _, sim := range sims {
		sim := sim
		eg.Go(func() error {
			if err := sim.Ping(ectx, pingTimeout, false); err != nil {
				a.removeSimulator(sim)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// Logout sends LogoutRequest reliably via the parent and waits up to
// logoutWait for LogoutReply, then closes unconditionally, per spec.md
// §4.6.
func (a *Agent) Logout(ctx context.Context) {
	parent := a.Parent()
	if parent == nil {
		return
	}
	spec, ok := a.tmpl.Lookup("LogoutRequest")
	if ok {
		agentID, sessionID, _ := a.identity()
		msg := template.NewMessage(spec)
		_ = msg.AddBlock("AgentData", template.Block{"AgentID": agentID, "SessionID": sessionID})
		if err := parent.Send(msg, true); err != nil {
			log.Warningf("agent: logout: send LogoutRequest: %v", err)
		}
	}

	if a.logoutCh == nil {
		a.logoutCh = make(chan struct{}, 1)
	}
	select {
	case <-a.logoutCh:
	case <-time.After(logoutWait):
	case <-ctx.Done():
	}

	for _, sim := range a.snapshotSimulators() {
		a.removeSimulator(sim)
	}
}

func firstRow(body any, blockName string) (llsd.Map, error) {
	m, ok := body.(llsd.Map)
	if !ok {
		return nil, fmt.Errorf("event body is not a map")
	}
	return firstRowOf(m, blockName)
}

func firstRowOf(m llsd.Map, blockName string) (llsd.Map, error) {
	arr, ok := m[blockName].(llsd.Array)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("missing block %q", blockName)
	}
	row, ok := arr[0].(llsd.Map)
	if !ok {
		return nil, fmt.Errorf("block %q[0] is not a map", blockName)
	}
	return row, nil
}

func fieldIP(row llsd.Map, field string) (net.IP, bool) {
	switch v := row[field].(type) {
	case string:
		ip := net.ParseIP(v)
		return ip, ip != nil
	case net.IP:
		return v, true
	default:
		return nil, false
	}
}

func fieldPort(row llsd.Map, field string) (uint16, bool) {
	switch v := row[field].(type) {
	case int64:
		return uint16(v), true
	case int:
		return uint16(v), true
	case float64:
		return uint16(v), true
	default:
		return 0, false
	}
}

// parseHostPort parses the "host:port" form EstablishAgentCommunication
// carries in its sim-ip-and-port field, per SPEC_FULL.md §4.6.
func parseHostPort(s string) (circuit.Address, error) {
	host, portStr, found := strings.Cut(s, ":")
	if !found {
		return circuit.Address{}, fmt.Errorf("malformed sim-ip-and-port %q", s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return circuit.Address{}, fmt.Errorf("invalid host %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return circuit.Address{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return circuit.NewAddress(ip, uint16(port)), nil
}
