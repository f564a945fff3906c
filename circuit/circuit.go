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
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hippolib/slviewer/stats"
	"github.com/hippolib/slviewer/template"
)

// ErrCircuitFailure is surfaced when retransmit attempts are exhausted.
var ErrCircuitFailure = errors.New("circuit: retransmit attempts exhausted")

// ErrUnknownHost marks an inbound datagram whose source didn't match the
// circuit's bound remote address; it is logged, never returned to callers.
var ErrUnknownHost = errors.New("circuit: datagram from unbound host")

// Config tunes a Circuit's retransmission and socket behavior.
type Config struct {
	MaxAttempts int
	DSCP        int

	// Stats receives per-datagram counters (rx/tx messages, retransmits,
	// acks, dropped duplicates, circuit failures). Nil is valid and
	// simply means nothing is counted, so tests can leave it unset.
	Stats stats.Server
}

// DefaultConfig returns the defaults spec.md §9 Open Question (b) settles
// on: a Welford-scaled retransmit timer (see rto.go) and 5 max attempts.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5}
}

// Handler receives messages decoded off the wire, in arrival order, and
// the circuit-failure notification. HandleMessage is called by the
// Circuit's single receive goroutine; HandleCircuitFailure is called once
// the receive and retransmit loops have stopped with an error.
type Handler interface {
	HandleMessage(m *template.Message)
	HandleCircuitFailure(err error)
}

type unackedEntry struct {
	payload  []byte
	sentAt   time.Time
	attempts int
	seq      uint32
}

// Circuit is the reliable-UDP endpoint for one simulator, per spec.md §4.2.
type Circuit struct {
	addr Address
	tmpl *template.Template
	cfg  Config
	conn *net.UDPConn
	h    Handler
	log  *log.Entry

	mu          sync.Mutex
	outSeq      uint32
	unacked     map[uint32]*unackedEntry
	pendingAcks []uint32
	seen        *seenWindow
	lastReceive time.Time
	closed      bool

	rto    *rtoEstimator
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial opens a socket bound to remote and starts the circuit's background
// receive and retransmit loops; failures are reported to h.
func Dial(remote Address, tmpl *template.Template, cfg Config, h Handler) (*Circuit, error) {
	conn, err := dialUDP(remote, cfg.DSCP)
	if err != nil {
		return nil, err
	}
	c := &Circuit{
		addr:        remote,
		tmpl:        tmpl,
		cfg:         cfg,
		conn:        conn,
		h:           h,
		log:         log.WithField("circuit", remote.String()),
		unacked:     make(map[uint32]*unackedEntry),
		seen:        newSeenWindow(),
		rto:         newRTOEstimator(),
		lastReceive: time.Now(),
		done:        make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	return c, nil
}

// Send assigns the next sequence, piggybacks any pending acks, zerocodes
// the body if that shrinks it, transmits, and (if reliable) retains the
// payload in the unacked table until it is acked or the circuit fails.
func (c *Circuit) Send(m *template.Message, reliable bool) error {
	body, err := template.Encode(m)
	if err != nil {
		return fmt.Errorf("circuit: encode %s: %w", m.Name(), err)
	}

	flags := Flags(0)
	if reliable {
		flags |= FlagReliable
	}
	if m.Spec.Encoding == template.Zerocoded {
		if z, shrunk := template.ZerocodeIfShorter(body); shrunk {
			body = z
			flags |= FlagZerocoded
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("circuit: %s: closed", c.addr)
	}
	c.outSeq = (c.outSeq + 1) & 0xFFFFFF
	seq := c.outSeq
	acks := c.popPendingAcksLocked(MaxAcksPerDatagram)
	c.mu.Unlock()

	pkt := &Packet{Flags: flags, Sequence: seq, Body: body, Acks: acks}
	raw, err := Encode(pkt)
	if err != nil {
		return fmt.Errorf("circuit: frame %s: %w", m.Name(), err)
	}

	if err := c.write(raw); err != nil {
		return fmt.Errorf("circuit: send %s: %w", m.Name(), err)
	}
	c.logSent(m.Name(), seq, reliable)
	if c.cfg.Stats != nil {
		c.cfg.Stats.IncTXMessages()
	}

	if reliable {
		c.mu.Lock()
		c.unacked[seq] = &unackedEntry{payload: raw, sentAt: time.Now(), seq: seq}
		c.mu.Unlock()
	}
	return nil
}

// Acknowledge removes sequences (e.g. from an explicit PacketAck message)
// from the unacked table, feeding their RTT into the retransmit estimator.
func (c *Circuit) Acknowledge(seqs []uint32) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, seq := range seqs {
		if e, ok := c.unacked[seq]; ok {
			c.rto.Observe(now.Sub(e.sentAt))
			delete(c.unacked, seq)
		}
	}
}

func (c *Circuit) popPendingAcksLocked(limit int) []uint32 {
	if len(c.pendingAcks) == 0 {
		return nil
	}
	n := limit
	if n > len(c.pendingAcks) {
		n = len(c.pendingAcks)
	}
	acks := append([]uint32(nil), c.pendingAcks[:n]...)
	c.pendingAcks = c.pendingAcks[n:]
	return acks
}

func (c *Circuit) write(raw []byte) error {
	_, err := c.conn.Write(raw)
	return err
}

// run drives the receive loop and the retransmit/ack-flush ticker
// concurrently via errgroup, mirroring ptp/sptp/client/sptp.go's
// RunListener split between the general and event port loops.
func (c *Circuit) run(ctx context.Context) {
	defer close(c.done)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receiveLoop(ctx) })
	g.Go(func() error { return c.retransmitLoop(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.h.HandleCircuitFailure(err)
	}
}

func (c *Circuit) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("circuit: read: %w", err)
		}
		c.handleDatagram(append([]byte(nil), buf[:n]...), from)
	}
}

func (c *Circuit) handleDatagram(raw []byte, from *net.UDPAddr) {
	bound := c.addr.UDPAddr()
	if !from.IP.Equal(bound.IP) || from.Port != bound.Port {
		c.log.Debugf("%v: %s", ErrUnknownHost, from)
		return
	}

	pkt, err := Decode(raw)
	if err != nil {
		c.log.Debugf("dropping malformed datagram: %v", err)
		return
	}

	if len(pkt.Acks) > 0 {
		c.Acknowledge(pkt.Acks)
	}

	c.mu.Lock()
	if c.seen.Seen(pkt.Sequence) {
		c.mu.Unlock()
		if c.cfg.Stats != nil {
			c.cfg.Stats.IncDroppedDuplicate()
		}
		return
	}
	c.seen.Record(pkt.Sequence)
	c.lastReceive = time.Now()
	reliable := pkt.Flags&FlagReliable != 0
	if reliable {
		c.pendingAcks = append(c.pendingAcks, pkt.Sequence)
	}
	c.mu.Unlock()

	if reliable && c.cfg.Stats != nil {
		c.cfg.Stats.IncRXReliable()
	}

	body := pkt.Body
	if pkt.Flags&FlagZerocoded != 0 {
		body, err = template.Unzerocode(body)
		if err != nil {
			c.log.Debugf("dropping unzerocodable datagram: %v", err)
			return
		}
	}
	msg, err := template.Decode(c.tmpl, body)
	if err != nil {
		c.log.Debugf("dropping malformed message: %v", err)
		return
	}
	c.logReceived(msg.Name(), pkt.Sequence)
	if c.cfg.Stats != nil {
		c.cfg.Stats.IncRXMessages()
	}
	c.h.HandleMessage(msg)
}

// retransmitLoop periodically resends unacked reliable payloads whose
// retransmit timeout has elapsed and opportunistically flushes any
// pending inbound acks that have not yet piggybacked on outbound traffic.
func (c *Circuit) retransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.retransmitTick(); err != nil {
				return err
			}
		}
	}
}

func (c *Circuit) retransmitTick() error {
	timeout := c.rto.Timeout()
	now := time.Now()

	c.mu.Lock()
	var toResend []*unackedEntry
	var failed bool
	for _, e := range c.unacked {
		backoff := timeout << e.attempts
		if backoff > maxRTO {
			backoff = maxRTO
		}
		if now.Sub(e.sentAt) < backoff {
			continue
		}
		if e.attempts >= c.cfg.MaxAttempts {
			failed = true
			continue
		}
		toResend = append(toResend, e)
	}
	acks := c.popPendingAcksLocked(MaxAcksPerDatagram)
	c.mu.Unlock()

	if failed {
		if c.cfg.Stats != nil {
			c.cfg.Stats.IncCircuitFailures()
		}
		c.Close()
		return fmt.Errorf("%w: %s", ErrCircuitFailure, c.addr)
	}

	for _, e := range toResend {
		if err := c.resend(e); err != nil {
			c.log.Warningf("retransmit failed: %v", err)
			continue
		}
		if c.cfg.Stats != nil {
			c.cfg.Stats.IncRetransmits()
		}
	}
	if len(acks) > 0 {
		if err := c.flushExplicitAcks(acks); err != nil {
			c.log.Warningf("ack flush failed: %v", err)
		}
	}
	return nil
}

func (c *Circuit) resend(e *unackedEntry) error {
	pkt, err := Decode(e.payload)
	if err != nil {
		return err
	}
	pkt.Flags |= FlagResent
	raw, err := Encode(pkt)
	if err != nil {
		return err
	}
	if err := c.write(raw); err != nil {
		return err
	}
	c.mu.Lock()
	e.sentAt = time.Now()
	e.attempts++
	c.mu.Unlock()
	c.log.Debugf("resent seq=%d attempt=%d", e.seq, e.attempts)
	return nil
}

// flushExplicitAcks sends a standalone PacketAck for acks that did not
// piggyback quickly enough, chunked to MaxAcksPerDatagram per spec.md §4.2.
func (c *Circuit) flushExplicitAcks(acks []uint32) error {
	spec, ok := c.tmpl.Lookup("PacketAck")
	if !ok {
		return fmt.Errorf("circuit: template has no PacketAck")
	}
	for len(acks) > 0 {
		n := MaxAcksPerDatagram
		if n > len(acks) {
			n = len(acks)
		}
		m := template.NewMessage(spec)
		for _, seq := range acks[:n] {
			if err := m.AddBlock("Packets", template.Block{"ID": seq}); err != nil {
				return err
			}
		}
		if err := c.Send(m, false); err != nil {
			return err
		}
		if c.cfg.Stats != nil {
			c.cfg.Stats.IncAcksSent()
		}
		acks = acks[n:]
	}
	return nil
}

// LastReceive returns the timestamp of the last successfully received
// (non-duplicate, host-matched) datagram.
func (c *Circuit) LastReceive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceive
}

// Address returns the circuit's bound remote address.
func (c *Circuit) Address() Address { return c.addr }

// Close cancels the background loops, closes the socket, and drops the
// unacked/pending-ack tables.
func (c *Circuit) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.unacked = nil
	c.pendingAcks = nil
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close()
}

func (c *Circuit) logSent(name string, seq uint32, reliable bool) {
	c.log.Debugf("%s seq=%d reliable=%v", color.GreenString("-> "+name), seq, reliable)
}

func (c *Circuit) logReceived(name string, seq uint32) {
	c.log.Debugf("%s seq=%d", color.BlueString("<- "+name), seq)
}
