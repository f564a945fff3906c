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

// Package eventqueue implements the EventQueueGet long-poll loop, per
// spec.md §4.4.
package eventqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hippolib/slviewer/capability"
	"github.com/hippolib/slviewer/llsd"
)

// ErrQueueTerminal marks that EventQueueGet returned 404: polling stops,
// but the owning Simulator continues until other signals close it.
var ErrQueueTerminal = errors.New("eventqueue: terminal (404)")

// pollTimeout bounds each long-poll HTTP call; the server is expected to
// hold the connection open for up to ~30s before replying, per spec.md §6.
const pollTimeout = 60 * time.Second

// retryBackoff is the pause between polls after a non-200/404 reply.
const retryBackoff = 2 * time.Second

// Event is one notification delivered by the queue.
type Event struct {
	Message string
	Body    any
}

// Poller is the EventQueueGet capability client and its long-poll loop.
type Poller struct {
	capability.Base

	ack int64
}

// New constructs the EventQueueGet capability; registered under its name
// so the Seed exchange (capability.Seed) can instantiate it directly.
func New(name, url string, client *http.Client) capability.Capability {
	return &Poller{Base: capability.Base{CapName: name, URL: url, Client: client}}
}

func init() {
	capability.Default.Register("EventQueueGet", New)
}

// poll issues one {ack, done} POST and interprets the reply per spec.md
// §4.4: 200 -> events + next ack; 404 -> terminal; anything else -> keep
// the same ack, caller retries after a backoff.
func (p *Poller) poll(ctx context.Context, done bool) ([]Event, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	raw, err := llsd.Encode(llsd.Map{"ack": p.ack, "done": done})
	if err != nil {
		return nil, false, fmt.Errorf("eventqueue: encode poll: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(raw))
	if err != nil {
		return nil, false, fmt.Errorf("eventqueue: build request: %w", err)
	}
	req.Header.Set("Content-Type", llsd.ContentType)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("eventqueue: poll: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, true, nil
	case http.StatusOK:
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return nil, false, fmt.Errorf("eventqueue: read reply: %w", err)
		}
		v, err := llsd.Decode(buf.Bytes())
		if err != nil {
			return nil, false, fmt.Errorf("eventqueue: decode reply: %w", err)
		}
		reply, ok := v.(llsd.Map)
		if !ok {
			return nil, false, fmt.Errorf("eventqueue: reply was not a map")
		}
		if id, ok := reply["id"].(int64); ok {
			p.ack = id
		}
		events, err := parseEvents(reply["events"])
		if err != nil {
			return nil, false, err
		}
		return events, false, nil
	default:
		return nil, false, fmt.Errorf("eventqueue: poll: http %d", resp.StatusCode)
	}
}

func parseEvents(raw any) ([]Event, error) {
	arr, ok := raw.(llsd.Array)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("eventqueue: events was not an array")
	}
	events := make([]Event, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(llsd.Map)
		if !ok {
			continue
		}
		name, _ := m["message"].(string)
		events = append(events, Event{Message: name, Body: m["body"]})
	}
	return events, nil
}

// Run polls forever, delivering events in arrival order to onEvent, until
// ctx is cancelled or the queue goes terminal. A panic inside onEvent is
// recovered and logged so it cannot kill the poll loop, per spec.md §4.4.
func (p *Poller) Run(ctx context.Context, onEvent func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			_, _, _ = p.poll(context.Background(), true)
			return nil
		default:
		}

		events, terminal, err := p.poll(ctx, false)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warningf("eventqueue: poll error: %v", err)
			time.Sleep(retryBackoff)
			continue
		}
		if terminal {
			return ErrQueueTerminal
		}
		for _, ev := range events {
			dispatch(onEvent, ev)
		}
	}
}

func dispatch(onEvent func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("eventqueue: handler panic on %q: %v", ev.Message, r)
		}
	}()
	onEvent(ev)
}
