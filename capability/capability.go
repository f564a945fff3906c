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

// Package capability implements the capability registry and the Seed
// bootstrap exchange described in SPEC_FULL.md §4.3.
package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hippolib/slviewer/llsd"
)

// ErrCapabilityUnavailable marks a capability that the seed reply didn't
// grant, or whose HTTP call failed; the dependent feature is disabled but
// the Simulator continues, per spec.md §7.
var ErrCapabilityUnavailable = errors.New("capability: unavailable")

// Capability is an opaque typed HTTP client bound to one discovered URL.
type Capability interface {
	Name() string
}

// Constructor builds a Capability client for a URL discovered via Seed.
type Constructor func(name, url string, client *http.Client) Capability

// Base is embedded by every capability client for its URL and transport.
type Base struct {
	CapName string
	URL     string
	Client  *http.Client
}

// Name returns the capability's registered name.
func (b Base) Name() string { return b.CapName }

// post issues one LLSD POST against the capability's URL and decodes the
// LLSD reply, per spec.md §4.3's "every call POSTs application/llsd+xml".
func (b Base) post(ctx context.Context, body any) (any, *http.Response, error) {
	raw, err := llsd.Encode(body)
	if err != nil {
		return nil, nil, fmt.Errorf("capability: %s: encode request: %w", b.CapName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("capability: %s: build request: %w", b.CapName, err)
	}
	req.Header.Set("Content-Type", llsd.ContentType)

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrCapabilityUnavailable, b.CapName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp, nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, resp, fmt.Errorf("capability: %s: read reply: %w", b.CapName, err)
	}
	v, err := llsd.Decode(buf.Bytes())
	if err != nil {
		return nil, resp, fmt.Errorf("capability: %s: decode reply: %w", b.CapName, err)
	}
	return v, resp, nil
}

// DefaultTimeout bounds ordinary (non-long-poll) capability calls.
const DefaultTimeout = 30 * time.Second
