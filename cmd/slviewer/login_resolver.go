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

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/hippolib/slviewer/login"
	"github.com/hippolib/slviewer/template"
)

// fileLoginResult is the on-disk shape a fileResolver reads; the actual
// login HTTP/XML-RPC handshake is external to this module per spec.md §1.
type fileLoginResult struct {
	AgentID         string `yaml:"agent_id"`
	SessionID       string `yaml:"session_id"`
	SecureSessionID string `yaml:"secure_session_id"`
	CircuitCode     uint32 `yaml:"circuit_code"`
	SimIP           string `yaml:"sim_ip"`
	SimPort         uint16 `yaml:"sim_port"`
	SeedCapability  string `yaml:"seed_capability"`
	FirstName       string `yaml:"first_name"`
	LastName        string `yaml:"last_name"`
}

// fileResolver is a login.Resolver that reads an already-completed login
// result from a YAML file, standing in for the external login handshake
// during local testing and development.
type fileResolver struct {
	path string
}

func newFileResolver(path string) login.Resolver {
	return login.ResolverFunc(func(_ context.Context) (*login.Result, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading login result from %q: %w", path, err)
		}
		var raw fileLoginResult
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing login result: %w", err)
		}
		ip := net.ParseIP(raw.SimIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid sim_ip %q", raw.SimIP)
		}
		return &login.Result{
			Success:         true,
			AgentID:         parseUUID(raw.AgentID),
			SessionID:       parseUUID(raw.SessionID),
			SecureSessionID: parseUUID(raw.SecureSessionID),
			CircuitCode:     raw.CircuitCode,
			SimIP:           ip,
			SimPort:         raw.SimPort,
			SeedCapability:  raw.SeedCapability,
			FirstName:       raw.FirstName,
			LastName:        raw.LastName,
		}, nil
	})
}

// parseUUID decodes a standard "8-4-4-4-12" hex UUID string into its
// 16-byte wire form; malformed input yields the zero UUID.
func parseUUID(s string) template.UUID {
	var id template.UUID
	raw, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil || len(raw) != 16 {
		return id
	}
	copy(id[:], raw)
	return id
}
