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

// Package login defines the LoginResult data contract the Agent consumes.
// The login HTTP/XML-RPC handshake itself is an external collaborator,
// deliberately out of scope per spec.md §1.
package login

import (
	"context"
	"net"

	"github.com/hippolib/slviewer/template"
)

// Result is the record produced by the (external) login handshake, per
// spec.md §3.
type Result struct {
	Success bool

	AgentID         template.UUID
	SessionID       template.UUID
	SecureSessionID template.UUID
	CircuitCode     uint32

	SimIP   net.IP
	SimPort uint16

	SeedCapability string

	RegionX uint32
	RegionY uint32

	FirstName string
	LastName  string

	// Message carries the server-supplied reason when Success is false.
	Message string
}

// Resolver produces a Result from whatever external login transport the
// caller wires up (XML-RPC, HTTP, a test double).
type Resolver interface {
	Login(ctx context.Context) (*Result, error)
}

// ResolverFunc adapts a plain function to a Resolver.
type ResolverFunc func(ctx context.Context) (*Result, error)

// Login implements Resolver.
func (f ResolverFunc) Login(ctx context.Context) (*Result, error) { return f(ctx) }
