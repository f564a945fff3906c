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

// Package circuit implements the reliable-UDP transport ("Circuit") that
// carries viewer protocol traffic to one simulator.
package circuit

import (
	"fmt"
	"net"
)

// Address is the (IPv4, port) pair that uniquely identifies a Simulator.
type Address struct {
	IP   net.IP
	Port uint16
}

// NewAddress builds an Address, normalising ip to its 4-byte form.
func NewAddress(ip net.IP, port uint16) Address {
	return Address{IP: ip.To4(), Port: port}
}

// String renders the address as "ip:port".
func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Equal reports whether a and b name the same endpoint.
func (a Address) Equal(b Address) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// UDPAddr converts a to a *net.UDPAddr for dialing.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}
