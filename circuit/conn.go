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
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// socketBufferBytes is the send/receive buffer size requested on the
// circuit's UDP socket, generous enough to absorb a retransmit burst.
const socketBufferBytes = 262144

// dialUDP opens a UDP socket connected to remote, then tunes its socket
// options (buffer sizes, DSCP marking) the way ptp/sptp/client/
// connection.go tunes SO_REUSEPORT on its raw fd — here via SyscallConn
// since there is no need for the teacher's HW-timestamp raw-fd plumbing.
func dialUDP(remote Address, dscp int) (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp", nil, remote.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("circuit: dial %s: %w", remote, err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("circuit: SyscallConn: %w", err)
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferBytes); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferBytes); sockErr != nil {
			return
		}
		sockErr = enableDSCP(int(fd), remote.IP, dscp)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("circuit: Control: %w", err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, sockErr
	}
	return conn, nil
}
