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

// enableDSCP marks outbound packets on fd with the given DSCP codepoint,
// setting IP_TOS for IPv4 sockets and IPV6_TCLASS for IPv6 ones. The
// codepoint occupies the top 6 bits of the traffic-class byte.
func enableDSCP(fd int, ip net.IP, dscp int) error {
	if dscp == 0 {
		return nil
	}
	tos := dscp << 2
	if ip.To4() != nil {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
			return fmt.Errorf("circuit: setting IP_TOS: %w", err)
		}
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos); err != nil {
		return fmt.Errorf("circuit: setting IPV6_TCLASS: %w", err)
	}
	return nil
}
