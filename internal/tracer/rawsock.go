// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sys/unix"

	"github.com/GoogleCloudPlatform/inband-traceroute/pkg/event"
)

// rawSocket is the simplest possible wrapper for sending raw IP packets:
// write-only, non-blocking, header included.
type rawSocket struct {
	fd      int
	version event.IPVersion
}

func newRawSocket(version event.IPVersion) (*rawSocket, error) {
	var domain int
	switch version {
	case event.VersionIPv4:
		domain = unix.AF_INET
	case event.VersionIPv6:
		domain = unix.AF_INET6
	default:
		return nil, fmt.Errorf("raw socket for invalid address family %d", version)
	}

	// IP_HDRINCL is implied when protocol=IPPROTO_RAW, see raw(7)
	fd, err := unix.Socket(domain, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw socket: %w", err)
	}

	return &rawSocket{fd: fd, version: version}, nil
}

// SendTo writes one packet, retrying while the socket is not write-ready.
func (s *rawSocket) SendTo(ctx context.Context, pkt []byte, dst netip.AddrPort) error {
	var sa unix.Sockaddr
	if addr := dst.Addr().Unmap(); addr.Is4() {
		sa = &unix.SockaddrInet4{Port: int(dst.Port()), Addr: addr.As4()}
	} else {
		// Port must be zero here or the kernel returns EINVAL.
		sa = &unix.SockaddrInet6{Port: 0, Addr: addr.As16()}
	}

	err := retry.Do(
		func() error {
			return unix.Sendto(s.fd, pkt, 0, sa)
		},
		retry.Context(ctx),
		retry.RetryIf(isTransientSendErr),
		retry.Attempts(10),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("failed to send probe: %w", err)
	}
	return nil
}

func isTransientSendErr(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.EINTR)
}

func (s *rawSocket) Close() error {
	return unix.Close(s.fd)
}
