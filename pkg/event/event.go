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

// Package event defines the fixed, packed record layouts shared with the
// XDP classifier. Every type here has a byte-exact wire form; the Go structs
// are only the user-space view and are marshaled explicitly, never passed to
// the kernel via reflection.
package event

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

type (
	// IPVersion tags an IPAddr. Empty is reserved for zero-initialized
	// records and must never appear in a live event.
	IPVersion uint8

	// Kind discriminates TraceEvent records.
	Kind uint8

	// IPAddr is the 17-byte wire address: 1 byte version, 16 byte buffer.
	// IPv4 addresses occupy the first four bytes in network order, the
	// remaining bytes are zero.
	IPAddr struct {
		Version IPVersion
		Addr    [16]byte
	}

	// SocketAddr is the 19-byte filter-table key: 2 bytes port in host
	// order followed by an IPAddr. Two keys compare equal iff their wire
	// forms are byte-identical.
	SocketAddr struct {
		Port uint16
		Addr IPAddr
	}

	// FilterConfig is the single-entry config map record installed before
	// the classifier is attached: local port plus the local address per
	// family. A family the server does not listen on stays Empty.
	FilterConfig struct {
		Port uint16
		IPv4 IPAddr
		IPv6 IPAddr
	}

	// TraceEvent is the 40-byte record the classifier publishes to the
	// per-CPU ring. AckSeq and Seq are meaningful for TCP kinds only; for
	// ICMP Time Exceeded the TTL field carries the identity of the
	// original outbound probe recovered from the quoted IP header.
	TraceEvent struct {
		ArrivalNS uint64
		TraceID   uint32
		AckSeq    uint32
		Seq       uint32
		Kind      Kind
		Version   IPVersion
		TTL       uint8
		Addr      IPAddr
	}
)

const (
	VersionEmpty IPVersion = 0
	VersionIPv4  IPVersion = 4
	VersionIPv6  IPVersion = 6
)

const (
	KindTCPAck Kind = iota
	KindTCPRst
	KindICMPTimeExceeded
)

// Wire sizes. These are contracts with the kernel side and must hold
// byte-for-byte; bpf/inband_trace.bpf.c declares the mirror structs.
const (
	IPAddrSize       = 17
	SocketAddrSize   = 19
	FilterConfigSize = 36
	TraceEventSize   = 40
)

func (v IPVersion) String() string {
	switch v {
	case VersionIPv4:
		return "ipv4"
	case VersionIPv6:
		return "ipv6"
	default:
		return "empty"
	}
}

func (k Kind) String() string {
	switch k {
	case KindTCPAck:
		return "tcp_ack"
	case KindTCPRst:
		return "tcp_rst"
	case KindICMPTimeExceeded:
		return "icmp_time_exceeded"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// NewIPAddr converts a netip.Addr to its wire form. IPv4-mapped IPv6
// addresses are unmapped first so the family tag matches the packets on the
// wire.
func NewIPAddr(addr netip.Addr) IPAddr {
	addr = addr.Unmap()
	var a IPAddr
	if addr.Is4() {
		a.Version = VersionIPv4
		v4 := addr.As4()
		copy(a.Addr[:4], v4[:])
		return a
	}
	a.Version = VersionIPv6
	a.Addr = addr.As16()
	return a
}

// ToAddr converts the wire form back to a netip.Addr. An Empty version is a
// broken invariant and is reported as an error rather than a zero address.
func (a IPAddr) ToAddr() (netip.Addr, error) {
	switch a.Version {
	case VersionIPv4:
		return netip.AddrFrom4([4]byte(a.Addr[:4])), nil
	case VersionIPv6:
		return netip.AddrFrom16(a.Addr), nil
	default:
		return netip.Addr{}, fmt.Errorf("ip address with empty version")
	}
}

func (a IPAddr) marshal(b []byte) {
	b[0] = byte(a.Version)
	copy(b[1:17], a.Addr[:])
}

func unmarshalIPAddr(b []byte) IPAddr {
	var a IPAddr
	a.Version = IPVersion(b[0])
	copy(a.Addr[:], b[1:17])
	return a
}

// Marshal renders the packed 17-byte layout.
func (a IPAddr) Marshal() []byte {
	b := make([]byte, IPAddrSize)
	a.marshal(b)
	return b
}

// NewSocketAddr converts a netip.AddrPort to the wire key form.
func NewSocketAddr(ap netip.AddrPort) SocketAddr {
	return SocketAddr{
		Port: ap.Port(),
		Addr: NewIPAddr(ap.Addr()),
	}
}

// Marshal renders the packed 19-byte key. The port is encoded in host order
// (little-endian on all supported targets), matching the classifier's packed
// struct layout.
func (s SocketAddr) Marshal() []byte {
	b := make([]byte, SocketAddrSize)
	binary.LittleEndian.PutUint16(b[0:2], s.Port)
	s.Addr.marshal(b[2:])
	return b
}

// Marshal renders the packed 36-byte config record.
func (c FilterConfig) Marshal() []byte {
	b := make([]byte, FilterConfigSize)
	binary.LittleEndian.PutUint16(b[0:2], c.Port)
	c.IPv4.marshal(b[2:19])
	c.IPv6.marshal(b[19:36])
	return b
}

// DecodeTraceEvent reinterprets one ring record. The ring carries packed
// records with no alignment guarantee, so every field is read at its explicit
// byte offset.
func DecodeTraceEvent(b []byte) (TraceEvent, error) {
	if len(b) < TraceEventSize {
		return TraceEvent{}, fmt.Errorf("trace event record too short: %d bytes", len(b))
	}
	ev := TraceEvent{
		ArrivalNS: binary.LittleEndian.Uint64(b[0:8]),
		TraceID:   binary.LittleEndian.Uint32(b[8:12]),
		AckSeq:    binary.LittleEndian.Uint32(b[12:16]),
		Seq:       binary.LittleEndian.Uint32(b[16:20]),
		Kind:      Kind(b[20]),
		Version:   IPVersion(b[21]),
		TTL:       b[22],
		Addr:      unmarshalIPAddr(b[23:40]),
	}
	return ev, nil
}

// Marshal renders the packed 40-byte event record. The classifier is the
// only producer in deployment; user-space marshaling exists for tests and
// replay tooling.
func (e TraceEvent) Marshal() []byte {
	b := make([]byte, TraceEventSize)
	binary.LittleEndian.PutUint64(b[0:8], e.ArrivalNS)
	binary.LittleEndian.PutUint32(b[8:12], e.TraceID)
	binary.LittleEndian.PutUint32(b[12:16], e.AckSeq)
	binary.LittleEndian.PutUint32(b[16:20], e.Seq)
	b[20] = byte(e.Kind)
	b[21] = byte(e.Version)
	b[22] = e.TTL
	e.Addr.marshal(b[23:40])
	return b
}
