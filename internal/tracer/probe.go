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
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// A probe re-sends one byte of already-acknowledged data so the peer answers
// with a duplicate ACK while expiring routers answer with ICMP Time
// Exceeded quoting the segment.
var probePayload = []byte{0}

const probeWindow = 0xFFFF

// buildProbe serializes one TTL-limited TCP segment. The probe identity is
// carried in the IP header so it survives even a minimally truncated ICMP
// quote: the IPv4 identification field, or byte[2] of the IPv6 flow label
// (the low eight bits of the 20-bit field).
func buildProbe(local, remote netip.AddrPort, ttl uint8, seq, ack uint32) ([]byte, error) {
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(local.Port()),
		DstPort: layers.TCPPort(remote.Port()),
		Seq:     seq,
		Ack:     ack,
		PSH:     true,
		ACK:     true,
		Window:  probeWindow,
	}

	var ipLayer gopacket.SerializableLayer
	switch {
	case local.Addr().Is4() && remote.Addr().Is4():
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      ttl,
			Id:       uint16(ttl),
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(local.Addr().AsSlice()),
			DstIP:    net.IP(remote.Addr().AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, fmt.Errorf("failed to bind checksum layer: %w", err)
		}
		ipLayer = ip
	case local.Addr().Is6() && remote.Addr().Is6():
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   ttl,
			FlowLabel:  uint32(ttl),
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(local.Addr().AsSlice()),
			DstIP:      net.IP(remote.Addr().AsSlice()),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, fmt.Errorf("failed to bind checksum layer: %w", err)
		}
		ipLayer = ip
	default:
		return nil, fmt.Errorf("address family mismatch: local %s, remote %s",
			local.Addr(), remote.Addr())
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ipLayer, &tcp, gopacket.Payload(probePayload)); err != nil {
		return nil, fmt.Errorf("failed to serialize probe: %w", err)
	}
	return buf.Bytes(), nil
}
