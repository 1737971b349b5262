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
	"net/netip"

	sf "github.com/wissance/stringFormatter"

	"github.com/GoogleCloudPlatform/inband-traceroute/internal/geo"
)

// HopType classifies a per-TTL observation.
type HopType string

const (
	HopOrigin           = HopType("origin")
	HopICMPTimeExceeded = HopType("icmp_time_exceeded")
	HopTCPAck           = HopType("tcp_ack")
	HopTCPRst           = HopType("tcp_rst")
	HopTimeout          = HopType("timeout")
)

func (t HopType) display() string {
	switch t {
	case HopOrigin:
		return "[this server]"
	case HopICMPTimeExceeded:
		return "ICMP Time Exceeded"
	case HopTCPAck:
		return "TCP ACK"
	case HopTCPRst:
		return "TCP Reset"
	case HopTimeout:
		return "[timeout]"
	default:
		return string(t)
	}
}

// Hop is one observation of the path. Addr and RTT are absent for timeouts;
// RTT is nanoseconds between probe send and wire arrival of the reply.
type Hop struct {
	TTL     uint8       `json:"ttl"`
	Type    HopType     `json:"type"`
	Addr    *netip.Addr `json:"addr,omitempty"`
	RTTNano *uint64     `json:"rtt,omitempty"`
	Info    *geo.Info   `json:"info,omitempty"`
	RDNS    string      `json:"rdns,omitempty"`
}

func newHop(ttl uint8, typ HopType, addr *netip.Addr, rttNano *uint64, db *geo.DB) Hop {
	h := Hop{TTL: ttl, Type: typ, Addr: addr, RTTNano: rttNano}
	if db != nil && addr != nil {
		h.Info = db.Lookup(*addr)
	}
	return h
}

func (h Hop) String() string {
	out := sf.Format("{0}: {1}", h.TTL, h.Type.display())
	if h.Addr != nil {
		out += sf.Format(" from {0}", h.Addr.String())
	}
	if h.RDNS != "" {
		out += sf.Format(" ({0})", h.RDNS)
	}
	if h.RTTNano != nil {
		out += sf.Format(" (rtt {0}ms)", *h.RTTNano/1000000)
	}
	return out
}
