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

package event

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireSizes(t *testing.T) {
	assert.Len(t, IPAddr{}.Marshal(), 17)
	assert.Len(t, SocketAddr{}.Marshal(), 19)
	assert.Len(t, FilterConfig{}.Marshal(), 36)
	assert.Len(t, TraceEvent{}.Marshal(), 40)
}

func TestIPAddrV4(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.2")
	a := NewIPAddr(addr)
	assert.Equal(t, VersionIPv4, a.Version)
	// network order in the first four bytes, rest zero
	assert.Equal(t, []byte{10, 0, 0, 2}, a.Addr[:4])
	for _, b := range a.Addr[4:] {
		assert.Zero(t, b)
	}

	back, err := a.ToAddr()
	require.NoError(t, err)
	assert.Equal(t, addr, back)
}

func TestIPAddrV6(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8::1")
	a := NewIPAddr(addr)
	assert.Equal(t, VersionIPv6, a.Version)

	back, err := a.ToAddr()
	require.NoError(t, err)
	assert.Equal(t, addr, back)
}

func TestIPAddrUnmapsV4InV6(t *testing.T) {
	a := NewIPAddr(netip.MustParseAddr("::ffff:1.2.3.4"))
	assert.Equal(t, VersionIPv4, a.Version)
	assert.Equal(t, []byte{1, 2, 3, 4}, a.Addr[:4])
}

func TestIPAddrEmptyVersionErrors(t *testing.T) {
	_, err := IPAddr{}.ToAddr()
	assert.Error(t, err)
}

func TestSocketAddrKeyBytes(t *testing.T) {
	key := NewSocketAddr(netip.MustParseAddrPort("1.2.3.4:55555"))
	b := key.Marshal()
	require.Len(t, b, SocketAddrSize)
	// port 55555 = 0xD903 in host (little-endian) order
	assert.Equal(t, byte(0x03), b[0])
	assert.Equal(t, byte(0xD9), b[1])
	assert.Equal(t, byte(VersionIPv4), b[2])
	assert.Equal(t, []byte{1, 2, 3, 4}, b[3:7])

	// keys compare equal iff wire forms are identical
	again := NewSocketAddr(netip.MustParseAddrPort("1.2.3.4:55555"))
	assert.Equal(t, b, again.Marshal())
	other := NewSocketAddr(netip.MustParseAddrPort("1.2.3.4:55556"))
	assert.NotEqual(t, b, other.Marshal())
}

func TestFilterConfigLayout(t *testing.T) {
	cfg := FilterConfig{
		Port: 443,
		IPv4: NewIPAddr(netip.MustParseAddr("10.0.0.2")),
	}
	b := cfg.Marshal()
	require.Len(t, b, FilterConfigSize)
	assert.Equal(t, byte(0xBB), b[0]) // 443 = 0x01BB
	assert.Equal(t, byte(0x01), b[1])
	assert.Equal(t, byte(VersionIPv4), b[2])
	assert.Equal(t, byte(VersionEmpty), b[19])
}

func TestTraceEventRoundTrip(t *testing.T) {
	ev := TraceEvent{
		ArrivalNS: 123456789012345,
		TraceID:   0xDEADBEEF,
		AckSeq:    101,
		Seq:       201,
		Kind:      KindICMPTimeExceeded,
		Version:   VersionIPv4,
		TTL:       7,
		Addr:      NewIPAddr(netip.MustParseAddr("10.0.0.1")),
	}
	got, err := DecodeTraceEvent(ev.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecodeTraceEventOffsets(t *testing.T) {
	b := make([]byte, TraceEventSize)
	b[20] = byte(KindTCPRst)
	b[21] = byte(VersionIPv6)
	b[22] = 42
	ev, err := DecodeTraceEvent(b)
	require.NoError(t, err)
	assert.Equal(t, KindTCPRst, ev.Kind)
	assert.Equal(t, VersionIPv6, ev.Version)
	assert.Equal(t, uint8(42), ev.TTL)
}

func TestDecodeTraceEventShort(t *testing.T) {
	_, err := DecodeTraceEvent(make([]byte, TraceEventSize-1))
	assert.Error(t, err)
}

func TestDecodeTraceEventUnaligned(t *testing.T) {
	// the ring gives no alignment guarantee; decoding must not assume one
	ev := TraceEvent{ArrivalNS: 1, TraceID: 2, Kind: KindTCPAck, Version: VersionIPv4}
	buf := append(make([]byte, 3), ev.Marshal()...)
	got, err := DecodeTraceEvent(buf[3:])
	require.NoError(t, err)
	assert.Equal(t, ev.TraceID, got.TraceID)
}
