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

// Package tracer drives in-band TCP traceroutes: it emits TTL-limited TCP
// segments on a live flow through a write-only raw socket and turns the
// classifier's events back into an ordered sequence of hops.
package tracer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/GoogleCloudPlatform/inband-traceroute/internal/geo"
	"github.com/GoogleCloudPlatform/inband-traceroute/internal/rdns"
	"github.com/GoogleCloudPlatform/inband-traceroute/pkg/event"
)

type (
	// filterTable is the kernel-resident map the classifier consults per
	// packet; satisfied by *ebpf.TraceMap.
	filterTable interface {
		Insert(key event.SocketAddr, traceID uint32) error
		Remove(key event.SocketAddr) error
	}

	// packetSender is the outbound raw-socket surface.
	packetSender interface {
		SendTo(ctx context.Context, pkt []byte, dst netip.AddrPort) error
		Close() error
	}

	// Tracer is the per-address-family trace engine. It owns the raw
	// send socket and the registry of active traces, and shares the
	// kernel filter table with its sibling engine.
	Tracer struct {
		listen  netip.AddrPort
		version event.IPVersion
		maxHops uint8

		sock   packetSender
		filter filterTable
		traces *haxmap.Map[uint32, *TraceHandle]

		geodb    *geo.DB
		resolver *rdns.Resolver
		log      *zap.Logger

		// overridable in tests
		nowFn             func() uint64
		initialAckTimeout time.Duration
		stepTimeout       time.Duration
	}
)

const (
	defaultInitialAckTimeout = 5 * time.Second
	defaultStepTimeout       = time.Second

	// inbound channel depth per trace; the pump drops (and logs) beyond it
	inboundBufferSize = 256
)

// monotonicNow reads CLOCK_MONOTONIC, the same clock the classifier stamps
// arrivals with, so RTTs are wire-arrival minus send with zero skew.
func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

// New creates an engine for the family of listen. The raw socket is opened
// here; geodb and resolver are optional enrichment providers.
func New(listen netip.AddrPort, maxHops uint8, filter filterTable, geodb *geo.DB, resolver *rdns.Resolver, log *zap.Logger) (*Tracer, error) {
	version := event.VersionIPv6
	if listen.Addr().Unmap().Is4() {
		version = event.VersionIPv4
	}

	sock, err := newRawSocket(version)
	if err != nil {
		return nil, fmt.Errorf("failed to create raw socket for %s: %w", version, err)
	}

	return &Tracer{
		listen:            listen,
		version:           version,
		maxHops:           maxHops,
		sock:              sock,
		filter:            filter,
		traces:            haxmap.New[uint32, *TraceHandle](),
		geodb:             geodb,
		resolver:          resolver,
		log:               log.Named("tracer").With(zap.String("family", version.String())),
		nowFn:             monotonicNow,
		initialAckTimeout: defaultInitialAckTimeout,
		stepTimeout:       defaultStepTimeout,
	}, nil
}

// Version reports the engine's address family.
func (t *Tracer) Version() event.IPVersion { return t.version }

// ListenAddr reports the local listener the engine traces from.
func (t *Tracer) ListenAddr() netip.AddrPort { return t.listen }

// Close releases the raw socket. Active traces are expected to be done.
func (t *Tracer) Close() error {
	return t.sock.Close()
}

// StartTrace registers a trace toward remote and returns its handle. The
// filter-table entry exists before this returns, so any ACK the peer sends
// from now on is observable as the initial sync point. The caller must
// consume the handle's hop stream or close it.
func (t *Tracer) StartTrace(remote netip.AddrPort) (*TraceHandle, error) {
	if got := event.NewIPAddr(remote.Addr()).Version; got != t.version {
		return nil, fmt.Errorf("remote %s does not match engine family %s", remote, t.version)
	}

	h := &TraceHandle{
		tracer:  t,
		remote:  remote,
		key:     event.NewSocketAddr(remote),
		inbound: make(chan event.TraceEvent, inboundBufferSize),
		done:    make(chan struct{}),
	}

	// Draw ids until one is free; GetOrSet makes claim-and-check atomic.
	for {
		id, err := randomTraceID()
		if err != nil {
			return nil, err
		}
		if _, taken := t.traces.GetOrSet(id, h); !taken {
			h.traceID = id
			break
		}
	}

	if err := t.filter.Insert(h.key, h.traceID); err != nil {
		t.traces.Del(h.traceID)
		return nil, fmt.Errorf("failed to register trace: %w", err)
	}

	t.log.Debug("registered trace",
		zap.Uint32("trace_id", h.traceID),
		zap.String("remote", remote.String()))

	return h, nil
}

// DispatchEvent routes one classifier event to its trace. Misses are logged
// and dropped, never fatal: the trace may have completed between the kernel
// lookup and this dispatch.
func (t *Tracer) DispatchEvent(ev event.TraceEvent) {
	h, ok := t.traces.Get(ev.TraceID)
	if !ok {
		t.log.Warn("event for unknown trace", zap.Uint32("trace_id", ev.TraceID))
		return
	}
	if h.closed.Load() {
		t.log.Warn("event for closed trace", zap.Uint32("trace_id", ev.TraceID))
		return
	}

	select {
	case h.inbound <- ev:
	default:
		t.log.Warn("trace consumer lagging, dropping event",
			zap.Uint32("trace_id", ev.TraceID))
	}
}

func randomTraceID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to draw trace id: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
