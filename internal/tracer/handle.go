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
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/inband-traceroute/pkg/event"
)

var (
	// ErrInitialAckTimeout fails a trace whose peer never acknowledged
	// anything after registration; without its sequence numbers no probe
	// can be built.
	ErrInitialAckTimeout = errors.New("timed out waiting for initial ACK")

	// ErrTraceClosed reports a handle canceled before the sweep finished.
	ErrTraceClosed = errors.New("trace closed")
)

const rdnsTimeout = 300 * time.Millisecond

// TraceHandle is one registered trace. The handle keeps the engine alive;
// the engine's registry entry decays as soon as Close runs, releasing the
// kernel filter key with it.
type TraceHandle struct {
	tracer  *Tracer
	traceID uint32
	remote  netip.AddrPort
	key     event.SocketAddr

	inbound chan event.TraceEvent
	done    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	// recvMu serializes the inbound receive side: the initial-ACK wait
	// and the sweep loop must not race for events.
	recvMu sync.Mutex

	errMu   sync.Mutex
	termErr error
}

// TraceID returns the registered 32-bit identity.
func (h *TraceHandle) TraceID() uint32 { return h.traceID }

// Remote returns the traced peer.
func (h *TraceHandle) Remote() netip.AddrPort { return h.remote }

// Err reports the terminal error of the sweep, if any. Valid after the hop
// stream has closed.
func (h *TraceHandle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.termErr
}

func (h *TraceHandle) setErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.termErr == nil {
		h.termErr = err
	}
}

// Close cancels the trace and releases both registrations. Idempotent; runs
// automatically once the hop stream terminates.
func (h *TraceHandle) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.done)

		if err := h.tracer.filter.Remove(h.key); err != nil {
			h.tracer.log.Debug("failed to unregister filter key",
				zap.Uint32("trace_id", h.traceID), zap.Error(err))
		}
		h.tracer.traces.Del(h.traceID)

		h.tracer.log.Debug("unregistered trace", zap.Uint32("trace_id", h.traceID))
	})
}

// HopStream synchronizes with the live flow and starts the TTL sweep,
// returning the deduplicated hop sequence. The channel is finite: at most
// max_hops+1 entries, fewer when the peer answers or resets. On return with
// an error the trace is already unregistered. Call at most once per handle.
func (h *TraceHandle) HopStream(ctx context.Context) (<-chan Hop, error) {
	ackSeq, seq, err := h.waitForInitialAck(ctx)
	if err != nil {
		h.setErr(err)
		h.Close()
		return nil, err
	}

	internal := make(chan Hop)
	out := make(chan Hop)

	go h.sweep(ctx, internal, ackSeq, seq)
	go h.dedupAndEnrich(ctx, internal, out)

	return out, nil
}

// waitForInitialAck blocks for the first TCP ACK the peer sends after
// registration; its sequence numbers are the sync point for probe
// construction. Bounded by the engine's initial-ACK timeout.
func (h *TraceHandle) waitForInitialAck(ctx context.Context) (ackSeq, seq uint32, err error) {
	h.recvMu.Lock()
	defer h.recvMu.Unlock()

	timer := time.NewTimer(h.tracer.initialAckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-h.done:
			return 0, 0, ErrTraceClosed
		case <-timer.C:
			return 0, 0, ErrInitialAckTimeout
		case ev := <-h.inbound:
			switch ev.Kind {
			case event.KindTCPAck:
				return ev.AckSeq, ev.Seq, nil
			case event.KindTCPRst:
				return 0, 0, fmt.Errorf("connection reset before initial ACK")
			default:
				// Cannot happen before the first probe; ignore.
				h.tracer.log.Warn("unexpected event before initial ACK",
					zap.Uint32("trace_id", h.traceID),
					zap.String("kind", ev.Kind.String()))
			}
		}
	}
}

// sweep runs the per-TTL state machine. It owns the receive side of the
// inbound channel for its whole lifetime.
func (h *TraceHandle) sweep(ctx context.Context, out chan<- Hop, ackSeq, seq uint32) {
	defer close(out)
	defer h.Close()

	h.recvMu.Lock()
	defer h.recvMu.Unlock()

	t := h.tracer

	localAddr := t.listen.Addr()
	if !h.emit(ctx, out, newHop(0, HopOrigin, &localAddr, nil, t.geodb)) {
		return
	}

	// ttl != 0 stops the sweep after 255 when maxHops is 255 and ttl wraps.
	for ttl := uint8(1); ttl != 0 && ttl <= t.maxHops; ttl++ {
		sentSeq := ackSeq - 1

		pkt, err := buildProbe(t.listen, h.remote, ttl, sentSeq, seq)
		if err != nil {
			h.setErr(err)
			t.log.Error("failed to build probe", zap.Uint32("trace_id", h.traceID), zap.Error(err))
			return
		}
		if err := t.sock.SendTo(ctx, pkt, h.remote); err != nil {
			h.setErr(err)
			t.log.Error("failed to send probe",
				zap.Uint32("trace_id", h.traceID),
				zap.Uint8("ttl", ttl),
				zap.Error(err))
			return
		}

		sentNS := t.nowFn()

		// One timer per TTL step: live-flow refreshes do not extend the
		// step deadline.
		timer := time.NewTimer(t.stepTimeout)

	step:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-h.done:
				timer.Stop()
				return
			case <-timer.C:
				if !h.emit(ctx, out, newHop(ttl, HopTimeout, nil, nil, t.geodb)) {
					return
				}
				break step
			case ev := <-h.inbound:
				switch ev.Kind {
				case event.KindICMPTimeExceeded:
					addr, err := ev.Addr.ToAddr()
					if err != nil {
						t.log.Error("ICMP event without router address",
							zap.Uint32("trace_id", h.traceID), zap.Error(err))
						continue
					}
					// Attribute by the identity recovered from the
					// quote, not the loop counter: replies may
					// arrive out of order when probes pipeline.
					if !h.emit(ctx, out, newHop(ev.TTL, HopICMPTimeExceeded, &addr, rttNano(ev.ArrivalNS, sentNS), t.geodb)) {
						timer.Stop()
						return
					}
					timer.Stop()
					break step
				case event.KindTCPAck:
					if ev.AckSeq-1 == sentSeq {
						// The peer acknowledged our probe: end of path.
						remoteAddr := h.remote.Addr()
						h.emit(ctx, out, newHop(ttl, HopTCPAck, &remoteAddr, rttNano(ev.ArrivalNS, sentNS), t.geodb))
						timer.Stop()
						return
					}
					// Live-flow traffic; refresh and keep waiting.
					ackSeq, seq = ev.AckSeq, ev.Seq
				case event.KindTCPRst:
					remoteAddr := h.remote.Addr()
					h.emit(ctx, out, newHop(ttl, HopTCPRst, &remoteAddr, rttNano(ev.ArrivalNS, sentNS), t.geodb))
					timer.Stop()
					return
				}
			}
		}
	}
}

func (h *TraceHandle) emit(ctx context.Context, out chan<- Hop, hop Hop) bool {
	select {
	case out <- hop:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

// dedupAndEnrich forwards the first hop per TTL, drops later replicates, and
// fills in reverse DNS names with a bounded lookup.
func (h *TraceHandle) dedupAndEnrich(ctx context.Context, in <-chan Hop, out chan<- Hop) {
	defer close(out)

	t := h.tracer
	seen := mapset.NewSet[uint8]()

	for hop := range in {
		if !seen.Add(hop.TTL) {
			t.log.Warn("duplicate hop",
				zap.Uint32("trace_id", h.traceID),
				zap.Uint8("ttl", hop.TTL))
			continue
		}

		if t.resolver != nil && hop.Addr != nil {
			lookupCtx, cancel := context.WithTimeout(ctx, rdnsTimeout)
			if name, err := t.resolver.Lookup(lookupCtx, *hop.Addr); err == nil {
				hop.RDNS = name
			}
			cancel()
		}

		select {
		case out <- hop:
		case <-ctx.Done():
			// Consumer is gone; drain so the sweep can finish.
			for range in {
			}
			return
		}
	}

	t.log.Info("trace completed", zap.Uint32("trace_id", h.traceID))
}

func rttNano(arrivalNS, sentNS uint64) *uint64 {
	if arrivalNS < sentNS {
		return nil
	}
	rtt := arrivalNS - sentNS
	return &rtt
}
