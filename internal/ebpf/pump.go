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

package ebpf

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/inband-traceroute/pkg/event"
)

// Kernel-side per-CPU ring capacity: ten 1024-byte records' worth of
// buffering per CPU (the perf package rounds up to whole pages).
const perCPUBufferBytes = 10 * 1024

// Dispatcher receives decoded trace events for one address family.
type Dispatcher interface {
	DispatchEvent(event.TraceEvent)
}

// Pump drains the per-CPU event ring and routes each record to the engine
// for its address family. Per-CPU ordering is preserved by the reader;
// cross-CPU ordering is unspecified and the sweep tolerates it.
type Pump struct {
	rd  *perf.Reader
	v4  Dispatcher
	v6  Dispatcher
	log *zap.Logger
}

// NewPump opens the perf reader over the events map. Either dispatcher may
// be nil when the corresponding family is not configured.
func NewPump(events *ebpf.Map, v4, v6 Dispatcher, log *zap.Logger) (*Pump, error) {
	rd, err := perf.NewReader(events, perCPUBufferBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open event ring reader: %w", err)
	}
	return &Pump{
		rd:  rd,
		v4:  v4,
		v6:  v6,
		log: log.Named("pump"),
	}, nil
}

// Run drains the ring until ctx is canceled. Per-record failures are logged
// and never fatal; only a broken reader stops the pump.
func (p *Pump) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.rd.Close()
	}()

	for {
		record, err := p.rd.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read from event ring: %w", err)
		}

		if record.LostSamples > 0 {
			p.log.Warn("event ring dropped samples",
				zap.Uint64("lost", record.LostSamples),
				zap.Int("cpu", record.CPU))
		}
		if len(record.RawSample) == 0 {
			continue
		}

		ev, err := event.DecodeTraceEvent(record.RawSample)
		if err != nil {
			p.log.Warn("discarding undecodable ring record", zap.Error(err))
			continue
		}

		p.route(ev)
	}
}

func (p *Pump) route(ev event.TraceEvent) {
	var d Dispatcher
	switch ev.Version {
	case event.VersionIPv4:
		d = p.v4
	case event.VersionIPv6:
		d = p.v6
	default:
		// Broken classifier invariant. Abort the event, not the trace.
		p.log.Error("event with empty ip version",
			zap.Uint32("trace_id", ev.TraceID))
		return
	}

	if d == nil {
		p.log.Warn("event for unconfigured address family",
			zap.String("family", ev.Version.String()),
			zap.Uint32("trace_id", ev.TraceID))
		return
	}

	d.DispatchEvent(ev)
}
