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

// Package ebpf loads and attaches the XDP ingress classifier and owns the
// kernel maps shared with it: the single-entry filter config, the trace
// filter table and the per-CPU event ring.
package ebpf

//go:generate clang -O2 -g -Wall -target bpf -c ../../bpf/inband_trace.bpf.c -o inband_trace.o

import (
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/inband-traceroute/pkg/event"
)

const (
	programName   = "inband_trace"
	configMapName = "config"
	tracesMapName = "traces"
	eventsMapName = "events"
)

// Objects holds the loaded classifier and the map handles user space keeps
// for its lifetime. Closing it detaches the program and drops all kernel
// state.
type Objects struct {
	coll *ebpf.Collection
	lnk  link.Link

	Traces *TraceMap
	Events *ebpf.Map

	log *zap.Logger
}

// Load reads the compiled classifier object from objPath, installs the
// filter config, and attaches the program to iface. The config is written
// before the attach so the classifier never observes a half-initialized
// state; it is immutable afterwards.
func Load(objPath, iface string, cfg event.FilterConfig, log *zap.Logger) (*Objects, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load classifier spec from %s: %w", objPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load classifier into kernel: %w", err)
	}

	obj := &Objects{coll: coll, log: log.Named("ebpf")}

	configMap, ok := coll.Maps[configMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier object has no %q map", configMapName)
	}
	if err := configMap.Put(uint32(0), cfg.Marshal()); err != nil {
		coll.Close()
		return nil, fmt.Errorf("failed to install filter config: %w", err)
	}

	tracesMap, ok := coll.Maps[tracesMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier object has no %q map", tracesMapName)
	}
	obj.Traces = &TraceMap{m: tracesMap}

	obj.Events, ok = coll.Maps[eventsMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier object has no %q map", eventsMapName)
	}

	prog, ok := coll.Programs[programName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("classifier object has no %q program", programName)
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("failed to resolve interface %q: %w", iface, err)
	}

	obj.lnk, err = attachBestEffort(prog, ifi.Index, obj.log)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("failed to attach XDP program to %q: %w", iface, err)
	}

	obj.log.Info("classifier attached",
		zap.String("iface", iface),
		zap.Uint16("port", cfg.Port))

	return obj, nil
}

// attachBestEffort attaches in native driver mode when the NIC supports it
// and falls back to generic (skb) mode otherwise.
func attachBestEffort(prog *ebpf.Program, ifindex int, log *zap.Logger) (link.Link, error) {
	lnk, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
		Flags:     link.XDPDriverMode,
	})
	if err == nil {
		return lnk, nil
	}

	log.Warn("driver-mode XDP attach failed, falling back to generic mode", zap.Error(err))

	return link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
		Flags:     link.XDPGenericMode,
	})
}

// Close detaches the classifier; the kernel drops the maps with it.
func (o *Objects) Close() error {
	var firstErr error
	if o.lnk != nil {
		firstErr = o.lnk.Close()
	}
	if o.coll != nil {
		o.coll.Close()
	}
	return firstErr
}
