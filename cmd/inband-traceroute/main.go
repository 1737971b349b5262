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

package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/inband-traceroute/internal/ebpf"
	"github.com/GoogleCloudPlatform/inband-traceroute/internal/geo"
	"github.com/GoogleCloudPlatform/inband-traceroute/internal/rdns"
	"github.com/GoogleCloudPlatform/inband-traceroute/internal/server"
	"github.com/GoogleCloudPlatform/inband-traceroute/internal/tracer"
	"github.com/GoogleCloudPlatform/inband-traceroute/pkg/event"
)

type options struct {
	iface          string
	ipv4           string
	ipv6           string
	domain         string
	emails         []string
	cacheDir       string
	port           uint16
	prod           bool
	maxHops        uint8
	ipinfoDB       string
	v4v6Subdomains bool
	bpfObj         string
	debug          bool
}

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "inband-traceroute",
		Short:        "Traceroute clients inside the TCP flows they open to this server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.iface, "iface", "eth0", "interface to attach the classifier to")
	flags.StringVar(&opts.ipv4, "ipv4", "", "IPv4 address to listen on")
	flags.StringVar(&opts.ipv6, "ipv6", "", "IPv6 address to listen on")
	flags.StringVar(&opts.domain, "domain", "", "domain for the TLS certificate")
	flags.StringArrayVar(&opts.emails, "email", nil, "contact email for the TLS certificate (repeatable)")
	flags.StringVar(&opts.cacheDir, "cache-dir", "", "cache directory for TLS certificates")
	flags.Uint16Var(&opts.port, "port", 443, "HTTPS listen port")
	flags.BoolVar(&opts.prod, "prod", false, "use the Let's Encrypt production environment")
	flags.Uint8Var(&opts.maxHops, "max-hops", 32, "maximum number of hops to probe")
	flags.StringVar(&opts.ipinfoDB, "ipinfoio-db", "/opt/ipinfoio/ipinfo_lite.mmdb", "IPinfo MMDB path")
	flags.BoolVar(&opts.v4v6Subdomains, "v4-v6-subdomains", true, "also serve ipv4.<domain> and ipv6.<domain>")
	flags.StringVar(&opts.bpfObj, "bpf-obj", "/opt/inband-traceroute/inband_trace.o", "compiled classifier object path")
	flags.BoolVar(&opts.debug, "debug", false, "console logging at debug level")
	cobra.CheckErr(cmd.MarkFlagRequired("domain"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	if opts.ipv4 == "" && opts.ipv6 == "" {
		return fmt.Errorf("at least one of --ipv4 and --ipv6 is required")
	}

	log, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting inband-traceroute", zap.String("iface", opts.iface))

	cfg := event.FilterConfig{Port: opts.port}

	var v4Addr, v6Addr netip.Addr
	if opts.ipv4 != "" {
		if v4Addr, err = netip.ParseAddr(opts.ipv4); err != nil || !v4Addr.Is4() {
			return fmt.Errorf("invalid --ipv4 address %q", opts.ipv4)
		}
		cfg.IPv4 = event.NewIPAddr(v4Addr)
	}
	if opts.ipv6 != "" {
		if v6Addr, err = netip.ParseAddr(opts.ipv6); err != nil || !v6Addr.Is6() || v6Addr.Is4In6() {
			return fmt.Errorf("invalid --ipv6 address %q", opts.ipv6)
		}
		cfg.IPv6 = event.NewIPAddr(v6Addr)
	}

	log.Info("loading ipinfo database", zap.String("path", opts.ipinfoDB))
	geodb, err := geo.Open(opts.ipinfoDB, log)
	if err != nil {
		return err
	}
	defer geodb.Close()
	if err := geodb.Watch(ctx); err != nil {
		log.Warn("ipinfo database hot reload unavailable", zap.Error(err))
	}

	resolver := rdns.New(log)

	log.Info("loading classifier", zap.String("object", opts.bpfObj))
	objs, err := ebpf.Load(opts.bpfObj, opts.iface, cfg, log)
	if err != nil {
		return err
	}
	defer objs.Close()

	var tracerV4, tracerV6 *tracer.Tracer
	if opts.ipv4 != "" {
		tracerV4, err = tracer.New(netip.AddrPortFrom(v4Addr, opts.port), opts.maxHops, objs.Traces, geodb, resolver, log)
		if err != nil {
			return fmt.Errorf("failed to create IPv4 tracer: %w", err)
		}
		defer tracerV4.Close()
	}
	if opts.ipv6 != "" {
		tracerV6, err = tracer.New(netip.AddrPortFrom(v6Addr, opts.port), opts.maxHops, objs.Traces, geodb, resolver, log)
		if err != nil {
			return fmt.Errorf("failed to create IPv6 tracer: %w", err)
		}
		defer tracerV6.Close()
	}

	// A nil *Tracer must stay a nil Dispatcher.
	var dispatchV4, dispatchV6 ebpf.Dispatcher
	if tracerV4 != nil {
		dispatchV4 = tracerV4
	}
	if tracerV6 != nil {
		dispatchV6 = tracerV6
	}

	pump, err := ebpf.NewPump(objs.Events, dispatchV4, dispatchV6, log)
	if err != nil {
		return err
	}
	go func() {
		if err := pump.Run(ctx); err != nil {
			log.Error("event pump failed", zap.Error(err))
		}
	}()

	srv := server.New(server.Config{
		Domain:         opts.domain,
		Emails:         opts.emails,
		CacheDir:       opts.cacheDir,
		Port:           opts.port,
		Prod:           opts.prod,
		V4V6Subdomains: opts.v4v6Subdomains,
	}, tracerV4, tracerV6, log)

	log.Info("server ready", zap.String("url", fmt.Sprintf("https://%s:%d/", opts.domain, opts.port)))

	if err := srv.Run(ctx); err != nil {
		return err
	}

	log.Info("shutting down")
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
