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

// Package rdns resolves PTR records for hop addresses.
package rdns

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Public resolvers, same choice as the rest of the stack's defaults.
var defaultServers = []string{"8.8.8.8:53", "8.8.4.4:53"}

// Resolver performs reverse lookups against a fixed resolver set.
type Resolver struct {
	client  *dns.Client
	servers []string
	log     *zap.Logger
}

// New builds a resolver using the default public servers.
func New(log *zap.Logger) *Resolver {
	return &Resolver{
		client:  &dns.Client{Timeout: 2 * time.Second},
		servers: defaultServers,
		log:     log.Named("rdns"),
	}
}

// Lookup resolves the PTR name for addr, trying each server in order.
// Returns the first answer without the trailing root dot.
func (r *Resolver) Lookup(ctx context.Context, addr netip.Addr) (string, error) {
	name, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", fmt.Errorf("failed to build reverse name for %s: %w", addr, err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypePTR)

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		return "", fmt.Errorf("no PTR record for %s", addr)
	}

	return "", fmt.Errorf("reverse lookup for %s failed: %w", addr, lastErr)
}
