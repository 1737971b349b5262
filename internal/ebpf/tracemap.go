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
	"fmt"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/GoogleCloudPlatform/inband-traceroute/pkg/event"
)

// TraceMap wraps the kernel-resident filter table mapping a remote socket
// address to its trace id. The classifier reads it locklessly on every
// eligible packet; user-side writes hold the mutex only across the single
// map call.
type TraceMap struct {
	mu sync.Mutex
	m  *ebpf.Map
}

// Insert registers a filter key. Inserting a key that is already present is
// a registration bug and fails rather than silently retargeting the running
// trace.
func (t *TraceMap) Insert(key event.SocketAddr, traceID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.m.Update(key.Marshal(), traceID, ebpf.UpdateNoExist); err != nil {
		return fmt.Errorf("failed to insert filter key: %w", err)
	}
	return nil
}

// Remove releases a filter key. Removing an absent key is an error so that
// lifecycle bugs surface in logs instead of vanishing.
func (t *TraceMap) Remove(key event.SocketAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.m.Delete(key.Marshal()); err != nil {
		return fmt.Errorf("failed to remove filter key: %w", err)
	}
	return nil
}
