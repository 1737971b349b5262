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

package rdns

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverseNameConstruction(t *testing.T) {
	name, err := dns.ReverseAddr(netip.MustParseAddr("8.8.4.4").String())
	require.NoError(t, err)
	assert.Equal(t, "4.4.8.8.in-addr.arpa.", name)

	name, err = dns.ReverseAddr(netip.MustParseAddr("2001:db8::1").String())
	require.NoError(t, err)
	assert.Contains(t, name, ".ip6.arpa.")
}
