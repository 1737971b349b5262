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

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testServer(cfg Config) *Server {
	return New(cfg, nil, nil, zap.NewNop())
}

func TestHosts(t *testing.T) {
	s := testServer(Config{Domain: "trace.example.com"})
	assert.Equal(t, []string{"trace.example.com"}, s.hosts())

	s = testServer(Config{Domain: "trace.example.com", V4V6Subdomains: true})
	assert.Equal(t,
		[]string{"trace.example.com", "ipv4.trace.example.com", "ipv6.trace.example.com"},
		s.hosts())
}

func TestUnservedFamilyIsRejected(t *testing.T) {
	s := testServer(Config{Domain: "trace.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:55555"
	rec := httptest.NewRecorder()
	s.handleIndex(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.RemoteAddr = "[2001:db8::1]:55555"
	rec = httptest.NewRecorder()
	s.handleSSE(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestUnparseableRemoteAddr(t *testing.T) {
	s := testServer(Config{Domain: "trace.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "pipe"
	rec := httptest.NewRecorder()
	s.handleIndex(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
