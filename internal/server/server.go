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

// Package server exposes traces to the peers being traced: every HTTPS
// connection gets its own path streamed back over the very flow the probes
// ride on.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/GoogleCloudPlatform/inband-traceroute/internal/tracer"
)

const letsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

type (
	// Config is the delivery-surface configuration.
	Config struct {
		Domain         string
		Emails         []string
		CacheDir       string
		Port           uint16
		Prod           bool
		V4V6Subdomains bool
	}

	// Server serves hop streams over HTTPS with ACME-managed certificates.
	Server struct {
		cfg Config
		v4  *tracer.Tracer
		v6  *tracer.Tracer
		log *zap.Logger

		cacheLock *flock.Flock
	}
)

// New wires the delivery surface to the per-family engines; either engine
// may be nil.
func New(cfg Config, v4, v6 *tracer.Tracer, log *zap.Logger) *Server {
	return &Server{cfg: cfg, v4: v4, v6: v6, log: log.Named("server")}
}

func (s *Server) engineFor(addr netip.Addr) *tracer.Tracer {
	if addr.Unmap().Is4() {
		return s.v4
	}
	return s.v6
}

func (s *Server) startTrace(w http.ResponseWriter, r *http.Request) (*tracer.TraceHandle, <-chan Hop, bool) {
	remote, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		http.Error(w, "unparseable remote address", http.StatusInternalServerError)
		return nil, nil, false
	}

	engine := s.engineFor(remote.Addr())
	if engine == nil {
		http.Error(w, "address family not served here", http.StatusNotImplemented)
		return nil, nil, false
	}

	handle, err := engine.StartTrace(remote)
	if err != nil {
		s.log.Error("failed to start trace", zap.String("remote", remote.String()), zap.Error(err))
		http.Error(w, "failed to start trace", http.StatusInternalServerError)
		return nil, nil, false
	}

	hops, err := handle.HopStream(r.Context())
	if err != nil {
		s.log.Warn("trace failed before first hop",
			zap.String("remote", remote.String()), zap.Error(err))
		http.Error(w, sf.Format("trace failed: {0}", err.Error()), http.StatusServiceUnavailable)
		return nil, nil, false
	}

	s.log.Info("trace started", zap.String("remote", remote.String()))
	return handle, hops, true
}

// Hop is the wire form of a hop on both handlers.
type Hop = tracer.Hop

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	handle, hops, ok := s.startTrace(w, r)
	if !ok {
		return
	}
	defer handle.Close()

	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for hop := range hops {
		fmt.Fprintf(w, "%s<br>\n", hop.String())
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	handle, hops, ok := s.startTrace(w, r)
	if !ok {
		return
	}
	defer handle.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for hop := range hops {
		payload, err := json.Marshal(hop)
		if err != nil {
			s.log.Error("failed to encode hop", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /sse", s.handleSSE)
	return s.logged(mux)
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) hosts() []string {
	hosts := []string{s.cfg.Domain}
	if s.cfg.V4V6Subdomains {
		hosts = append(hosts, "ipv4."+s.cfg.Domain, "ipv6."+s.cfg.Domain)
	}
	return hosts
}

// Run serves HTTPS until ctx is canceled. The certificate cache directory
// is flocked so two instances never fight over one ACME account.
func (s *Server) Run(ctx context.Context) error {
	cacheDir := s.cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "inband-traceroute-acme")
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	s.cacheLock = flock.New(filepath.Join(cacheDir, ".lock"))
	locked, err := s.cacheLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock cache dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("cache dir %s is locked by another instance", cacheDir)
	}
	defer s.cacheLock.Unlock()

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.hosts()...),
		Cache:      autocert.DirCache(cacheDir),
	}
	if len(s.cfg.Emails) > 0 {
		manager.Email = s.cfg.Emails[0]
	}
	if !s.cfg.Prod {
		manager.Client = &acme.Client{DirectoryURL: letsEncryptStagingURL}
	}

	srv := &http.Server{
		Addr:      sf.Format(":{0}", s.cfg.Port),
		Handler:   s.handler(),
		TLSConfig: manager.TLSConfig(),
	}

	errCh := make(chan error, 1)
	go func() {
		// cert and key come from the ACME manager
		errCh <- srv.ListenAndServeTLS("", "")
	}()

	s.log.Info("serving",
		zap.String("domain", s.cfg.Domain),
		zap.Uint16("port", s.cfg.Port),
		zap.Bool("prod_acme", s.cfg.Prod))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
