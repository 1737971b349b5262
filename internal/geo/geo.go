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

// Package geo enriches hop addresses with ASN and country data from an
// IPinfo MMDB file.
package geo

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

// Info is the subset of the IPinfo country_asn schema we surface per hop.
type Info struct {
	ASN           string `maxminddb:"asn" json:"asn,omitempty"`
	ASName        string `maxminddb:"as_name" json:"as_name,omitempty"`
	ASDomain      string `maxminddb:"as_domain" json:"as_domain,omitempty"`
	Continent     string `maxminddb:"continent" json:"continent,omitempty"`
	ContinentCode string `maxminddb:"continent_code" json:"continent_code,omitempty"`
	Country       string `maxminddb:"country" json:"country,omitempty"`
	CountryCode   string `maxminddb:"country_code" json:"country_code,omitempty"`
}

// DB is a reloadable MMDB handle. Lookups take the read lock; a database
// replacement on disk swaps the reader under the write lock.
type DB struct {
	mu   sync.RWMutex
	rd   *maxminddb.Reader
	path string
	log  *zap.Logger
}

// Open loads the database at path.
func Open(path string, log *zap.Logger) (*DB, error) {
	rd, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ipinfo database %s: %w", path, err)
	}
	return &DB{rd: rd, path: path, log: log.Named("geo")}, nil
}

// Lookup returns enrichment for addr, or nil when the database has no
// record. Lookup failures are absorbed: enrichment is best-effort and never
// blocks a hop.
func (db *DB) Lookup(addr netip.Addr) *Info {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.rd == nil {
		return nil
	}

	var info Info
	if err := db.rd.Lookup(net.IP(addr.AsSlice()), &info); err != nil {
		db.log.Debug("ipinfo lookup failed",
			zap.String("addr", addr.String()), zap.Error(err))
		return nil
	}
	if info == (Info{}) {
		return nil
	}
	return &info
}

// Watch reloads the database when the file is replaced. MMDB distributions
// are updated by atomic rename, which arrives as Create on the parent
// directory watch.
func (db *DB) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create mmdb watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(db.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch mmdb directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != db.path || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				db.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				db.log.Warn("mmdb watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

func (db *DB) reload() {
	rd, err := maxminddb.Open(db.path)
	if err != nil {
		db.log.Warn("keeping previous ipinfo database, reload failed", zap.Error(err))
		return
	}

	db.mu.Lock()
	old := db.rd
	db.rd = rd
	db.mu.Unlock()

	if old != nil {
		old.Close()
	}
	db.log.Info("reloaded ipinfo database", zap.String("path", db.path))
}

// Close releases the reader.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.rd == nil {
		return nil
	}
	err := db.rd.Close()
	db.rd = nil
	return err
}
