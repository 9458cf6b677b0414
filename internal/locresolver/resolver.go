/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package locresolver maps client IP addresses to operator-assigned
// location identifiers. It is backed by an embedded SQLite table with a
// JSON-file fallback cache: SQL-first, JSON second, all writes
// serialized behind a single mutex.
package locresolver

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"

	"thermalguard/internal/glog"
)

// Resolver resolves client IPs to location IDs. All mutating operations
// take the same mutex; the wire protocol's per-second cadence never
// needs finer-grained locking.
type Resolver struct {
	mu       sync.Mutex
	db       *sql.DB
	sqlOK    bool
	jsonPath string
	cache    map[string]string
	log      *glog.Logger
}

// New opens (creating if needed) the SQLite-backed resolver at dbPath
// with jsonPath as its fallback cache file. If the SQLite database cannot
// be opened, the resolver degrades to JSON-only operation and logs once.
func New(dbPath, jsonPath string, log *glog.Logger) (*Resolver, error) {
	if log == nil {
		log = glog.NewDiscard()
	}
	r := &Resolver{jsonPath: jsonPath, cache: make(map[string]string), log: log}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		log.Warn("locresolver: sqlite unavailable, falling back to JSON only", glog.KVErr(err))
	} else if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS mappings (ip TEXT PRIMARY KEY, loc_id TEXT)`); err != nil {
		log.Warn("locresolver: sqlite schema init failed, falling back to JSON only", glog.KVErr(err))
		db.Close()
	} else {
		r.db = db
		r.sqlOK = true
	}

	if err := r.loadJSONLocked(); err != nil && !os.IsNotExist(err) {
		log.Warn("locresolver: failed to load JSON fallback cache", glog.KVErr(err))
	}
	if r.sqlOK {
		if err := r.loadFromSQLLocked(); err != nil {
			log.Warn("locresolver: failed to preload sqlite mappings", glog.KVErr(err))
		}
	}
	return r, nil
}

func (r *Resolver) loadFromSQLLocked() error {
	rows, err := r.db.Query(`SELECT ip, loc_id FROM mappings`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ip, loc string
		if err := rows.Scan(&ip, &loc); err != nil {
			return err
		}
		r.cache[ip] = loc
	}
	return rows.Err()
}

// Set assigns ip -> locID, persisting to SQLite when available and
// always refreshing the in-memory/JSON fallback cache.
func (r *Resolver) Set(ip, locID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[ip] = locID
	if r.sqlOK {
		if _, err := r.db.Exec(`INSERT OR REPLACE INTO mappings(ip, loc_id) VALUES (?, ?)`, ip, locID); err != nil {
			r.log.Warn("locresolver: sqlite write failed, JSON cache still updated", glog.KVErr(err))
		}
	}
	return r.saveJSONLocked()
}

// Get returns the location assigned to ip, if any. A miss is not an
// error: the ingestion path falls back to using ip itself as the loc_id.
func (r *Resolver) Get(ip string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sqlOK {
		var loc string
		err := r.db.QueryRow(`SELECT loc_id FROM mappings WHERE ip = ?`, ip).Scan(&loc)
		if err == nil {
			return loc, true
		}
		if err != sql.ErrNoRows {
			r.log.Warn("locresolver: sqlite read failed, using JSON cache", glog.KVErr(err))
		}
	}
	loc, ok := r.cache[ip]
	return loc, ok
}

func (r *Resolver) Clear(ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, ip)
	if r.sqlOK {
		if _, err := r.db.Exec(`DELETE FROM mappings WHERE ip = ?`, ip); err != nil {
			r.log.Warn("locresolver: sqlite delete failed", glog.KVErr(err))
		}
	}
	return r.saveJSONLocked()
}

func (r *Resolver) fileLock() (*flock.Flock, error) {
	fl := flock.New(r.jsonPath + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return fl, nil
}

func (r *Resolver) saveJSONLocked() error {
	if r.jsonPath == "" {
		return nil
	}
	fl, err := r.fileLock()
	if err != nil {
		return fmt.Errorf("locresolver: lock json cache: %w", err)
	}
	defer fl.Unlock()
	b, err := json.MarshalIndent(r.cache, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.jsonPath, b, 0644)
}

func (r *Resolver) loadJSONLocked() error {
	if r.jsonPath == "" {
		return nil
	}
	b, err := os.ReadFile(r.jsonPath)
	if err != nil {
		return err
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		r.cache[k] = v
	}
	return nil
}

// ExportJSON dumps the current mapping to path as a JSON object.
func (r *Resolver) ExportJSON(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.MarshalIndent(r.cache, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// ImportJSON merges path's JSON object into the resolver, persisting each
// entry through Set (so SQLite stays in sync).
func (r *Resolver) ImportJSON(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for ip, loc := range m {
		if err := r.Set(ip, loc); err != nil {
			return err
		}
	}
	return nil
}

// ExportCSV writes "ip,loc_id" rows under a header of the same names.
func (r *Resolver) ExportCSV(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"ip", "loc_id"}); err != nil {
		return err
	}
	for ip, loc := range r.cache {
		if err := w.Write([]string{ip, loc}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// ImportCSV reads "ip,loc_id" rows (header required), applying each
// through Set.
func (r *Resolver) ImportCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return err
	}
	for i, rec := range records {
		if i == 0 || len(rec) < 2 {
			continue
		}
		if err := r.Set(rec[0], rec[1]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
