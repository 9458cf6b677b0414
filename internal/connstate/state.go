/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package connstate tracks per-connection, one-shot gating state for the
// ingest server: whether PERIOD_ON has been sent for a connection and
// whether an EEPROM1 request has already gone out on it.
package connstate

import (
	"net"
	"sync"
	"time"
)

// State is the gating state for a single live device connection.
type State struct {
	ClientIP    string
	ConnectedAt time.Time
	Conn        net.Conn

	mu              sync.Mutex
	periodicOnSent  bool
	firstFrameSeen  bool
	eepromRequested bool
}

// MarkPeriodicOnSent records that PERIOD_ON has gone out. Returns true if
// this call is the one that set it (i.e. it had not been sent before).
func (s *State) MarkPeriodicOnSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.periodicOnSent {
		return false
	}
	s.periodicOnSent = true
	return true
}

func (s *State) PeriodicOnSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodicOnSent
}

// NeedsFailsafeRetry reports whether this is the first frame seen on the
// connection while PERIOD_ON still hasn't been confirmed sent - the one
// retry opportunity the wire protocol gets before giving up on it.
func (s *State) NeedsFailsafeRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstFrameSeen || s.periodicOnSent {
		s.firstFrameSeen = true
		return false
	}
	s.firstFrameSeen = true
	return true
}

func (s *State) MarkEepromRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eepromRequested {
		return false
	}
	s.eepromRequested = true
	return true
}

func (s *State) EepromRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eepromRequested
}

// Table is the registry of live connections, keyed by client IP.
type Table struct {
	mu    sync.RWMutex
	conns map[string]*State
}

func NewTable() *Table {
	return &Table{conns: make(map[string]*State)}
}

func (t *Table) Add(ip string, conn net.Conn) *State {
	s := &State{ClientIP: ip, ConnectedAt: time.Now(), Conn: conn}
	t.mu.Lock()
	t.conns[ip] = s
	t.mu.Unlock()
	return s
}

func (t *Table) Remove(ip string) {
	t.mu.Lock()
	delete(t.conns, ip)
	t.mu.Unlock()
}

func (t *Table) Get(ip string) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.conns[ip]
	return s, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// CloseAll closes every live connection so per-connection readers
// unblock immediately during shutdown instead of waiting out their read
// deadlines.
func (t *Table) CloseAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.conns {
		if s.Conn != nil {
			s.Conn.Close()
		}
	}
}

// Sole returns the single connection in the table when exactly one is
// present. It backs the NAT single-client command-dispatch fallback: if a
// device's reported IP doesn't match the live connection (common behind
// NAT) but there's only one client connected, commands still reach it.
func (t *Table) Sole() (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.conns) != 1 {
		return nil, false
	}
	for _, s := range t.conns {
		return s, true
	}
	return nil, false
}
