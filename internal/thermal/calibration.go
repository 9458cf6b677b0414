/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package thermal decodes PFDS thermal frames into calibrated 24x32
// Celsius grids and owns the process-wide calibration offset derived from
// a device's EEPROM.
package thermal

import (
	"sync"

	"thermalguard/internal/glog"
)

// CalibrationStore is a single-writer, process-wide cache of the current
// calibration offset for a device connection. Disconnects reset only the
// EEPROM1 request gate; the cached offset and the loadedFromEEPROM1 flag
// persist so a brief reconnect does not throw away a known-good reading.
type CalibrationStore struct {
	mu                sync.RWMutex
	offsetC           float32
	loadedFromEEPROM1 bool
	configured        bool
	requestSent       bool
	log               *glog.Logger
}

func NewCalibrationStore(log *glog.Logger) *CalibrationStore {
	if log == nil {
		log = glog.NewDiscard()
	}
	return &CalibrationStore{log: log}
}

func (c *CalibrationStore) Offset() float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offsetC
}

func (c *CalibrationStore) LoadedFromEEPROM1() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedFromEEPROM1
}

// SetOffset installs an operator-supplied offset, typically the
// thermal_calibration.offset config key. It does not mark the offset
// authoritative: a later EEPROM1 read still supersedes it.
func (c *CalibrationStore) SetOffset(offsetC float32) {
	c.mu.Lock()
	c.configured = true
	c.mu.Unlock()
	c.setOffset(offsetC, false)
}

// HasConfiguredOffset reports whether an operator explicitly supplied an
// offset via SetOffset; such frames count as calibrated even before any
// EEPROM data arrives.
func (c *CalibrationStore) HasConfiguredOffset() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configured
}

// NeedsRequest reports whether an EEPROM1 request should be sent: one has
// not already been sent this connection, and no authoritative EEPROM1
// reading has ever been loaded.
func (c *CalibrationStore) NeedsRequest() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.loadedFromEEPROM1 && !c.requestSent
}

func (c *CalibrationStore) MarkRequestSent() {
	c.mu.Lock()
	c.requestSent = true
	c.mu.Unlock()
}

// setOffset records a new offset, logging the transition at DEBUG.
func (c *CalibrationStore) setOffset(offsetC float32, fromEEPROM1 bool) {
	c.mu.Lock()
	prev := c.offsetC
	c.offsetC = offsetC
	if fromEEPROM1 {
		c.loadedFromEEPROM1 = true
	}
	c.mu.Unlock()
	if prev != offsetC {
		c.log.Debug("calibration offset changed",
			glog.KV("prev_offset_c", prev),
			glog.KV("new_offset_c", offsetC),
			glog.KV("from_eeprom1", fromEEPROM1))
	}
}

// ResetForNewConnection clears only the EEPROM1 request gate. The cached
// offset and loadedFromEEPROM1 flag are left untouched so a device that
// reconnects briefly keeps using its known-good calibration.
func (c *CalibrationStore) ResetForNewConnection() {
	c.mu.Lock()
	c.requestSent = false
	c.mu.Unlock()
}
