/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package aggregator keeps the latest decoded reading of each kind per
// location and builds fusion.Input snapshots from them. The wire protocol
// has no single envelope carrying thermal+gas+flame+vision together, so
// something has to hold the most recent of each side by side before
// Fusion can run; that's this package's only job.
package aggregator

import (
	"sync"
	"time"

	"thermalguard/internal/fusion"
	"thermalguard/internal/thermal"
	"thermalguard/internal/wire"
)

// SensorKeyMap names which wire.SensorValue keys feed which fusion
// signal. The wire keys (ADC1, ADC2, MPY30, ...) are device-specific ADC
// channel labels with no protocol-fixed meaning; this mapping is an
// explicit deployment decision, overridable from config.
type SensorKeyMap struct {
	GasPPMKey string // default "MPY30": gas sensor ADC channel reporting ppm
	FlameKey  string // default "FLAME": nonzero means flame detected
}

func DefaultSensorKeyMap() SensorKeyMap {
	return SensorKeyMap{GasPPMKey: "MPY30", FlameKey: "FLAME"}
}

type locState struct {
	mu sync.Mutex

	hasFrame bool
	grid     thermal.Grid
	frameAt  time.Time

	hasGas bool
	gasPPM float64
	gasAt  time.Time

	hasFlame bool
	flame    bool
	flameAt  time.Time

	hasVision bool
	vision    float32
	visionAt  time.Time
}

// Aggregator fans latest-value state out per location ID.
type Aggregator struct {
	mu         sync.RWMutex
	locs       map[string]*locState
	keys       SensorKeyMap
	staleAfter time.Duration
}

func New(keys SensorKeyMap, staleAfter time.Duration) *Aggregator {
	return &Aggregator{
		locs:       make(map[string]*locState),
		keys:       keys,
		staleAfter: staleAfter,
	}
}

func (a *Aggregator) state(locID string) *locState {
	a.mu.RLock()
	s, ok := a.locs[locID]
	a.mu.RUnlock()
	if ok {
		return s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.locs[locID]; ok {
		return s
	}
	s = &locState{}
	a.locs[locID] = s
	return s
}

// ObserveFrame records a decoded, calibrated thermal grid for locID.
func (a *Aggregator) ObserveFrame(locID string, grid thermal.Grid) {
	s := a.state(locID)
	s.mu.Lock()
	s.hasFrame = true
	s.grid = grid
	s.frameAt = time.Now()
	s.mu.Unlock()
}

// ObserveSensor records an auxiliary reading packet for locID, extracting
// gas/flame channels per the configured SensorKeyMap.
func (a *Aggregator) ObserveSensor(locID string, readings map[string]wire.SensorValue) {
	s := a.state(locID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := readings[a.keys.GasPPMKey]; ok {
		s.hasGas = true
		s.gasPPM = v.AsFloat()
		s.gasAt = time.Now()
	}
	if v, ok := readings[a.keys.FlameKey]; ok {
		s.hasFlame = true
		s.flame = v.AsFloat() != 0
		s.flameAt = time.Now()
	}
}

// ObserveVision records an external vision-model confidence score for
// locID (fed in via fusion.VisionScorer, out of process).
func (a *Aggregator) ObserveVision(locID string, score float32) {
	s := a.state(locID)
	s.mu.Lock()
	s.hasVision = true
	s.vision = score
	s.visionAt = time.Now()
	s.mu.Unlock()
}

// Snapshot builds a fusion.Input for locID from whatever readings are
// fresh (within staleAfter); stale or absent channels are left inactive
// rather than fused against outdated data.
func (a *Aggregator) Snapshot(locID string) fusion.Input {
	s := a.state(locID)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	fresh := func(t time.Time) bool {
		return !t.IsZero() && (a.staleAfter <= 0 || now.Sub(t) <= a.staleAfter)
	}
	in := fusion.Input{LocID: locID}
	if s.hasFrame && fresh(s.frameAt) {
		grid := s.grid // copy out from under the lock
		in.Grid = &grid
	}
	if s.hasGas && fresh(s.gasAt) {
		in.HasGas = true
		in.GasPPM = s.gasPPM
	}
	if s.hasFlame && fresh(s.flameAt) {
		in.HasFlame = true
		in.Flame = s.flame
	}
	if s.hasVision && fresh(s.visionAt) {
		in.HasVision = true
		in.VisionScore = s.vision
	}
	return in
}

func (a *Aggregator) Locations() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.locs))
	for k := range a.locs {
		out = append(out, k)
	}
	return out
}
