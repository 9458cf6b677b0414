/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fusion implements the weighted-quorum hazard classifier that
// combines thermal, gas, flame, and vision signals into a single verdict.
package fusion

import (
	"sync"
	"time"

	"thermalguard/internal/thermal"
)

// VisionScorer is the pluggable boundary to an external, out-of-process
// vision model that scores a frame image and returns a 0..1 confidence.
// Fusion owns no detector of its own; a daemon wires a VisionScorer
// implementation (or an HTTP push from one running out-of-process) into
// the aggregator via Aggregator.ObserveVision.
type VisionScorer interface {
	Score(frameImage []byte) (float32, error)
}

// Source identifies one of the signal channels contributing to a verdict.
type Source string

const (
	SourceThermal Source = "thermal"
	SourceGas     Source = "gas"
	SourceFlame   Source = "flame"
	SourceVision  Source = "vision"
)

// weight is each source's fixed contribution to confidence when active.
// These are deliberately not configurable, unlike the activation
// thresholds below.
var weight = map[Source]float32{
	SourceThermal: 0.4,
	SourceGas:     0.3,
	SourceFlame:   0.2,
	SourceVision:  0.5,
}

// HotCell is a single grid coordinate at or above the thermal threshold.
type HotCell struct {
	Row, Col int
}

// Input is the latest known reading set for a single location. Grid is
// nil when no thermal frame has been observed yet (or it has gone
// stale); the other fields follow the same has-reading/value pairing.
type Input struct {
	LocID string

	Grid        *thermal.Grid
	GasPPM      float64
	HasGas      bool
	Flame       bool
	HasFlame    bool
	VisionScore float32 // 0..1
	HasVision   bool
}

// Config holds the tunable activation thresholds and quorum rule, all
// overridable from the JSON config file. The unit for ThermalThresholdC
// is degrees Celsius, post-calibration: raw device units stop being
// meaningful once FrameDecoder has applied an offset.
type Config struct {
	ThermalThresholdC float32 // max(grid) at/above this marks thermal active
	GasPPMThreshold   float64 // gas_ppm at/above this marks gas active
	VisionThreshold   float32 // vision_score at/above this marks vision active
	MinSources        int     // quorum: min number of active sources for an alarm
	ConfidenceAlarm   float32 // alarm if confidence is at/above this, even under quorum
}

func DefaultConfig() Config {
	return Config{
		ThermalThresholdC: 50.0,
		GasPPMThreshold:   400,
		VisionThreshold:   0.7,
		MinSources:        2,
		ConfidenceAlarm:   0.7,
	}
}

// Verdict is the fused classification for one location at one instant.
// Confidence is clamped to <= 1.0 for consumers; RawConfidence preserves
// the unclamped sum for debugging multi-source overlap.
type Verdict struct {
	LocID         string
	Alarm         bool
	Confidence    float32
	RawConfidence float32
	ActiveSources []Source
	HotCells      []HotCell
	ThermalMaxC   float32
	GasPPM        float64
	Timestamp     time.Time
}

// Classify fuses in according to cfg, implementing the quorum rule:
// alarm iff len(active_sources) >= cfg.MinSources OR confidence >= cfg.ConfidenceAlarm.
// Classify is a pure function of its arguments; it retains no state of
// its own (the bounded Log below is the only retained fusion state).
func Classify(in Input, cfg Config) Verdict {
	v := Verdict{LocID: in.LocID, GasPPM: in.GasPPM, Timestamp: time.Now()}

	if in.Grid != nil {
		v.ThermalMaxC, v.HotCells = scanGrid(in.Grid, cfg.ThermalThresholdC)
		if v.ThermalMaxC >= cfg.ThermalThresholdC {
			v.ActiveSources = append(v.ActiveSources, SourceThermal)
			v.RawConfidence += weight[SourceThermal]
		}
	}
	if in.HasGas && in.GasPPM >= cfg.GasPPMThreshold {
		v.ActiveSources = append(v.ActiveSources, SourceGas)
		v.RawConfidence += weight[SourceGas]
	}
	if in.HasFlame && in.Flame {
		v.ActiveSources = append(v.ActiveSources, SourceFlame)
		v.RawConfidence += weight[SourceFlame]
	}
	if in.HasVision && in.VisionScore >= cfg.VisionThreshold {
		v.ActiveSources = append(v.ActiveSources, SourceVision)
		v.RawConfidence += weight[SourceVision]
	}

	v.Confidence = v.RawConfidence
	if v.Confidence > 1 {
		v.Confidence = 1
	}

	v.Alarm = len(v.ActiveSources) >= cfg.MinSources || v.Confidence >= cfg.ConfidenceAlarm
	return v
}

// scanGrid returns the grid maximum and every cell at or above
// thresholdC, in row-major order.
func scanGrid(g *thermal.Grid, thresholdC float32) (max float32, hot []HotCell) {
	max = g[0][0]
	for r := 0; r < thermal.GridRows; r++ {
		for c := 0; c < thermal.GridCols; c++ {
			t := g[r][c]
			if t > max {
				max = t
			}
			if t >= thresholdC {
				hot = append(hot, HotCell{Row: r, Col: c})
			}
		}
	}
	return max, hot
}

// Log is a bounded, in-memory ring of recent verdicts. It is Fusion's
// only retained state (Classify itself is stateless per call) and backs
// the daemon's /fusion/recent debug endpoint, which shows recent verdicts
// without a separate event bus.
type Log struct {
	mu   sync.Mutex
	buf  []Verdict
	cap  int
	next int
	size int
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{buf: make([]Verdict, capacity), cap: capacity}
}

// Append records v, overwriting the oldest entry once the log is full.
func (l *Log) Append(v Verdict) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = v
	l.next = (l.next + 1) % l.cap
	if l.size < l.cap {
		l.size++
	}
}

// Recent returns up to the log's capacity worth of verdicts, oldest first.
func (l *Log) Recent() []Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Verdict, l.size)
	start := (l.next - l.size + l.cap) % l.cap
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(start+i)%l.cap]
	}
	return out
}
