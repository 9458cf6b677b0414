/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fusion

import (
	"testing"

	"thermalguard/internal/thermal"
)

func gridWithMax(maxC float32) *thermal.Grid {
	var g thermal.Grid
	g[0][0] = maxC
	return &g
}

func TestClassifyNoSourcesNoAlarm(t *testing.T) {
	v := Classify(Input{LocID: "room-1"}, DefaultConfig())
	if v.Alarm {
		t.Fatal("expected no alarm with no active sources")
	}
}

// TestClassifyQuorumScenario: thermal max 65C (threshold 50), gas_ppm
// 100 (threshold 400, inactive), flame=1. Active sources = {thermal,
// flame}; confidence = 0.6; two sources meet the quorum, so alarm.
func TestClassifyQuorumScenario(t *testing.T) {
	in := Input{
		LocID:    "room-1",
		Grid:     gridWithMax(65),
		HasGas:   true,
		GasPPM:   100,
		HasFlame: true,
		Flame:    true,
	}
	v := Classify(in, DefaultConfig())
	if !v.Alarm {
		t.Fatal("expected alarm: thermal+flame meet the 2-source quorum")
	}
	if len(v.ActiveSources) != 2 {
		t.Fatalf("expected exactly 2 active sources (thermal, flame), got %v", v.ActiveSources)
	}
	if v.Confidence < 0.59 || v.Confidence > 0.61 {
		t.Fatalf("expected confidence ~0.6, got %v", v.Confidence)
	}
	if len(v.HotCells) == 0 {
		t.Fatal("expected hot_cells to be non-empty")
	}
	if v.ThermalMaxC != 65 {
		t.Fatalf("expected thermal max 65, got %v", v.ThermalMaxC)
	}
	if v.GasPPM != 100 {
		t.Fatalf("expected gas_ppm echoed as 100, got %v", v.GasPPM)
	}
}

func TestClassifySingleHighConfidenceVisionAlarms(t *testing.T) {
	in := Input{LocID: "room-1", HasVision: true, VisionScore: 0.95}
	cfg := DefaultConfig()
	cfg.ConfidenceAlarm = 0.4 // vision alone (weight 0.5) should clear a lowered bar
	v := Classify(in, cfg)
	if !v.Alarm {
		t.Fatalf("expected alarm via confidence threshold alone, got confidence %v", v.Confidence)
	}
	if len(v.ActiveSources) != 1 {
		t.Fatalf("expected exactly 1 active source, got %v", v.ActiveSources)
	}
}

func TestClassifyBelowThresholdsNoAlarm(t *testing.T) {
	in := Input{
		LocID:  "room-1",
		Grid:   gridWithMax(10),
		HasGas: true,
		GasPPM: 10,
	}
	v := Classify(in, DefaultConfig())
	if v.Alarm {
		t.Fatal("expected no alarm: neither source crosses its threshold")
	}
	if len(v.ActiveSources) != 0 {
		t.Fatalf("expected no active sources, got %v", v.ActiveSources)
	}
}

func TestClassifyConfidenceClampedAtOne(t *testing.T) {
	in := Input{
		LocID:       "room-1",
		Grid:        gridWithMax(90),
		HasGas:      true,
		GasPPM:      900,
		HasFlame:    true,
		Flame:       true,
		HasVision:   true,
		VisionScore: 0.99,
	}
	v := Classify(in, DefaultConfig())
	if v.RawConfidence <= 1.0 {
		t.Fatalf("expected raw confidence sum above 1.0 with all 4 sources, got %v", v.RawConfidence)
	}
	if v.Confidence != 1.0 {
		t.Fatalf("expected clamped confidence of 1.0, got %v", v.Confidence)
	}
	if !v.Alarm {
		t.Fatal("expected alarm with all sources active")
	}
}

func TestLogBoundedRingRetainsMostRecent(t *testing.T) {
	l := NewLog(2)
	l.Append(Verdict{LocID: "a"})
	l.Append(Verdict{LocID: "b"})
	l.Append(Verdict{LocID: "c"})
	recent := l.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected log capped at 2 entries, got %d", len(recent))
	}
	if recent[0].LocID != "b" || recent[1].LocID != "c" {
		t.Fatalf("expected oldest-dropped order [b c], got %v", recent)
	}
}
