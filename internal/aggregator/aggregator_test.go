/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package aggregator

import (
	"testing"
	"time"

	"thermalguard/internal/thermal"
	"thermalguard/internal/wire"
)

func TestObserveSensorMapsGasAndFlameChannels(t *testing.T) {
	a := New(DefaultSensorKeyMap(), time.Minute)
	a.ObserveSensor("room-1", map[string]wire.SensorValue{
		"MPY30": {Int: 450},
		"FLAME": {Int: 1},
		"ADC1":  {Int: 99}, // unmapped channel, ignored by fusion
	})
	in := a.Snapshot("room-1")
	if !in.HasGas || in.GasPPM != 450 {
		t.Fatalf("expected gas ppm 450, got %+v", in)
	}
	if !in.HasFlame || !in.Flame {
		t.Fatalf("expected flame active, got %+v", in)
	}
}

func TestSnapshotCombinesFrameSensorAndVision(t *testing.T) {
	a := New(DefaultSensorKeyMap(), time.Minute)
	var g thermal.Grid
	g[3][7] = 66
	a.ObserveFrame("room-2", g)
	a.ObserveSensor("room-2", map[string]wire.SensorValue{"MPY30": {Int: 100}})
	a.ObserveVision("room-2", 0.9)

	in := a.Snapshot("room-2")
	if in.Grid == nil || in.Grid[3][7] != 66 {
		t.Fatalf("expected grid carried through, got %+v", in.Grid)
	}
	if !in.HasGas || in.GasPPM != 100 {
		t.Fatalf("expected gas reading, got %+v", in)
	}
	if !in.HasVision || in.VisionScore != 0.9 {
		t.Fatalf("expected vision score, got %+v", in)
	}
}

func TestSnapshotDropsStaleChannels(t *testing.T) {
	a := New(DefaultSensorKeyMap(), time.Millisecond)
	a.ObserveSensor("room-3", map[string]wire.SensorValue{"MPY30": {Int: 500}})
	time.Sleep(5 * time.Millisecond)
	in := a.Snapshot("room-3")
	if in.HasGas {
		t.Fatal("expected stale gas reading to be excluded from the snapshot")
	}
}

func TestLocationsListsEverySeenLoc(t *testing.T) {
	a := New(DefaultSensorKeyMap(), time.Minute)
	a.ObserveVision("a", 0.1)
	a.ObserveVision("b", 0.2)
	locs := a.Locations()
	if len(locs) != 2 {
		t.Fatalf("expected 2 locations, got %v", locs)
	}
}
