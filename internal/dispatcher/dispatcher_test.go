/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"thermalguard/internal/registry"
)

type fakeRegistry struct {
	devices []registry.DeviceRecord
}

func (f *fakeRegistry) List() ([]registry.DeviceRecord, error) { return f.devices, nil }

type fakeSink struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSink) Dispatch(ip, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ip+":"+cmd)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestContinuousDeviceGetsPeriodOnOnce(t *testing.T) {
	reg := &fakeRegistry{devices: []registry.DeviceRecord{
		{ID: 1, UUID: "u1", IP: "10.0.0.1", Mode: registry.ModeContinuous},
	}}
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	d := New(cfg, reg, sink, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if got := sink.count(); got != 1 {
		t.Fatalf("expected exactly 1 PERIOD_ON dispatch, got %d: %v", got, sink.calls)
	}
}

func TestOnDemandDevicePollsOnInterval(t *testing.T) {
	reg := &fakeRegistry{devices: []registry.DeviceRecord{
		{ID: 2, UUID: "u2", IP: "10.0.0.2", Mode: registry.ModeOnDemand, PollSeconds: 0},
	}}
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	d := New(cfg, reg, sink, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if got := sink.count(); got < 2 {
		t.Fatalf("expected multiple REQUEST1 polls with PollSeconds<=1, got %d", got)
	}
}
