/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package batchparser

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"thermalguard/internal/aggregator"
	"thermalguard/internal/locresolver"
	"thermalguard/internal/queue"
	"thermalguard/internal/thermal"
	"thermalguard/internal/wire"
)

type fakeDispatch struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDispatch) Dispatch(ip, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ip+":"+cmd)
	return nil
}

type fakeSink struct {
	mu   sync.Mutex
	pkts []wire.Packet
}

func (f *fakeSink) Ingest(p wire.Packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pkts = append(f.pkts, p)
}

func newTestParser(t *testing.T) (*Parser, *queue.RingQueue, *fakeDispatch, *fakeSink, *aggregator.Aggregator) {
	dir := t.TempDir()
	loc, err := locresolver.New(filepath.Join(dir, "l.db"), filepath.Join(dir, "l.json"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calib := thermal.NewCalibrationStore(nil)
	fd := thermal.NewFrameDecoder(calib, true, nil)
	agg := aggregator.New(aggregator.DefaultSensorKeyMap(), time.Minute)
	q := queue.NewRingQueue(100)
	disp := &fakeDispatch{}
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	p := New(cfg, q, fd, loc, agg, disp, sink, nil, nil)
	return p, q, disp, sink, agg
}

func TestHandleLineLocIDPersists(t *testing.T) {
	p, q, _, sink, _ := newTestParser(t)
	q.Push(queue.Item{Line: "#locid:room-7!", ClientIP: "10.0.0.9"})
	p.drainOnce()

	loc, ok := p.loc.Get("10.0.0.9")
	if !ok || loc != "room-7" {
		t.Fatalf("expected loc resolver updated, got %q ok=%v", loc, ok)
	}
	if len(sink.pkts) != 1 {
		t.Fatalf("expected 1 ingested packet, got %d", len(sink.pkts))
	}
}

func TestHandleFrameRequestsEepromWhenUncalibrated(t *testing.T) {
	p, q, disp, _, agg := newTestParser(t)
	hex := strings.Repeat("012c", 768)
	q.Push(queue.Item{Line: "#frameroom-1:" + hex + "!", ClientIP: "10.0.0.2"})
	p.drainOnce()

	disp.mu.Lock()
	calls := append([]string{}, disp.calls...)
	disp.mu.Unlock()
	found := false
	for _, c := range calls {
		if c == "10.0.0.2:EEPROM1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an EEPROM1 dispatch, got %v", calls)
	}
	if len(agg.Locations()) != 0 {
		t.Fatalf("uncalibrated frame must not reach the aggregator, got %v", agg.Locations())
	}
}

func TestUncalibratedFrameFusesWhenExplicitlyPermitted(t *testing.T) {
	p, q, _, _, agg := newTestParser(t)
	p.fd.AllowUncalibrated = true
	hex := strings.Repeat("012c", 768)
	q.Push(queue.Item{Line: "#frameroom-1:" + hex + "!", ClientIP: "10.0.0.2"})
	p.drainOnce()

	if len(agg.Locations()) != 1 {
		t.Fatalf("expected aggregator to observe the permitted zero-offset frame")
	}
}

func TestHandleFrameSkipsEepromRequestWhenEmbeddedValid(t *testing.T) {
	p, q, disp, _, agg := newTestParser(t)
	gridHex := strings.Repeat("012c", 768)
	embedded := "ffb0" + strings.Repeat("0001", 65) // first word -> -0.80C offset, 65 more nonzero words
	q.Push(queue.Item{Line: "#frameroom-9:" + gridHex + embedded + "!", ClientIP: "10.0.0.8"})
	p.drainOnce()

	disp.mu.Lock()
	calls := append([]string{}, disp.calls...)
	disp.mu.Unlock()
	for _, c := range calls {
		if c == "10.0.0.8:EEPROM1" {
			t.Fatalf("did not expect an EEPROM1 dispatch when embedded calibration was valid, got %v", calls)
		}
	}
	if got := p.fd.Calib.Offset(); got < -0.81 || got > -0.79 {
		t.Fatalf("expected offset near -0.80, got %v", got)
	}
	if len(agg.Locations()) != 1 {
		t.Fatalf("expected aggregator to observe frame for one location")
	}
}

func TestHandleLineDecodeErrorIsDropped(t *testing.T) {
	p, q, _, sink, _ := newTestParser(t)
	q.Push(queue.Item{Line: "not a valid wire line", ClientIP: "10.0.0.3"})
	p.drainOnce()
	if len(sink.pkts) != 0 {
		t.Fatalf("expected no ingested packets for malformed line, got %d", len(sink.pkts))
	}
}

func TestResolveLocFallsBackToClientIP(t *testing.T) {
	p, q, _, sink, _ := newTestParser(t)
	q.Push(queue.Item{Line: "#serialno:SN-1!", ClientIP: "10.0.0.4"})
	p.drainOnce()
	if len(sink.pkts) != 1 || sink.pkts[0].ClientIP != "10.0.0.4" {
		t.Fatalf("unexpected sink state: %+v", sink.pkts)
	}
}
