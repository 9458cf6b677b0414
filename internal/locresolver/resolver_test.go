/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package locresolver

import (
	"path/filepath"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := New(filepath.Join(dir, "locations.db"), filepath.Join(dir, "locations.json"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	if err := r.Set("10.0.0.5", "room-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loc, ok := r.Get("10.0.0.5")
	if !ok || loc != "room-1" {
		t.Fatalf("expected room-1, got %q ok=%v", loc, ok)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	r, err := New(filepath.Join(dir, "locations.db"), filepath.Join(dir, "locations.json"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	if _, ok := r.Get("192.168.1.1"); ok {
		t.Fatal("expected miss for unassigned ip")
	}
}

func TestClearRemovesMapping(t *testing.T) {
	dir := t.TempDir()
	r, err := New(filepath.Join(dir, "locations.db"), filepath.Join(dir, "locations.json"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	r.Set("10.0.0.9", "room-9")
	r.Clear("10.0.0.9")
	if _, ok := r.Get("10.0.0.9"); ok {
		t.Fatal("expected mapping to be cleared")
	}
}

func TestExportImportCSV(t *testing.T) {
	dir := t.TempDir()
	r, err := New(filepath.Join(dir, "a.db"), filepath.Join(dir, "a.json"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()
	r.Set("10.0.0.1", "room-a")
	r.Set("10.0.0.2", "room-b")

	csvPath := filepath.Join(dir, "map.csv")
	if err := r.ExportCSV(csvPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r2, err := New(filepath.Join(dir, "b.db"), filepath.Join(dir, "b.json"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r2.Close()
	if err := r2.ImportCSV(csvPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc, ok := r2.Get("10.0.0.1"); !ok || loc != "room-a" {
		t.Fatalf("expected room-a after csv import, got %q ok=%v", loc, ok)
	}
}
