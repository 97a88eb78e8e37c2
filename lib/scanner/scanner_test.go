// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mediamover/mediamover/lib/config"
	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/model"
)

func testSetup(t *testing.T) (*Scanner, *model.Model, string) {
	t.Helper()
	srcDir := t.TempDir()
	cfg := config.New()
	cfg.Options.SourceDirectory = srcDir
	cfg.Options.DestinationDirectory = t.TempDir()
	cfg.Options.FileStableTimeS = 0 // stable on the next scan
	cfg.Options.GrowingFileMinSizeMiB = 1

	m, err := model.NewModel(cfg, files.NewRepository(), events.NewLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg.Options, m), m, srcDir
}

func mustStatus(t *testing.T, m *model.Model, path string, want files.Status) files.Record {
	t.Helper()
	rec, ok := m.Repository().ActiveByPath(path)
	if !ok {
		recs := m.Repository().RecordsForPath(path)
		if len(recs) == 0 {
			t.Fatalf("no record for %s", path)
		}
		rec = recs[len(recs)-1]
	}
	if rec.Status != want {
		t.Fatalf("%s: status %v, expected %v", path, rec.Status, want)
	}
	return rec
}

func TestScanDiscoverAndReady(t *testing.T) {
	s, m, srcDir := testSetup(t)
	path := filepath.Join(srcDir, "a.mxf")
	if err := os.WriteFile(path, make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}

	// First scan discovers and starts the stability clock; the second
	// promotes the unchanged file to ready.
	s.ScanOnce()
	mustStatus(t, m, path, files.Discovered)
	s.ScanOnce()
	mustStatus(t, m, path, files.Ready)
}

func TestScanIgnoresArtifacts(t *testing.T) {
	s, m, srcDir := testSetup(t)
	for _, name := range []string{".storage_test_abc.tmp", "partial.mxf.tmp", ".hidden"} {
		if err := os.WriteFile(filepath.Join(srcDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s.ScanOnce()
	if n := m.Repository().Count(); n != 0 {
		t.Errorf("expected no records for artifacts, got %d", n)
	}
}

func TestScanGrowingFile(t *testing.T) {
	s, m, srcDir := testSetup(t)
	path := filepath.Join(srcDir, "g.mxf")
	if err := os.WriteFile(path, make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}

	s.ScanOnce()
	mustStatus(t, m, path, files.Discovered)

	// Still below the minimum growing size: tracked as growing.
	if err := os.WriteFile(path, make([]byte, 2000), 0o644); err != nil {
		t.Fatal(err)
	}
	s.ScanOnce()
	rec := mustStatus(t, m, path, files.Growing)
	if rec.Size != 2000 || rec.PreviousSize != 1000 {
		t.Errorf("growth bookkeeping: size=%d previous=%d", rec.Size, rec.PreviousSize)
	}

	// Crossing the minimum size makes it eligible for a growing copy.
	if err := os.WriteFile(path, make([]byte, 2<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	s.ScanOnce()
	mustStatus(t, m, path, files.ReadyToStartGrowing)
}

func TestScanGrowthStops(t *testing.T) {
	s, m, srcDir := testSetup(t)
	path := filepath.Join(srcDir, "g.mxf")
	if err := os.WriteFile(path, make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}

	s.ScanOnce()
	if err := os.WriteFile(path, make([]byte, 2000), 0o644); err != nil {
		t.Fatal(err)
	}
	s.ScanOnce()
	mustStatus(t, m, path, files.Growing)

	// No further growth: the stability clock runs, then the file moves on
	// through the growing-copy path.
	s.ScanOnce()
	s.ScanOnce()
	mustStatus(t, m, path, files.ReadyToStartGrowing)
}

func TestScanCleanupMissing(t *testing.T) {
	s, m, srcDir := testSetup(t)
	path := filepath.Join(srcDir, "a.mxf")
	if err := os.WriteFile(path, make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}

	s.ScanOnce()
	rec := mustStatus(t, m, path, files.Discovered)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	s.ScanOnce()

	got, err := m.Repository().Get(rec.Identity)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != files.Removed {
		t.Errorf("vanished file status %v, expected Removed", got.Status)
	}
}
