// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/mediamover/mediamover/lib/config"
	"github.com/mediamover/mediamover/lib/events"
)

func testOpts(src, dst string) config.OptionsConfiguration {
	cfg := config.New()
	cfg.Options.SourceDirectory = src
	cfg.Options.DestinationDirectory = dst
	return cfg.Options
}

func fixedUsage(free, total uint64) func(string) (*disk.UsageStat, error) {
	return func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: free, Total: total, Used: total - free}, nil
	}
}

func TestCheckClassification(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	opts := testOpts(src, dst)
	opts.DestinationWarningThresholdGiB = 10
	opts.DestinationCriticalThresholdGiB = 2

	s := New(opts, events.NewLogger(), nil)

	s.usage = fixedUsage(20<<30, 100<<30)
	s.check()
	if got := s.Snapshot().Destination.Status; got != StatusOK {
		t.Errorf("expected ok, got %v", got)
	}

	s.usage = fixedUsage(5<<30, 100<<30)
	s.check()
	if got := s.Snapshot().Destination.Status; got != StatusWarning {
		t.Errorf("expected warning, got %v", got)
	}
	if !s.DestinationAvailable() {
		t.Error("warning must still count as available")
	}

	s.usage = fixedUsage(1<<30, 100<<30)
	s.check()
	if got := s.Snapshot().Destination.Status; got != StatusCritical {
		t.Errorf("expected critical, got %v", got)
	}
	if s.DestinationAvailable() {
		t.Error("critical must not count as available")
	}
}

func TestMissingVolumeIsError(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "not-mounted")

	s := New(testOpts(src, dst), events.NewLogger(), nil)
	s.usage = fixedUsage(50<<30, 100<<30)
	s.check()

	snap := s.Snapshot()
	if snap.Destination.Status != StatusError {
		t.Errorf("expected error status, got %v", snap.Destination.Status)
	}
	if snap.Destination.Error == "" {
		t.Error("expected error message")
	}
	if snap.Source.Status != StatusOK {
		t.Errorf("source should be ok, got %v", snap.Source.Status)
	}
}

func TestUsageErrorIsError(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	s := New(testOpts(src, dst), events.NewLogger(), nil)
	s.usage = func(string) (*disk.UsageStat, error) {
		return nil, errors.New("statfs: input/output error")
	}
	s.check()

	if got := s.Snapshot().Destination.Status; got != StatusError {
		t.Errorf("expected error status, got %v", got)
	}
}

func TestRecoveryCallback(t *testing.T) {
	src := t.TempDir()
	base := t.TempDir()
	dst := filepath.Join(base, "mount")

	recovered := 0
	s := New(testOpts(src, dst), events.NewLogger(), func() { recovered++ })
	s.usage = fixedUsage(50<<30, 100<<30)

	// Destination absent: error, no recovery yet.
	s.check()
	if recovered != 0 {
		t.Fatal("recovery fired before the destination came back")
	}

	// Mount appears.
	if err := os.MkdirAll(dst, 0o755); err != nil {
		t.Fatal(err)
	}
	s.check()
	if recovered != 1 {
		t.Fatalf("expected one recovery callback, got %d", recovered)
	}

	// Staying healthy does not fire again.
	s.check()
	if recovered != 1 {
		t.Fatalf("recovery fired again without an outage, got %d", recovered)
	}
}

func TestStorageUpdateEventsOnChange(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	evLogger := events.NewLogger()
	sub := evLogger.Subscribe(events.StorageUpdate)
	defer evLogger.Unsubscribe(sub)

	s := New(testOpts(src, dst), evLogger, nil)
	s.usage = fixedUsage(50<<30, 100<<30)

	// First check publishes both volumes.
	s.check()
	for i := 0; i < 2; i++ {
		if _, err := sub.Poll(events.DefaultEventTimeout); err != nil {
			t.Fatal("expected initial storage update:", err)
		}
	}

	// Unchanged status publishes nothing.
	s.check()
	if ev, err := sub.Poll(10 * time.Millisecond); err == nil {
		t.Errorf("unexpected event for unchanged status: %v", ev)
	}

	// A status change publishes again.
	s.usage = fixedUsage(1<<30, 100<<30)
	s.check()
	ev, err := sub.Poll(events.DefaultEventTimeout)
	if err != nil {
		t.Fatal("expected storage update after change:", err)
	}
	data := ev.Data.(map[string]interface{})
	health := data["health"].(VolumeHealth)
	if health.Status != StatusCritical {
		t.Errorf("expected critical in event, got %v", health.Status)
	}
}

func TestProbeSweep(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, probePrefix+"deadbeef"+probeSuffix)
	if err := os.WriteFile(stale, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(dir, "movie.mxf")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(testOpts(dir, dir), events.NewLogger(), nil)
	s.sweepProbes(dir)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale probe file not removed")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("regular file must not be touched:", err)
	}
}

func TestProbeLeavesNothingBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(testOpts(dir, dir), events.NewLogger(), nil)
	if err := s.probe(dir); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe left %d entries behind", len(entries))
	}
}
