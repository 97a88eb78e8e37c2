// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package scanner watches the source directory and drives records through
// the discovery side of the lifecycle: new files, growth tracking,
// stability, and removal of vanished sources.
package scanner

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/syncthing/notify"

	"github.com/mediamover/mediamover/lib/config"
	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/model"
)

// Controller is the part of the model the scanner drives.
type Controller interface {
	AddFile(path string, size int64, mtime time.Time) (files.Record, error)
	CleanupMissing(existing map[string]struct{}) int
	Transition(id files.Identity, to files.Status, updates model.Updates) (files.Record, error)
}

const (
	// Probe files and in-flight temporaries are never picked up.
	probePrefix = ".storage_test_"
	tempSuffix  = ".tmp"

	// Filesystem events within this window coalesce into one rescan.
	notifyDelay = 500 * time.Millisecond

	notifyBufferSize = 64
)

type Scanner struct {
	opts     config.OptionsConfiguration
	ctrl     Controller
	lastScan time.Time
}

func New(opts config.OptionsConfiguration, ctrl Controller) *Scanner {
	return &Scanner{
		opts: opts,
		ctrl: ctrl,
	}
}

func (s *Scanner) String() string {
	return "scanner.Scanner"
}

func (s *Scanner) Serve(ctx context.Context) error {
	eventChan := make(chan notify.EventInfo, notifyBufferSize)
	watchRoot := filepath.Join(s.opts.SourceDirectory, "...")
	if err := notify.Watch(watchRoot, eventChan, notify.All); err != nil {
		l.Infof("Filesystem watching unavailable for %s (%v); relying on periodic scans", s.opts.SourceDirectory, err)
		eventChan = nil
	} else {
		defer notify.Stop(eventChan)
	}

	s.ScanOnce()

	ticker := time.NewTicker(s.opts.ScanInterval())
	defer ticker.Stop()

	var rescan *time.Timer
	var rescanChan <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			s.ScanOnce()

		case ev := <-eventChan:
			if ignoredName(filepath.Base(ev.Path())) {
				continue
			}
			l.Debugln("fs event", ev.Event(), ev.Path())
			if rescan == nil {
				rescan = time.NewTimer(notifyDelay)
				rescanChan = rescan.C
			}

		case <-rescanChan:
			rescan = nil
			rescanChan = nil
			s.ScanOnce()
		}
	}
}

// ScanOnce walks the source directory once and reconciles the repository
// with what it finds.
func (s *Scanner) ScanOnce() {
	now := time.Now()
	elapsed := now.Sub(s.lastScan)
	s.lastScan = now

	seen := make(map[string]struct{})

	err := filepath.WalkDir(s.opts.SourceDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.Debugln("walk:", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ignoredName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		seen[path] = struct{}{}
		s.observe(path, info.Size(), info.ModTime(), now, elapsed)
		return nil
	})
	if err != nil {
		l.Warnf("Scanning %s: %v", s.opts.SourceDirectory, err)
		return
	}

	s.ctrl.CleanupMissing(seen)
}

// observe reconciles one file on disk with its record.
func (s *Scanner) observe(path string, size int64, mtime time.Time, now time.Time, elapsed time.Duration) {
	rec, err := s.ctrl.AddFile(path, size, mtime)
	if err != nil {
		l.Warnf("Registering %s: %v", path, err)
		return
	}

	switch rec.Status {
	case files.Discovered:
		s.observeDiscovered(rec, size, mtime, now, elapsed)
	case files.Growing:
		s.observeGrowing(rec, size, mtime, now, elapsed)
	default:
		// Past discovery; the copy pipeline owns it now.
	}
}

func (s *Scanner) observeDiscovered(rec files.Record, size int64, mtime time.Time, now time.Time, elapsed time.Duration) {
	if size != rec.Size {
		if s.opts.EnableGrowingFileSupport {
			l.Debugf("%s is growing (%d -> %d)", rec.Path, rec.Size, size)
			s.transition(rec, files.Growing, growthUpdates(rec, size, mtime, elapsed))
			return
		}
		// Growing support off: keep tracking until the size settles.
		s.transition(rec, files.Discovered, growthUpdates(rec, size, mtime, elapsed))
		return
	}

	if s.stableSince(rec, now) {
		l.Debugf("%s is stable, ready to copy", rec.Path)
		s.transition(rec, files.Ready, model.Updates{})
		return
	}
	s.markStable(rec, now)
}

func (s *Scanner) observeGrowing(rec files.Record, size int64, mtime time.Time, now time.Time, elapsed time.Duration) {
	if size != rec.Size {
		s.transition(rec, files.Growing, growthUpdates(rec, size, mtime, elapsed))
		if size >= s.opts.GrowingFileMinSize() {
			l.Debugf("%s reached %d bytes, starting growing copy", rec.Path, size)
			s.transition(rec, files.ReadyToStartGrowing, model.Updates{})
		}
		return
	}

	// The file stopped growing; once it has been still long enough it can
	// be copied like any other, via the growing path which will classify
	// and drain it.
	if s.stableSince(rec, now) {
		l.Debugf("%s stopped growing at %d bytes", rec.Path, size)
		s.transition(rec, files.ReadyToStartGrowing, model.Updates{})
		return
	}
	s.markStable(rec, now)
}

// stableSince reports whether the record's size has been unchanged for the
// configured stability window.
func (s *Scanner) stableSince(rec files.Record, now time.Time) bool {
	return !rec.GrowthStableSince.IsZero() && now.Sub(rec.GrowthStableSince) >= s.opts.FileStableTime()
}

// markStable starts the stability clock if it is not already running.
func (s *Scanner) markStable(rec files.Record, now time.Time) {
	if !rec.GrowthStableSince.IsZero() {
		return
	}
	s.transition(rec, rec.Status, model.Updates{GrowthStableSince: &now})
}

func growthUpdates(rec files.Record, size int64, mtime time.Time, elapsed time.Duration) model.Updates {
	var rate float64
	if elapsed > 0 {
		rate = float64(size-rec.Size) / elapsed.Seconds()
	}
	var zero time.Time
	return model.Updates{
		Size:              &size,
		MTime:             &mtime,
		PreviousSize:      &rec.Size,
		GrowthRate:        &rate,
		GrowthStableSince: &zero,
	}
}

func (s *Scanner) transition(rec files.Record, to files.Status, updates model.Updates) {
	if _, err := s.ctrl.Transition(rec.Identity, to, updates); err != nil {
		l.Warnf("Transition of %s to %v: %v", rec.Path, to, err)
	}
}

func ignoredName(name string) bool {
	return strings.HasPrefix(name, probePrefix) ||
		strings.HasSuffix(name, tempSuffix) ||
		strings.HasPrefix(name, ".")
}
