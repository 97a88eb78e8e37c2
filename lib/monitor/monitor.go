// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package monitor implements the storage monitor: periodic health and free
// space checks of the source and destination volumes, driving
// network-availability transitions for waiting files.
package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/mediamover/mediamover/lib/config"
	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/rand"
	"github.com/mediamover/mediamover/lib/sync"
)

type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusCritical
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Available reports whether a volume in this status can accept new copies.
func (s Status) Available() bool {
	return s == StatusOK || s == StatusWarning
}

// VolumeHealth is the result of one check of one volume.
type VolumeHealth struct {
	Path        string    `json:"path"`
	Status      Status    `json:"status"`
	FreeBytes   int64     `json:"free_bytes"`
	TotalBytes  int64     `json:"total_bytes"`
	UsedBytes   int64     `json:"used_bytes"`
	WriteAccess bool      `json:"write_access"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

type Snapshot struct {
	Source      VolumeHealth `json:"source"`
	Destination VolumeHealth `json:"destination"`
}

const (
	probePrefix = ".storage_test_"
	probeSuffix = ".tmp"
	probeToken  = 8
)

// Service periodically checks both volumes, publishes StorageUpdate events
// on status changes, and invokes the recovery callback when the
// destination comes back.
type Service struct {
	opts        config.OptionsConfiguration
	evLogger    *events.Logger
	onRecovered func()

	// usage is swappable for testing.
	usage func(path string) (*disk.UsageStat, error)

	mut     sync.Mutex
	current Snapshot
	checked bool
}

func New(opts config.OptionsConfiguration, evLogger *events.Logger, onRecovered func()) *Service {
	return &Service{
		opts:        opts,
		evLogger:    evLogger,
		onRecovered: onRecovered,
		usage:       disk.Usage,
		mut:         sync.NewMutex(),
	}
}

func (s *Service) String() string {
	return "monitor.Service"
}

func (s *Service) Serve(ctx context.Context) error {
	// A probe file left by a crash mid-check would sit on the network
	// volume forever; sweep before the first check.
	s.sweepProbes(s.opts.SourceDirectory)
	s.sweepProbes(s.opts.DestinationDirectory)

	s.evLogger.Log(events.MountStatus, map[string]interface{}{
		"operation": "mount",
		"status":    "NOT_CONFIGURED",
	})

	s.check()

	ticker := time.NewTicker(s.opts.StorageCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.check()
		}
	}
}

// Snapshot returns the result of the most recent check.
func (s *Service) Snapshot() Snapshot {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.current
}

// DestinationAvailable reports whether the destination accepted the last
// probe. Before the first check completes the destination counts as
// unavailable.
func (s *Service) DestinationAvailable() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.checked && s.current.Destination.Status.Available()
}

func (s *Service) check() {
	source := s.checkVolume(s.opts.SourceDirectory,
		int64(s.opts.SourceWarningThresholdGiB*(1<<30)),
		int64(s.opts.SourceCriticalThresholdGiB*(1<<30)))
	dest := s.checkVolume(s.opts.DestinationDirectory,
		int64(s.opts.DestinationWarningThresholdGiB*(1<<30)),
		int64(s.opts.DestinationCriticalThresholdGiB*(1<<30)))

	s.mut.Lock()
	prev := s.current
	hadChecked := s.checked
	s.current = Snapshot{Source: source, Destination: dest}
	s.checked = true
	s.mut.Unlock()

	if !hadChecked || prev.Source.Status != source.Status {
		s.publishUpdate("source", source)
	}
	if !hadChecked || prev.Destination.Status != dest.Status {
		s.publishUpdate("destination", dest)
	}

	// Destination going from inaccessible or read-only back to usable is
	// the recovery edge: files parked in waiting-for-network become
	// eligible again.
	if hadChecked && !prev.Destination.Status.Available() && dest.Status.Available() {
		l.Infof("Destination %s recovered (%v -> %v)", dest.Path, prev.Destination.Status, dest.Status)
		if s.onRecovered != nil {
			s.onRecovered()
		}
	}
}

func (s *Service) checkVolume(path string, warnBytes, critBytes int64) VolumeHealth {
	health := VolumeHealth{
		Path:      path,
		CheckedAt: time.Now(),
	}

	if _, err := os.Stat(path); err != nil {
		health.Status = StatusError
		health.Error = err.Error()
		return health
	}

	s.sweepProbes(path)

	if err := s.probe(path); err != nil {
		health.Error = err.Error()
		if isReadOnly(err) {
			health.Status = StatusCritical
		} else {
			health.Status = StatusError
		}
		return health
	}
	health.WriteAccess = true

	u, err := s.usage(path)
	if err != nil {
		health.Status = StatusError
		health.Error = err.Error()
		return health
	}
	health.FreeBytes = int64(u.Free)
	health.TotalBytes = int64(u.Total)
	health.UsedBytes = int64(u.Used)

	switch {
	case health.FreeBytes < critBytes:
		health.Status = StatusCritical
	case health.FreeBytes < warnBytes:
		health.Status = StatusWarning
	default:
		health.Status = StatusOK
	}
	return health
}

// probe verifies write access by creating and removing a uniquely named
// zero byte file.
func (s *Service) probe(dir string) error {
	name := filepath.Join(dir, probePrefix+rand.String(probeToken)+probeSuffix)
	fd, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := fd.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

// sweepProbes removes leftover probe files.
func (s *Service) sweepProbes(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, probePrefix) && strings.HasSuffix(name, probeSuffix) {
			if err := os.Remove(filepath.Join(dir, name)); err == nil {
				l.Debugln("removed stale probe file", name)
			}
		}
	}
}

func (s *Service) publishUpdate(volume string, health VolumeHealth) {
	l.Infof("Storage %s (%s): %v, %d MB free", volume, health.Path, health.Status, health.FreeBytes>>20)
	s.evLogger.Log(events.StorageUpdate, map[string]interface{}{
		"volume": volume,
		"health": health,
	})
}

func isReadOnly(err error) bool {
	return errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "read-only file system")
}
