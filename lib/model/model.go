// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package model ties the file lifecycle together: the state machine, the
// job queue, the worker pool, the space retry scheduler and the event
// handlers that connect them.
package model

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/mediamover/mediamover/lib/config"
	"github.com/mediamover/mediamover/lib/copier"
	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/svcutil"
	"github.com/mediamover/mediamover/lib/templates"
)

const terminalSweepInterval = time.Hour

// Model is the root of the transfer pipeline. It is a suture service tree
// containing the event dispatcher, the worker pool and the terminal record
// sweeper, and it is the scanner's entry point into the system.
type Model struct {
	*suture.Supervisor

	cfg         config.Configuration
	repo        *files.Repository
	sm          *StateMachine
	queue       *JobQueue
	evLogger    *events.Logger
	scheduler   *SpaceRetryScheduler
	engine      *copier.Engine
	checker     *copier.SpaceChecker
	pool        *JobWorkerPool
	destChecker DestinationChecker
}

// NewModel constructs the dependency graph. The destination checker may be
// nil, in which case the destination is assumed reachable.
func NewModel(cfg config.Configuration, repo *files.Repository, evLogger *events.Logger, destChecker DestinationChecker) (*Model, error) {
	opts := cfg.Options

	resolver, err := templates.NewResolver(cfg.Rules, opts.DefaultCategory, opts.DateExpression)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Supervisor:  suture.New("model", svcutil.SpecWithDebugLogger(l)),
		cfg:         cfg,
		repo:        repo,
		evLogger:    evLogger,
		destChecker: destChecker,
	}

	m.sm = NewStateMachine(repo, evLogger)
	m.queue = NewJobQueue(opts.QueueSize)
	m.scheduler = NewSpaceRetryScheduler(m.sm, opts.SpaceRetryDelay(), opts.MaxSpaceRetries)
	m.checker = copier.NewSpaceChecker(opts.SafetyMargin())

	var limiter *copier.Limiter
	if opts.MaxCopyRateKiBps > 0 {
		limiter = copier.NewLimiter(opts.MaxCopyRateKiBps)
	}
	m.engine = copier.NewEngine(copier.DefaultFilesystem, copier.Config{
		ChunkSize:      opts.ChunkSize(),
		SafetyMargin:   opts.SafetyMargin(),
		PollInterval:   opts.PollInterval(),
		ThrottlePause:  opts.ThrottlePause(),
		GrowthTimeout:  opts.GrowthTimeout(),
		MinGrowingSize: opts.GrowingFileMinSize(),
		IOTimeout:      opts.IOTimeout(),
		UseTempFile:    opts.UseTemporaryFile,
		GrowingSupport: opts.EnableGrowingFileSupport,
	}, limiter, m)

	m.pool = NewJobWorkerPool(m.sm, m.queue, m.engine, m.checker, m.scheduler, resolver, evLogger,
		opts.DestinationDirectory, opts.MaxConcurrentCopies, opts.EnablePreCopySpaceCheck)

	m.registerHandlers()

	m.Add(m.sm.EventDispatcher())
	m.Add(m.pool)
	m.Add(svcutil.AsService(m.sweepLoop, m.String()+"/sweeper"))
	svcutil.OnSupervisorDone(m.Supervisor, m.shutdown)

	return m, nil
}

func (m *Model) String() string {
	return "model.Model"
}

func (m *Model) shutdown() {
	m.scheduler.CancelAll()
	m.queue.Close()
}

// StateMachine exposes the transition authority, for the scanner.
func (m *Model) StateMachine() *StateMachine {
	return m.sm
}

// Transition is a convenience passthrough to the state machine.
func (m *Model) Transition(id files.Identity, to files.Status, updates Updates) (files.Record, error) {
	return m.sm.Transition(id, to, updates)
}

// Repository exposes the record store, for the API surface.
func (m *Model) Repository() *files.Repository {
	return m.repo
}

// AddFile registers a path observed by the scanner. It is idempotent: while
// a non-terminal record exists for the path, that record is returned. A path
// whose records are all terminal gets a fresh record; history is preserved
// under the old identities.
func (m *Model) AddFile(path string, size int64, mtime time.Time) (files.Record, error) {
	if rec, ok := m.repo.ActiveByPath(path); ok {
		return rec, nil
	}

	rec := files.NewRecord(path, size, mtime)
	if err := m.repo.Add(rec); err != nil {
		return files.Record{}, err
	}
	l.Debugf("discovered %s (%d bytes) as %s", path, size, rec.Identity)
	m.evLogger.Log(events.FileDiscovered, map[string]interface{}{
		"identity": rec.Identity,
		"path":     path,
		"size":     size,
	})
	return rec, nil
}

// CleanupMissing transitions to Removed every record whose path is not in
// the given set, unless the record is terminal or a copy is in flight for
// it. It returns the number of records removed.
func (m *Model) CleanupMissing(existing map[string]struct{}) int {
	var removed int
	for _, rec := range m.repo.All() {
		if rec.Status.IsTerminal() || rec.Status.IsActiveCopy() {
			continue
		}
		if _, ok := existing[rec.Path]; ok {
			continue
		}
		m.scheduler.Cancel(rec.Identity)
		if _, err := m.sm.Transition(rec.Identity, files.Removed, Updates{}); err != nil {
			l.Warnf("Removing vanished %s: %v", rec.Path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		l.Infof("Removed %d records for vanished source files", removed)
	}
	return removed
}

// ProcessWaitingNetworkFiles returns every file parked for network loss to
// Discovered, for re-evaluation by the scanner. Called by the storage
// monitor on destination recovery.
func (m *Model) ProcessWaitingNetworkFiles() int {
	recs := m.repo.AllWithStatus(files.WaitingForNetwork)
	var n int
	for _, rec := range recs {
		if _, err := m.sm.Transition(rec.Identity, files.Discovered, Updates{}); err != nil {
			l.Warnf("Recovering %s after network outage: %v", rec.Path, err)
			continue
		}
		n++
	}
	if n > 0 {
		l.Infof("Re-evaluating %d files after destination recovery", n)
	}
	return n
}

// Statistics is the aggregate view for the API surface.
type Statistics struct {
	TotalFiles     int            `json:"total_files"`
	QueueLength    int            `json:"queue_length"`
	ByStatus       map[string]int `json:"by_status"`
	PendingRetries int            `json:"pending_retries"`
}

func (m *Model) Statistics() Statistics {
	counts := m.repo.CountsByStatus()
	byStatus := make(map[string]int, len(counts))
	total := 0
	for status, n := range counts {
		byStatus[status.String()] = n
		total += n
	}
	return Statistics{
		TotalFiles:     total,
		QueueLength:    m.queue.Len(),
		ByStatus:       byStatus,
		PendingRetries: m.scheduler.Pending(),
	}
}

// CopyProgress implements the copy engine's reporter. Progress is written
// through a same-status transition, which updates the record without
// emitting a status change, then published as its own event.
func (m *Model) CopyProgress(id files.Identity, status files.Status, bytesCopied, totalBytes int64, speed float64) {
	_, err := m.sm.Transition(id, status, Updates{
		Progress: &files.Progress{
			BytesCopied: bytesCopied,
			TotalBytes:  totalBytes,
			CopySpeed:   speed,
		},
	})
	if err != nil {
		l.Debugf("progress update for %s: %v", id, err)
		return
	}
	m.evLogger.Log(events.FileCopyProgress, map[string]interface{}{
		"identity":     id,
		"bytes_copied": bytesCopied,
		"total_bytes":  totalBytes,
		"speed":        speed,
	})
}

// GrowthFinished implements the copy engine's reporter: the source stopped
// growing, so the copy continues as a static one.
func (m *Model) GrowthFinished(id files.Identity) error {
	_, err := m.sm.Transition(id, files.Copying, Updates{})
	return err
}

// sweepLoop periodically drops terminal records older than the retention
// period, so the repository does not grow without bound.
func (m *Model) sweepLoop(ctx context.Context) error {
	keep := m.cfg.Options.KeepCompletedFiles()
	ticker := time.NewTicker(terminalSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.repo.SweepTerminal(keep, time.Now()); n > 0 {
				l.Infof("Swept %d old terminal records", n)
			}
		}
	}
}
