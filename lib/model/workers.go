// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mediamover/mediamover/lib/copier"
	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/sync"
	"github.com/mediamover/mediamover/lib/templates"
)

const (
	dequeueTimeout = time.Second

	// maxConflictSuffix bounds the _1, _2, ... sequence tried when the
	// destination name is taken.
	maxConflictSuffix = 9999
)

var errTooManyConflicts = errors.New("too many destination name conflicts")

// JobWorkerPool drains the job queue with a fixed number of concurrent
// workers, each running the full copy workflow for one file at a time.
type JobWorkerPool struct {
	sm        *StateMachine
	queue     *JobQueue
	engine    *copier.Engine
	checker   *copier.SpaceChecker
	scheduler *SpaceRetryScheduler
	resolver  *templates.Resolver
	evLogger  *events.Logger
	destRoot  string
	workers   int
	preCheck  bool
}

func NewJobWorkerPool(sm *StateMachine, queue *JobQueue, engine *copier.Engine, checker *copier.SpaceChecker, scheduler *SpaceRetryScheduler, resolver *templates.Resolver, evLogger *events.Logger, destRoot string, workers int, preCheck bool) *JobWorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &JobWorkerPool{
		sm:        sm,
		queue:     queue,
		engine:    engine,
		checker:   checker,
		scheduler: scheduler,
		resolver:  resolver,
		evLogger:  evLogger,
		destRoot:  destRoot,
		workers:   workers,
		preCheck:  preCheck,
	}
}

func (p *JobWorkerPool) String() string {
	return fmt.Sprintf("model.JobWorkerPool@%p", p)
}

func (p *JobWorkerPool) Serve(ctx context.Context) error {
	l.Infof("Starting %d copy workers", p.workers)
	wg := sync.NewWaitGroup()
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.workerLoop(ctx, n)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *JobWorkerPool) workerLoop(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok := p.queue.Dequeue(dequeueTimeout)
		if !ok {
			continue
		}
		l.Debugf("worker %d: processing %s (%s)", n, job.FileIdentity, job.Path)
		p.ProcessJob(ctx, job)
	}
}

// ProcessJob runs the copy workflow for one dequeued job: space pre-check,
// destination preparation, the copy itself, and finalization through the
// state machine.
func (p *JobWorkerPool) ProcessJob(ctx context.Context, job QueueJob) {
	rec, err := p.sm.repo.Get(job.FileIdentity)
	if err != nil {
		l.Debugln("dropping job for missing record:", job.FileIdentity)
		return
	}
	if rec.Status != files.InQueue {
		// Cancelled or advanced while queued.
		l.Debugf("dropping job for %s in status %v", job.FileIdentity, rec.Status)
		return
	}

	if p.preCheck {
		shortage, free, err := p.checker.Check(p.destRoot, rec.Size)
		if err != nil {
			if p.failForNetwork(rec, err) {
				return
			}
			l.Warnf("Space check for %s: %v; proceeding without it", rec.Path, err)
		} else if shortage > 0 {
			l.Infof("Not enough space for %s: %d free, %d required", rec.Path, free, p.checker.Required(rec.Size))
			if err := p.scheduler.ScheduleRetry(rec, shortage, p.checker.Required(rec.Size)); err != nil {
				l.Warnf("Scheduling space retry for %s: %v", rec.Path, err)
			}
			return
		}
	}

	dstPath, err := p.prepareDestination(rec)
	if err != nil {
		p.finalize(rec, Result{}, err)
		return
	}

	status := files.Copying
	if job.IsGrowingAtEnqueue {
		status = files.GrowingCopy
	}
	rec, err = p.sm.Transition(rec.Identity, status, Updates{
		DestinationPath: str(dstPath),
	})
	if err != nil {
		l.Warnf("Starting copy of %s: %v", rec.Path, err)
		return
	}

	p.evLogger.Log(events.FileCopyStarted, map[string]interface{}{
		"identity":    rec.Identity,
		"path":        rec.Path,
		"destination": dstPath,
		"size":        rec.Size,
	})

	res, err := p.engine.Copy(ctx, rec, dstPath)
	p.finalize(rec, Result{BytesCopied: res.BytesCopied, DeleteFailed: res.DeleteFailed, DeleteError: res.DeleteError}, err)
}

// Result mirrors the copy engine result for finalization.
type Result struct {
	BytesCopied  int64
	DeleteFailed bool
	DeleteError  error
}

// finalize translates the copy outcome into the terminal (or waiting)
// status and the matching event.
func (p *JobWorkerPool) finalize(rec files.Record, res Result, err error) {
	id := rec.Identity

	switch {
	case err == nil && !res.DeleteFailed:
		p.sm.transitionLogged(id, files.Completed, Updates{})
		metricFilesCompleted.Inc()
		metricBytesCopied.Add(float64(res.BytesCopied))
		p.evLogger.Log(events.FileCopyCompleted, map[string]interface{}{
			"identity":     id,
			"path":         rec.Path,
			"bytes_copied": res.BytesCopied,
		})

	case err == nil:
		p.sm.transitionLogged(id, files.CompletedDeleteFailed, Updates{
			ErrorMessage: str(fmt.Sprintf("source delete failed: %v", res.DeleteError)),
		})
		metricFilesCompleted.Inc()
		metricBytesCopied.Add(float64(res.BytesCopied))
		p.evLogger.Log(events.FileCopyCompleted, map[string]interface{}{
			"identity":     id,
			"path":         rec.Path,
			"bytes_copied": res.BytesCopied,
		})

	case errors.Is(err, copier.ErrSourceVanished):
		l.Infof("Source %s vanished during copy", rec.Path)
		p.sm.transitionLogged(id, files.Removed, Updates{
			ErrorMessage: str(err.Error()),
		})

	case errors.Is(err, syscall.ENOSPC):
		// The pre-check passed but the volume filled up during the copy.
		shortage, _, cerr := p.checker.Check(p.destRoot, rec.Size)
		if cerr != nil {
			shortage = p.checker.Required(rec.Size)
		}
		if serr := p.scheduler.ScheduleRetry(rec, shortage, p.checker.Required(rec.Size)); serr != nil {
			l.Warnf("Scheduling space retry for %s: %v", rec.Path, serr)
		}

	case copier.IsNetworkError(err):
		l.Infof("Network failure copying %s: %v", rec.Path, err)
		p.sm.transitionLogged(id, files.WaitingForNetwork, Updates{
			ErrorMessage: str(err.Error()),
		})
		p.evLogger.Log(events.NetworkFailureDetected, map[string]interface{}{
			"identity": id,
			"path":     rec.Path,
			"error":    err.Error(),
		})

	default:
		l.Infof("Copy of %s failed: %v", rec.Path, err)
		p.sm.transitionLogged(id, files.Failed, Updates{
			ErrorMessage: str(err.Error()),
		})
		metricFilesFailed.Inc()
		p.evLogger.Log(events.FileCopyFailed, map[string]interface{}{
			"identity": id,
			"path":     rec.Path,
			"error":    err.Error(),
		})
	}
}

// failForNetwork parks the record in WaitingForNetwork when the error is a
// connectivity failure, and reports whether it did.
func (p *JobWorkerPool) failForNetwork(rec files.Record, err error) bool {
	if !copier.IsNetworkError(err) {
		return false
	}
	l.Infof("Destination unreachable for %s: %v", rec.Path, err)
	p.sm.transitionLogged(rec.Identity, files.WaitingForNetwork, Updates{
		ErrorMessage: str(err.Error()),
	})
	p.evLogger.Log(events.NetworkFailureDetected, map[string]interface{}{
		"identity": rec.Identity,
		"path":     rec.Path,
		"error":    err.Error(),
	})
	return true
}

// prepareDestination resolves the destination subfolder and picks a path
// that does not collide with an existing file, appending _1, _2, ... before
// the extension until a free name is found.
func (p *JobWorkerPool) prepareDestination(rec files.Record) (string, error) {
	folder := p.resolver.Resolve(rec.Path)
	base := filepath.Base(rec.Path)
	dir := filepath.Join(p.destRoot, folder)

	candidate := filepath.Join(dir, base)
	if !exists(candidate) {
		return candidate, nil
	}

	stem, ext := splitExtensions(base)
	for i := 1; i <= maxConflictSuffix; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if !exists(candidate) {
			l.Debugf("destination conflict for %s, using %s", base, filepath.Base(candidate))
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w for %s in %s", errTooManyConflicts, base, dir)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// splitExtensions splits a file name before its full extension sequence, so
// the conflict suffix lands as archive_1.tar.gz rather than archive.tar_1.gz.
func splitExtensions(name string) (stem, ext string) {
	if i := strings.IndexByte(name[1:], '.'); i >= 0 {
		return name[:i+1], name[i+1:]
	}
	return name, ""
}

// transitionLogged is Transition for callers that can do nothing useful
// with the error beyond logging it.
func (m *StateMachine) transitionLogged(id files.Identity, to files.Status, updates Updates) {
	if _, err := m.Transition(id, to, updates); err != nil {
		l.Warnf("Transition of %s to %v: %v", id, to, err)
	}
}
