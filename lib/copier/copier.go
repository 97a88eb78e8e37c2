// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package copier implements the copy engine: streaming a source file to a
// destination while the source may still be growing, with adaptive
// throttling, bounded I/O and fail-fast network error detection.
package copier

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mediamover/mediamover/lib/files"
)

// TempSuffix is appended to the destination name while a temporary-file
// copy is in flight.
const TempSuffix = ".tmp"

const (
	sourceDeleteAttempts   = 3
	sourceDeleteRetryPause = 2 * time.Second
	progressInterval       = time.Second
	growthClassifyBytes    = 1 << 20
)

type Config struct {
	ChunkSize      int64
	SafetyMargin   int64
	PollInterval   time.Duration
	ThrottlePause  time.Duration
	GrowthTimeout  time.Duration
	MinGrowingSize int64
	IOTimeout      time.Duration
	UseTempFile    bool
	GrowingSupport bool
}

// A Reporter receives callbacks from in-flight copies. Progress callbacks
// arrive at most once per second per file; GrowthFinished is called once
// when a growing copy detects that the source has stopped growing.
type Reporter interface {
	CopyProgress(id files.Identity, status files.Status, bytesCopied, totalBytes int64, speed float64)
	GrowthFinished(id files.Identity) error
}

// Result describes a completed copy. DeleteFailed is set when the copy
// itself succeeded but the source could not be removed.
type Result struct {
	BytesCopied  int64
	DeleteFailed bool
	DeleteError  error
}

type Engine struct {
	fs       Filesystem
	cfg      Config
	limiter  *Limiter
	reporter Reporter
}

func NewEngine(fs Filesystem, cfg Config, limiter *Limiter, reporter Reporter) *Engine {
	return &Engine{
		fs:       fs,
		cfg:      cfg,
		limiter:  limiter,
		reporter: reporter,
	}
}

// IsGrowing classifies the source as growing or static, given the record
// and the currently observed size.
func (e *Engine) IsGrowing(rec files.Record, curSize int64) bool {
	if !e.cfg.GrowingSupport {
		return false
	}
	switch rec.Status {
	case files.Growing, files.ReadyToStartGrowing, files.GrowingCopy:
		return true
	}
	if rec.GrowthRate > 0 {
		return true
	}
	threshold := rec.FirstSeenSize / 10
	if threshold < growthClassifyBytes {
		threshold = growthClassifyBytes
	}
	return rec.FirstSeenSize > 0 && curSize-rec.FirstSeenSize > threshold
}

// Copy streams the record's source file to dstPath. It blocks until the
// copy has completed, failed, or the source has been fully drained after it
// stopped growing. The returned error is already classified: a
// *NetworkError for connectivity loss, ErrSourceVanished when the source
// disappeared, an *IntegrityError for a size mismatch (destination already
// deleted), or the underlying error otherwise.
func (e *Engine) Copy(ctx context.Context, rec files.Record, dstPath string) (Result, error) {
	srcPath := rec.Path

	info, err := e.timedStat(srcPath, true)
	if err != nil {
		return Result{}, err
	}
	curSize := info.Size()

	growing := e.IsGrowing(rec, curSize)
	margin := e.cfg.SafetyMargin
	pause := e.cfg.ThrottlePause
	finished := !growing
	if !growing {
		margin = 0
		pause = 0
	}

	status := files.Copying
	if growing {
		status = files.GrowingCopy
	}

	l.Debugf("copy %s -> %s (size=%d growing=%v)", srcPath, dstPath, curSize, growing)

	// Growing files below the minimum size: wait until the recorder has
	// produced enough data that copying alongside it is worthwhile. A file
	// that stops growing during the wait proceeds as it is.
	waitedStill := time.Duration(0)
	for growing && curSize < e.cfg.MinGrowingSize && waitedStill < e.cfg.GrowthTimeout {
		if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
			return Result{}, err
		}
		if info, err = e.timedStat(srcPath, true); err != nil {
			return Result{}, err
		}
		if info.Size() == curSize {
			waitedStill += e.cfg.PollInterval
		} else {
			waitedStill = 0
		}
		curSize = info.Size()
	}

	dstDir := filepath.Dir(dstPath)
	if err := e.timed("mkdir", dstDir, false, func() error {
		return e.fs.MkdirAll(dstDir, 0o755)
	}); err != nil {
		return Result{}, err
	}

	writePath := dstPath
	if e.cfg.UseTempFile {
		writePath = dstPath + TempSuffix
	}

	var src File
	if err := e.timed("open", srcPath, true, func() (err error) {
		src, err = e.fs.Open(srcPath)
		return
	}); err != nil {
		return Result{}, err
	}
	defer src.Close()

	var dst File
	if err := e.timed("create", writePath, false, func() (err error) {
		dst, err = e.fs.Create(writePath)
		return
	}); err != nil {
		return Result{}, err
	}

	// On any failure from here on the partial destination is removed; a
	// restarted copy begins from scratch.
	abort := func() {
		dst.Close()
		if rerr := e.fs.Remove(writePath); rerr != nil && !os.IsNotExist(rerr) {
			l.Debugln("removing partial destination:", rerr)
		}
	}

	var bytesCopied int64
	copyStart := time.Now()
	var lastReport time.Time
	buf := make([]byte, e.cfg.ChunkSize)

	noGrowthCycles := 0
	maxNoGrowthCycles := 1
	if e.cfg.PollInterval > 0 {
		if n := int(e.cfg.GrowthTimeout / e.cfg.PollInterval); n > maxNoGrowthCycles {
			maxNoGrowthCycles = n
		}
	}

	report := func(speed float64, force bool) {
		if !force && time.Since(lastReport) < progressInterval {
			return
		}
		e.reporter.CopyProgress(rec.Identity, status, bytesCopied, curSize, speed)
		lastReport = time.Now()
	}

	for {
		if !finished {
			info, err := e.timedStat(srcPath, true)
			if err != nil {
				abort()
				return Result{BytesCopied: bytesCopied}, err
			}
			if info.Size() != curSize {
				curSize = info.Size()
				noGrowthCycles = 0
			} else {
				noGrowthCycles++
				if noGrowthCycles >= maxNoGrowthCycles {
					finished = true
					l.Debugln("source stopped growing:", srcPath)
					if status == files.GrowingCopy {
						status = files.Copying
						if err := e.reporter.GrowthFinished(rec.Identity); err != nil {
							l.Warnf("Marking %s as done growing: %v", srcPath, err)
						}
					}
				}
			}
		}

		safeCopyTo := curSize
		if !finished {
			safeCopyTo = curSize - margin
			if safeCopyTo < 0 {
				safeCopyTo = 0
			}
		}

		if safeCopyTo > bytesCopied {
			for bytesCopied < safeCopyTo {
				n := safeCopyTo - bytesCopied
				if n > e.cfg.ChunkSize {
					n = e.cfg.ChunkSize
				}
				chunk := buf[:n]

				if err := e.limiter.Wait(ctx, int(n)); err != nil {
					abort()
					return Result{BytesCopied: bytesCopied}, err
				}
				if err := e.timed("read", srcPath, true, func() error {
					_, err := io.ReadFull(src, chunk)
					return err
				}); err != nil {
					abort()
					return Result{BytesCopied: bytesCopied}, err
				}
				if err := e.timed("write", writePath, false, func() error {
					_, err := dst.Write(chunk)
					return err
				}); err != nil {
					abort()
					return Result{BytesCopied: bytesCopied}, err
				}
				bytesCopied += n

				var speed float64
				if elapsed := time.Since(copyStart).Seconds(); elapsed > 0 {
					speed = float64(bytesCopied) / elapsed
				}
				report(speed, false)

				// Close to the write head we pace ourselves; with a
				// comfortable gap we copy at full speed.
				if pause > 0 && curSize-bytesCopied <= 2*margin {
					if err := sleepCtx(ctx, pause); err != nil {
						abort()
						return Result{BytesCopied: bytesCopied}, err
					}
				}
			}
		} else if !finished {
			report(0, true)
			if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
				abort()
				return Result{BytesCopied: bytesCopied}, err
			}
		}

		if finished && bytesCopied >= curSize {
			break
		}
	}

	if err := e.timed("close", writePath, false, func() error {
		if err := dst.Sync(); err != nil {
			dst.Close()
			return err
		}
		return dst.Close()
	}); err != nil {
		if rerr := e.fs.Remove(writePath); rerr != nil && !os.IsNotExist(rerr) {
			l.Debugln("removing partial destination:", rerr)
		}
		return Result{BytesCopied: bytesCopied}, err
	}

	// Verify by size; byte-size equality is the integrity check.
	srcInfo, err := e.timedStat(srcPath, true)
	if err != nil {
		e.fs.Remove(writePath)
		return Result{BytesCopied: bytesCopied}, err
	}
	dstInfo, err := e.timedStat(writePath, false)
	if err != nil {
		e.fs.Remove(writePath)
		return Result{BytesCopied: bytesCopied}, err
	}
	if srcInfo.Size() != dstInfo.Size() {
		e.fs.Remove(writePath)
		return Result{BytesCopied: bytesCopied}, &IntegrityError{
			Path:            srcPath,
			SourceSize:      srcInfo.Size(),
			DestinationSize: dstInfo.Size(),
		}
	}

	if e.cfg.UseTempFile {
		if err := e.timed("rename", writePath, false, func() error {
			return e.fs.Rename(writePath, dstPath)
		}); err != nil {
			e.fs.Remove(writePath)
			return Result{BytesCopied: bytesCopied}, err
		}
	}

	res := Result{BytesCopied: bytesCopied}

	// The copy is good; remove the source. A failure here is not a failed
	// transfer, just a leftover to report.
	var delErr error
	for attempt := 0; attempt < sourceDeleteAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, sourceDeleteRetryPause); err != nil {
				break
			}
		}
		delErr = e.fs.Remove(srcPath)
		if delErr == nil || os.IsNotExist(delErr) {
			delErr = nil
			break
		}
		l.Debugf("deleting source %s (attempt %d): %v", srcPath, attempt+1, delErr)
	}
	if delErr != nil {
		res.DeleteFailed = true
		res.DeleteError = delErr
	}

	return res, nil
}

func (e *Engine) timedStat(name string, srcOp bool) (os.FileInfo, error) {
	var info os.FileInfo
	err := e.timed("stat", name, srcOp, func() (err error) {
		info, err = e.fs.Stat(name)
		return
	})
	return info, err
}

// timed runs a single filesystem operation bounded by the configured I/O
// timeout, and classifies any resulting error. On timeout the operation
// goroutine is abandoned; it finishes or errors on its own when the volume
// comes back.
func (e *Engine) timed(op, path string, srcOp bool, fn func() error) error {
	if e.cfg.IOTimeout <= 0 {
		return classify(op, path, srcOp, fn())
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	timer := time.NewTimer(e.cfg.IOTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return classify(op, path, srcOp, err)
	case <-timer.C:
		return classify(op, path, srcOp, ErrTimeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
