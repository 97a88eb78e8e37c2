// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/mediamover/mediamover/lib/copier"
	"github.com/mediamover/mediamover/lib/files"
)

func TestPrepareDestinationConflicts(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	m, _ := testModel(t, srcDir, dstDir)

	rec := files.NewRecord(filepath.Join(srcDir, "a.mxf"), 100, time.Now())
	miscDir := filepath.Join(dstDir, "misc")
	if err := os.MkdirAll(miscDir, 0o755); err != nil {
		t.Fatal(err)
	}

	path, err := m.pool.prepareDestination(rec)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(miscDir, "a.mxf") {
		t.Errorf("unexpected destination %s", path)
	}

	// Occupy the plain name and the first suffix.
	for _, name := range []string{"a.mxf", "a_1.mxf"} {
		if err := os.WriteFile(filepath.Join(miscDir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	path, err = m.pool.prepareDestination(rec)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(miscDir, "a_2.mxf") {
		t.Errorf("conflict resolution chose %s", path)
	}

	// Multi-extension names keep the whole extension sequence intact.
	rec = files.NewRecord(filepath.Join(srcDir, "archive.tar.gz"), 100, time.Now())
	if err := os.WriteFile(filepath.Join(miscDir, "archive.tar.gz"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	path, err = m.pool.prepareDestination(rec)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(miscDir, "archive_1.tar.gz") {
		t.Errorf("conflict resolution chose %s", path)
	}
}

func TestSplitExtensions(t *testing.T) {
	cases := []struct {
		name, stem, ext string
	}{
		{"a.mxf", "a", ".mxf"},
		{"archive.tar.gz", "archive", ".tar.gz"},
		{"noext", "noext", ""},
		{"trailing.", "trailing", "."},
	}
	for _, tc := range cases {
		stem, ext := splitExtensions(tc.name)
		if stem != tc.stem || ext != tc.ext {
			t.Errorf("splitExtensions(%q) = %q, %q; expected %q, %q", tc.name, stem, ext, tc.stem, tc.ext)
		}
	}
}

func TestPrepareDestinationConflictCap(t *testing.T) {
	if testing.Short() {
		t.Skip("creates 10000 files")
	}
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	m, _ := testModel(t, srcDir, dstDir)

	miscDir := filepath.Join(dstDir, "misc")
	if err := os.MkdirAll(miscDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(miscDir, "a.mxf"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= maxConflictSuffix; i++ {
		if err := os.WriteFile(filepath.Join(miscDir, fmt.Sprintf("a_%d.mxf", i)), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rec := files.NewRecord(filepath.Join(srcDir, "a.mxf"), 100, time.Now())
	if _, err := m.pool.prepareDestination(rec); !errors.Is(err, errTooManyConflicts) {
		t.Fatalf("expected conflict cap error, got %v", err)
	}
}

func TestFinalizeClassification(t *testing.T) {
	m, _ := testModel(t, t.TempDir(), t.TempDir())

	cases := []struct {
		name   string
		result Result
		err    error
		want   files.Status
	}{
		{"success", Result{BytesCopied: 100}, nil, files.Completed},
		{"delete failed", Result{BytesCopied: 100, DeleteFailed: true, DeleteError: errors.New("busy")}, nil, files.CompletedDeleteFailed},
		{"network", Result{}, &copier.NetworkError{Op: "write", Path: "/dst/x", Err: syscall.EIO}, files.WaitingForNetwork},
		{"source vanished", Result{}, fmt.Errorf("stat: %w", copier.ErrSourceVanished), files.Removed},
		{"generic failure", Result{}, errors.New("checksum engine exploded"), files.Failed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := newTestRecord(t, m.repo, "/src/"+tc.name+".mxf", files.Copying)
			m.pool.finalize(rec, tc.result, tc.err)
			got, _ := m.repo.Get(rec.Identity)
			if got.Status != tc.want {
				t.Errorf("status %v, expected %v", got.Status, tc.want)
			}
			if tc.err != nil && got.ErrorMessage == "" && tc.want != files.Removed {
				t.Error("expected error message on record")
			}
		})
	}
}

func TestFinalizeSpaceExhaustedMidCopy(t *testing.T) {
	m, _ := testModel(t, t.TempDir(), t.TempDir())
	defer m.scheduler.CancelAll()

	rec := newTestRecord(t, m.repo, "/src/big.mxf", files.Copying)
	err := &os.PathError{Op: "write", Path: "/dst/big.mxf", Err: syscall.ENOSPC}
	m.pool.finalize(rec, Result{}, err)

	got, _ := m.repo.Get(rec.Identity)
	if got.Status != files.WaitingForSpace {
		t.Fatalf("status %v, expected WaitingForSpace", got.Status)
	}
}

func TestFinalizeSpaceExhaustedRetriesGivesUp(t *testing.T) {
	m, _ := testModel(t, t.TempDir(), t.TempDir())
	defer m.scheduler.CancelAll()

	// The retry budget is already spent when the volume fills mid-copy;
	// the record must land in SpaceError, not stay in Copying.
	rec := newTestRecord(t, m.repo, "/src/big.mxf", files.Copying)
	rec.RetryCount = m.scheduler.maxRetries
	m.repo.Update(rec)

	err := &os.PathError{Op: "write", Path: "/dst/big.mxf", Err: syscall.ENOSPC}
	m.pool.finalize(rec, Result{}, err)

	got, _ := m.repo.Get(rec.Identity)
	if got.Status != files.SpaceError {
		t.Fatalf("status %v, expected SpaceError", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("expected error message on record")
	}
}

func TestPreCheckNetworkFailureParksQueuedFile(t *testing.T) {
	m, _ := testModel(t, t.TempDir(), t.TempDir())

	rec := newTestRecord(t, m.repo, "/src/a.mxf", files.InQueue)
	err := &copier.NetworkError{Op: "statfs", Path: "/dst", Err: syscall.EIO}
	if !m.pool.failForNetwork(rec, err) {
		t.Fatal("network error not recognized")
	}

	got, _ := m.repo.Get(rec.Identity)
	if got.Status != files.WaitingForNetwork {
		t.Fatalf("status %v, expected WaitingForNetwork", got.Status)
	}
}

func TestProcessJobSkipsStaleStatus(t *testing.T) {
	m, _ := testModel(t, t.TempDir(), t.TempDir())

	// The record advanced (or was cancelled) after enqueueing; the worker
	// must drop the job without touching it.
	rec := newTestRecord(t, m.repo, "/src/a.mxf", files.Removed)
	m.pool.ProcessJob(nil, QueueJob{FileIdentity: rec.Identity, Path: rec.Path})

	got, _ := m.repo.Get(rec.Identity)
	if got.Status != files.Removed {
		t.Errorf("stale job mutated record to %v", got.Status)
	}
}
