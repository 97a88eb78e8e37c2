// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package copier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mediamover/mediamover/lib/files"
)

type recordingReporter struct {
	mut            sync.Mutex
	progress       []int64
	growthFinished int
}

func (r *recordingReporter) CopyProgress(_ files.Identity, _ files.Status, bytesCopied, _ int64, _ float64) {
	r.mut.Lock()
	r.progress = append(r.progress, bytesCopied)
	r.mut.Unlock()
}

func (r *recordingReporter) GrowthFinished(files.Identity) error {
	r.mut.Lock()
	r.growthFinished++
	r.mut.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		ChunkSize:      4 << 10,
		SafetyMargin:   8 << 10,
		PollInterval:   10 * time.Millisecond,
		ThrottlePause:  time.Millisecond,
		GrowthTimeout:  50 * time.Millisecond,
		MinGrowingSize: 1 << 10,
		IOTimeout:      5 * time.Second,
		GrowingSupport: true,
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStaticCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "a.mxf")
	dst := filepath.Join(dir, "dst", "a.mxf")
	os.MkdirAll(filepath.Dir(src), 0o755)
	writeFile(t, src, 100_000)

	rep := &recordingReporter{}
	e := NewEngine(DefaultFilesystem, testConfig(), nil, rep)

	rec := files.NewRecord(src, 100_000, time.Now())
	rec.Status = files.Copying

	res, err := e.Copy(context.Background(), rec, dst)
	if err != nil {
		t.Fatal(err)
	}
	if res.BytesCopied != 100_000 {
		t.Errorf("copied %d bytes, expected 100000", res.BytesCopied)
	}
	if res.DeleteFailed {
		t.Error("delete should have succeeded")
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should be deleted")
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 100_000 {
		t.Errorf("destination size %d", info.Size())
	}
	if len(rep.progress) == 0 {
		t.Error("expected at least one progress report")
	}
	for i := 1; i < len(rep.progress); i++ {
		if rep.progress[i] < rep.progress[i-1] {
			t.Error("bytes copied decreased")
		}
	}
}

func TestStaticCopyEmptyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty.bin")
	dst := filepath.Join(dir, "out", "empty.bin")
	writeFile(t, src, 0)

	e := NewEngine(DefaultFilesystem, testConfig(), nil, &recordingReporter{})
	rec := files.NewRecord(src, 0, time.Now())
	rec.Status = files.Copying

	res, err := e.Copy(context.Background(), rec, dst)
	if err != nil {
		t.Fatal(err)
	}
	if res.BytesCopied != 0 {
		t.Errorf("copied %d bytes from empty file", res.BytesCopied)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Error("destination missing:", err)
	}
}

func TestTempFileCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "b.mxf")
	dst := filepath.Join(dir, "out", "b.mxf")
	writeFile(t, src, 10_000)

	cfg := testConfig()
	cfg.UseTempFile = true
	e := NewEngine(DefaultFilesystem, cfg, nil, &recordingReporter{})
	rec := files.NewRecord(src, 10_000, time.Now())
	rec.Status = files.Copying

	if _, err := e.Copy(context.Background(), rec, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dst + TempSuffix); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Error("destination missing after rename:", err)
	}
}

func TestGrowingCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "g.mxf")
	dst := filepath.Join(dir, "out", "g.mxf")

	const total = 256 << 10
	writeFile(t, src, 4<<10)

	// Grow the file in the background while the engine copies it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		fd, err := os.OpenFile(src, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer fd.Close()
		chunk := make([]byte, 8<<10)
		for written := 4 << 10; written < total; written += len(chunk) {
			if rest := total - written; rest < len(chunk) {
				chunk = chunk[:rest]
			}
			fd.Write(chunk)
			time.Sleep(2 * time.Millisecond)
		}
	}()

	rep := &recordingReporter{}
	e := NewEngine(DefaultFilesystem, testConfig(), nil, rep)

	rec := files.NewRecord(src, 4<<10, time.Now())
	rec.Status = files.GrowingCopy

	res, err := e.Copy(context.Background(), rec, dst)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if res.BytesCopied != total {
		t.Errorf("copied %d bytes, expected %d", res.BytesCopied, total)
	}
	if rep.growthFinished != 1 {
		t.Errorf("growth finished reported %d times", rep.growthFinished)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != total {
		t.Errorf("destination size %d, expected %d", info.Size(), total)
	}
}

// failingFS injects a write error after some bytes to simulate a dying
// network mount.
type failingFS struct {
	Filesystem
	failAfter int64
	written   int64
	errno     syscall.Errno
}

type failingFile struct {
	File
	fs *failingFS
}

func (f *failingFS) Create(name string) (File, error) {
	fd, err := f.Filesystem.Create(name)
	if err != nil {
		return nil, err
	}
	return &failingFile{File: fd, fs: f}, nil
}

func (f *failingFile) Write(p []byte) (int, error) {
	if f.fs.written >= f.fs.failAfter {
		return 0, &os.PathError{Op: "write", Path: "dst", Err: f.fs.errno}
	}
	n, err := f.File.Write(p)
	f.fs.written += int64(n)
	return n, err
}

func TestNetworkErrorFailsFast(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "n.mxf")
	dst := filepath.Join(dir, "out", "n.mxf")
	writeFile(t, src, 64<<10)

	ffs := &failingFS{Filesystem: DefaultFilesystem, failAfter: 8 << 10, errno: syscall.EIO}
	e := NewEngine(ffs, testConfig(), nil, &recordingReporter{})
	rec := files.NewRecord(src, 64<<10, time.Now())
	rec.Status = files.Copying

	_, err := e.Copy(context.Background(), rec, dst)
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}

	// The partial destination must be cleaned up and the source preserved.
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("partial destination left behind")
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("source must not be touched on failure")
	}
}

func TestNetworkErrorOnFirstChunk(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "n0.mxf")
	dst := filepath.Join(dir, "out", "n0.mxf")
	writeFile(t, src, 64<<10)

	ffs := &failingFS{Filesystem: DefaultFilesystem, failAfter: 0, errno: syscall.EPIPE}
	e := NewEngine(ffs, testConfig(), nil, &recordingReporter{})
	rec := files.NewRecord(src, 64<<10, time.Now())
	rec.Status = files.Copying

	res, err := e.Copy(context.Background(), rec, dst)
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if res.BytesCopied != 0 {
		t.Errorf("expected 0 bytes copied, got %d", res.BytesCopied)
	}
}

func TestSourceVanished(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "gone.mxf")
	dst := filepath.Join(dir, "out", "gone.mxf")

	e := NewEngine(DefaultFilesystem, testConfig(), nil, &recordingReporter{})
	rec := files.NewRecord(src, 1000, time.Now())
	rec.Status = files.Copying

	_, err := e.Copy(context.Background(), rec, dst)
	if !errors.Is(err, ErrSourceVanished) {
		t.Fatalf("expected ErrSourceVanished, got %v", err)
	}
}

func TestIsGrowingClassification(t *testing.T) {
	e := NewEngine(DefaultFilesystem, testConfig(), nil, &recordingReporter{})

	rec := files.NewRecord("/src/a", 100<<20, time.Now())
	rec.Status = files.Ready
	if e.IsGrowing(rec, 100<<20) {
		t.Error("stable file classified growing")
	}

	rec.Status = files.Growing
	if !e.IsGrowing(rec, 100<<20) {
		t.Error("growing status not classified growing")
	}

	rec.Status = files.Ready
	rec.GrowthRate = 1024
	if !e.IsGrowing(rec, 100<<20) {
		t.Error("positive growth rate not classified growing")
	}

	rec.GrowthRate = 0
	// Grown by more than 10% since first seen.
	if !e.IsGrowing(rec, 120<<20) {
		t.Error("grown file not classified growing")
	}

	// Growth below both thresholds.
	if e.IsGrowing(rec, 100<<20+10<<10) {
		t.Error("tiny growth classified growing")
	}

	cfg := testConfig()
	cfg.GrowingSupport = false
	e = NewEngine(DefaultFilesystem, cfg, nil, &recordingReporter{})
	rec.Status = files.Growing
	if e.IsGrowing(rec, 200<<20) {
		t.Error("growing support disabled but classified growing")
	}
}

func TestTimedOperationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IOTimeout = 10 * time.Millisecond
	e := NewEngine(DefaultFilesystem, cfg, nil, &recordingReporter{})

	err := e.timed("stat", "/mnt/dead", true, func() error {
		time.Sleep(time.Second)
		return nil
	})
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError from timeout, got %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("timeout error should unwrap to ErrTimeout")
	}
}
