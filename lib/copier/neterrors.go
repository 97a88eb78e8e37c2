// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package copier

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ErrTimeout is returned when a single filesystem operation overruns the
// configured I/O timeout. Timeouts on a network mount are treated as
// network failures.
var ErrTimeout = errors.New("file operation timed out")

// ErrSourceVanished is returned when the source file disappears during a
// copy. The file is gone; the job is not retried.
var ErrSourceVanished = errors.New("source file vanished")

// A NetworkError wraps an I/O error that looks like lost connectivity to a
// network volume. The worker treats it as transient: the file goes to
// waiting-for-network and is rediscovered once the destination recovers.
type NetworkError struct {
	Op   string
	Path string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// An IntegrityError is returned when source and destination sizes disagree
// after a copy. The destination has already been deleted when this is
// returned.
type IntegrityError struct {
	Path          string
	SourceSize    int64
	DestinationSize int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("size mismatch for %s: source %d, destination %d", e.Path, e.SourceSize, e.DestinationSize)
}

// networkErrorMessages are substrings of stringified errors that indicate a
// network volume has gone away, for error types that don't carry an errno.
var networkErrorMessages = []string{
	"input/output error",
	"network is unreachable",
	"host is unreachable",
	"host is down",
	"broken pipe",
	"connection reset",
	"connection refused",
	"connection timed out",
	"network path was not found",
	"network name cannot be found",
	"remote i/o error",
	"stale file handle",
	"transport endpoint is not connected",
	"software caused connection abort",
}

// IsNetworkError reports whether the error looks like lost connectivity
// rather than a problem with the file itself.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var nerr *NetworkError
	if errors.As(err, &nerr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if isNetworkErrno(errno) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range networkErrorMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// classify inspects an I/O error and returns the typed error the worker
// will dispatch on. srcOp marks operations against the source path, where a
// not-exist means the file was removed upstream.
func classify(op, path string, srcOp bool, err error) error {
	if err == nil {
		return nil
	}
	// ENOENT is in the network errno set because flapping mounts manifest
	// that way on some systems, but a not-exist on the source path means
	// the recorder removed the file. That takes precedence.
	if srcOp && os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrSourceVanished, path)
	}
	if IsNetworkError(err) {
		return &NetworkError{Op: op, Path: path, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}
