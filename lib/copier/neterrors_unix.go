// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build !windows

package copier

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func isNetworkErrno(errno syscall.Errno) bool {
	switch errno {
	case unix.EIO,
		unix.ECONNREFUSED,
		unix.ETIMEDOUT,
		unix.ENETUNREACH,
		unix.EHOSTUNREACH,
		unix.EPIPE,
		unix.EACCES,
		unix.ENOTCONN,
		unix.ECONNRESET,
		unix.EINVAL,
		unix.ENOENT:
		return true
	}
	return false
}
