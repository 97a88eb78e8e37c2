// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

package copier

import "syscall"

const (
	// Windows system error codes for unreachable network volumes.
	errorBadNetPath     = syscall.Errno(53)   // ERROR_BAD_NETPATH
	errorBadNetName     = syscall.Errno(67)   // ERROR_BAD_NET_NAME
	errorNetworkUnreach = syscall.Errno(1231) // ERROR_NETWORK_UNREACHABLE
)

func isNetworkErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.EIO,
		syscall.ECONNREFUSED,
		syscall.ETIMEDOUT,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.EPIPE,
		syscall.ENOTCONN,
		syscall.ECONNRESET,
		errorBadNetPath,
		errorBadNetName,
		errorNetworkUnreach:
		return true
	}
	return false
}
