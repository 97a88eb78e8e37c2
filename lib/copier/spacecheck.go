// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package copier

import (
	"github.com/shirou/gopsutil/v4/disk"
)

// A SpaceChecker decides, before a copy starts, whether the destination has
// room for the file plus a safety margin.
type SpaceChecker struct {
	margin int64
	usage  func(path string) (free uint64, err error)
}

func NewSpaceChecker(margin int64) *SpaceChecker {
	return &SpaceChecker{
		margin: margin,
		usage:  diskFree,
	}
}

func diskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Required returns the number of bytes the destination must have free for a
// file of the given size.
func (c *SpaceChecker) Required(fileSize int64) int64 {
	return fileSize + c.margin
}

// Check returns the shortage in bytes (zero when there is room), the free
// space observed, and any error reading the destination volume.
func (c *SpaceChecker) Check(destDir string, fileSize int64) (shortage, free int64, err error) {
	freeU, err := c.usage(destDir)
	if err != nil {
		return 0, 0, classify("statfs", destDir, false, err)
	}
	free = int64(freeU)
	required := c.Required(fileSize)
	if free < required {
		return required - free, free, nil
	}
	return 0, free, nil
}
