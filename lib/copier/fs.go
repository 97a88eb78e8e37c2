// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package copier

import (
	"io"
	"os"
)

// The Filesystem interface abstracts the file system operations the copy
// engine needs, so tests can inject failures without touching real disks.
type Filesystem interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (File, error)
	Create(name string) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	MkdirAll(path string, perm os.FileMode) error
}

type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Sync() error
}

// BasicFilesystem implements Filesystem against the host OS.
type BasicFilesystem struct{}

func (BasicFilesystem) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (BasicFilesystem) Open(name string) (File, error) {
	return os.Open(name)
}

func (BasicFilesystem) Create(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (BasicFilesystem) Remove(name string) error {
	return os.Remove(name)
}

func (BasicFilesystem) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (BasicFilesystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

var DefaultFilesystem Filesystem = BasicFilesystem{}
