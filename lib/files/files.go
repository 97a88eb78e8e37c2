// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package files defines the file record, its status values and the in-memory
// repository that holds records by identity.
package files

import (
	"time"

	"github.com/mediamover/mediamover/lib/rand"
)

// Identity is the opaque unique key of one file instance. Two records may
// share a path over time, but never an identity.
type Identity string

const identityLength = 16

// NewIdentity returns a fresh, random identity.
func NewIdentity() Identity {
	return Identity(rand.String(identityLength))
}

type Status int

const (
	Discovered Status = iota
	Growing
	ReadyToStartGrowing
	Ready
	InQueue
	Copying
	GrowingCopy
	WaitingForNetwork
	WaitingForSpace
	Completed
	CompletedDeleteFailed
	Failed
	SpaceError
	Removed
)

func (s Status) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Growing:
		return "growing"
	case ReadyToStartGrowing:
		return "ready_to_start_growing"
	case Ready:
		return "ready"
	case InQueue:
		return "in_queue"
	case Copying:
		return "copying"
	case GrowingCopy:
		return "growing_copy"
	case WaitingForNetwork:
		return "waiting_for_network"
	case WaitingForSpace:
		return "waiting_for_space"
	case Completed:
		return "completed"
	case CompletedDeleteFailed:
		return "completed_delete_failed"
	case Failed:
		return "failed"
	case SpaceError:
		return "space_error"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the status is one from which no automatic
// forward progress happens without rediscovery or manual intervention.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, CompletedDeleteFailed, Failed, SpaceError, Removed:
		return true
	}
	return false
}

// IsActiveCopy reports whether a worker currently streams bytes for a file
// in this status.
func (s Status) IsActiveCopy() bool {
	return s == Copying || s == GrowingCopy
}

// Progress describes an in-flight copy. Valid only while the status is
// Copying or GrowingCopy.
type Progress struct {
	BytesCopied int64   `json:"bytes_copied"`
	TotalBytes  int64   `json:"total_bytes"`
	CopySpeed   float64 `json:"copy_speed"` // bytes per second
}

type RetryKind int

const (
	RetrySpace RetryKind = iota
)

func (k RetryKind) String() string {
	switch k {
	case RetrySpace:
		return "space"
	default:
		return "unknown"
	}
}

func (k RetryKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// RetryInfo describes a pending deferred retry. A record carrying one must
// be in status WaitingForSpace.
type RetryInfo struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	FiresAt     time.Time `json:"fires_at"`
	Reason      string    `json:"reason"`
	Kind        RetryKind `json:"kind"`
}

// Record is the central entity: one observed instance of a source file.
// Records are owned by the Repository; all other components hold the
// identity and dereference through it. The status field changes only via
// the state machine.
type Record struct {
	Identity        Identity  `json:"identity"`
	Path            string    `json:"path"`
	Size            int64     `json:"size"`
	MTime           time.Time `json:"mtime"`
	DiscoveredAt    time.Time `json:"discovered_at"`
	StartedAt       time.Time `json:"started_copying_at"`
	CompletedAt     time.Time `json:"completed_at"`
	FailedAt        time.Time `json:"failed_at"`
	Status          Status    `json:"status"`
	Progress        *Progress `json:"progress,omitempty"`
	RetryCount      int       `json:"retry_count"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	DestinationPath string    `json:"destination_path,omitempty"`

	// Growth bookkeeping, maintained by the scanner through state machine
	// updates.
	FirstSeenSize     int64     `json:"first_seen_size"`
	PreviousSize      int64     `json:"previous_size"`
	GrowthStableSince time.Time `json:"growth_stable_since"`
	GrowthRate        float64   `json:"growth_rate"` // bytes per second

	RetryInfo *RetryInfo `json:"retry_info,omitempty"`
}

// NewRecord returns a record in status Discovered with a fresh identity.
func NewRecord(path string, size int64, mtime time.Time) Record {
	now := time.Now()
	return Record{
		Identity:      NewIdentity(),
		Path:          path,
		Size:          size,
		MTime:         mtime,
		DiscoveredAt:  now,
		Status:        Discovered,
		FirstSeenSize: size,
		PreviousSize:  size,
	}
}

// Clone returns a deep copy of the record, so that callers can never mutate
// repository state through shared pointers.
func (r Record) Clone() Record {
	if r.Progress != nil {
		p := *r.Progress
		r.Progress = &p
	}
	if r.RetryInfo != nil {
		ri := *r.RetryInfo
		r.RetryInfo = &ri
	}
	return r
}
