// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package files

import (
	"errors"
	"fmt"
	"time"

	"github.com/mediamover/mediamover/lib/sync"
)

var (
	ErrNotFound          = errors.New("no such file record")
	ErrDuplicateIdentity = errors.New("duplicate file identity")
)

// Repository is the in-memory store of file records, keyed by identity. It
// is the single source of truth; records are copied in and out so callers
// never hold live references into the store.
type Repository struct {
	records map[Identity]Record
	mut     sync.Mutex
}

func NewRepository() *Repository {
	return &Repository{
		records: make(map[Identity]Record),
		mut:     sync.NewMutex(),
	}
}

// Get returns the record with the given identity.
func (r *Repository) Get(id Identity) (Record, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// All returns all records, in no particular order.
func (r *Repository) All() []Record {
	r.mut.Lock()
	defer r.mut.Unlock()
	recs := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec.Clone())
	}
	return recs
}

// Add inserts a new record. Inserting an identity that already exists is an
// error.
func (r *Repository) Add(rec Record) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.records[rec.Identity]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, rec.Identity)
	}
	r.records[rec.Identity] = rec.Clone()
	return nil
}

// Update replaces the stored record. Updating a missing identity logs a
// warning and inserts the record anyway.
func (r *Repository) Update(rec Record) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.records[rec.Identity]; !ok {
		l.Warnf("Updating unknown record %s (%s); inserting", rec.Identity, rec.Path)
	}
	r.records[rec.Identity] = rec.Clone()
}

// Remove deletes the record with the given identity, if present.
func (r *Repository) Remove(id Identity) {
	r.mut.Lock()
	defer r.mut.Unlock()
	delete(r.records, id)
}

// Count returns the number of records held.
func (r *Repository) Count() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.records)
}

// ActiveByPath returns the at most one non-terminal record for the given
// path. A path whose only records are terminal has finished its lifecycle;
// rediscovery creates a fresh record.
func (r *Repository) ActiveByPath(path string) (Record, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	for _, rec := range r.records {
		if rec.Path == path && !rec.Status.IsTerminal() {
			return rec.Clone(), true
		}
	}
	return Record{}, false
}

// RecordsForPath returns all records sharing the given path; the history of
// one filename across rediscoveries.
func (r *Repository) RecordsForPath(path string) []Record {
	r.mut.Lock()
	defer r.mut.Unlock()
	var recs []Record
	for _, rec := range r.records {
		if rec.Path == path {
			recs = append(recs, rec.Clone())
		}
	}
	return recs
}

// AllWithStatus returns all records currently in the given status.
func (r *Repository) AllWithStatus(status Status) []Record {
	r.mut.Lock()
	defer r.mut.Unlock()
	var recs []Record
	for _, rec := range r.records {
		if rec.Status == status {
			recs = append(recs, rec.Clone())
		}
	}
	return recs
}

// CountsByStatus returns the number of records per status.
func (r *Repository) CountsByStatus() map[Status]int {
	r.mut.Lock()
	defer r.mut.Unlock()
	counts := make(map[Status]int)
	for _, rec := range r.records {
		counts[rec.Status]++
	}
	return counts
}

// SweepTerminal removes terminal records whose terminal timestamp is older
// than the given age, and returns how many were removed. Records without a
// terminal timestamp fall back to the discovery time.
func (r *Repository) SweepTerminal(maxAge time.Duration, now time.Time) int {
	r.mut.Lock()
	defer r.mut.Unlock()
	var removed int
	for id, rec := range r.records {
		if !rec.Status.IsTerminal() {
			continue
		}
		when := rec.CompletedAt
		if when.IsZero() {
			when = rec.FailedAt
		}
		if when.IsZero() {
			when = rec.DiscoveredAt
		}
		if now.Sub(when) > maxAge {
			l.Debugln("sweeping terminal record", id, rec.Path)
			delete(r.records, id)
			removed++
		}
	}
	return removed
}
