// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/sync"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// allowedTransitions is the full edge set of the file lifecycle. Terminal
// statuses re-enter Discovered on rediscovery; Removed is reachable from
// every status that can notice the source is gone.
var allowedTransitions = map[files.Status][]files.Status{
	files.Discovered:            {files.Ready, files.Growing, files.Removed},
	files.Growing:               {files.ReadyToStartGrowing, files.Removed},
	files.ReadyToStartGrowing:   {files.InQueue, files.WaitingForNetwork, files.Removed},
	files.Ready:                 {files.InQueue, files.WaitingForNetwork, files.Removed},
	files.InQueue:               {files.Copying, files.GrowingCopy, files.Ready, files.WaitingForNetwork, files.WaitingForSpace, files.SpaceError, files.Failed, files.Removed},
	files.Copying:               {files.Completed, files.CompletedDeleteFailed, files.Failed, files.WaitingForNetwork, files.WaitingForSpace, files.SpaceError, files.Removed},
	files.GrowingCopy:           {files.Copying, files.Failed, files.WaitingForNetwork, files.WaitingForSpace, files.SpaceError, files.Removed},
	files.WaitingForNetwork:     {files.Ready, files.Discovered, files.Removed},
	files.WaitingForSpace:       {files.Ready, files.Removed},
	files.Failed:                {files.Ready, files.Discovered},
	files.SpaceError:            {files.Ready, files.Discovered},
	files.Completed:             {files.Discovered},
	files.CompletedDeleteFailed: {files.Discovered},
	files.Removed:               {files.Discovered},
}

func transitionAllowed(from, to files.Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Updates enumerates the record fields a transition may write. Only non-nil
// fields are applied.
type Updates struct {
	Size            *int64
	MTime           *time.Time
	Progress        *files.Progress
	ErrorMessage    *string
	DestinationPath *string
	RetryCount      *int
	RetryInfo       *files.RetryInfo

	PreviousSize      *int64
	GrowthStableSince *time.Time
	GrowthRate        *float64
}

func str(s string) *string { return &s }
func intp(n int) *int      { return &n }

// StateMachine is the sole mutator of record status. All transitions are
// validated against the allowed edge set and published, in order, as
// FileStatusChanged events.
type StateMachine struct {
	repo       *files.Repository
	dispatcher *eventDispatcher
	mut        sync.Mutex
}

func NewStateMachine(repo *files.Repository, evLogger *events.Logger) *StateMachine {
	return &StateMachine{
		repo:       repo,
		dispatcher: newEventDispatcher(evLogger),
		mut:        sync.NewMutex(),
	}
}

// EventDispatcher returns the service that publishes scheduled events. It
// must be running for FileStatusChanged events to flow.
func (m *StateMachine) EventDispatcher() *eventDispatcher {
	return m.dispatcher
}

// Transition moves the record to the given status, applying the updates.
// A transition to the current status applies the updates without validating
// an edge and without publishing an event. The returned record is the state
// after the transition.
func (m *StateMachine) Transition(id files.Identity, to files.Status, updates Updates) (files.Record, error) {
	m.mut.Lock()

	rec, err := m.repo.Get(id)
	if err != nil {
		m.mut.Unlock()
		return files.Record{}, err
	}

	from := rec.Status

	if from == to {
		applyUpdates(&rec, updates)
		m.repo.Update(rec)
		m.mut.Unlock()
		return rec, nil
	}

	if !transitionAllowed(from, to) {
		m.mut.Unlock()
		err := fmt.Errorf("%w: %s: %v -> %v", ErrInvalidTransition, id, from, to)
		l.Infoln(err)
		return files.Record{}, err
	}

	// The previous failure reason does not survive a status change unless
	// the caller supplies a new one.
	rec.ErrorMessage = ""
	applyUpdates(&rec, updates)
	rec.Status = to

	now := time.Now()
	switch {
	case to.IsActiveCopy() && !from.IsActiveCopy():
		rec.StartedAt = now
	case to == files.Completed || to == files.CompletedDeleteFailed:
		rec.CompletedAt = now
	case to == files.Failed || to == files.SpaceError:
		rec.FailedAt = now
	}

	// A pending retry belongs to WaitingForSpace only.
	if to != files.WaitingForSpace && updates.RetryInfo == nil {
		rec.RetryInfo = nil
	}

	m.repo.Update(rec)
	metricTransitions.WithLabelValues(from.String(), to.String()).Inc()
	m.mut.Unlock()

	l.Debugf("transition %s (%s): %v -> %v", id, rec.Path, from, to)

	// Published outside the lock, in transition order, so a slow subscriber
	// can never stall a state change.
	m.dispatcher.enqueue(events.FileStatusChanged, map[string]interface{}{
		"identity":   id,
		"path":       rec.Path,
		"old_status": from,
		"new_status": to,
		"record":     rec,
	})

	return rec, nil
}

func applyUpdates(rec *files.Record, u Updates) {
	if u.Size != nil {
		rec.Size = *u.Size
	}
	if u.MTime != nil {
		rec.MTime = *u.MTime
	}
	if u.Progress != nil {
		p := *u.Progress
		rec.Progress = &p
	}
	if u.ErrorMessage != nil {
		rec.ErrorMessage = *u.ErrorMessage
	}
	if u.DestinationPath != nil {
		rec.DestinationPath = *u.DestinationPath
	}
	if u.RetryCount != nil {
		rec.RetryCount = *u.RetryCount
	}
	if u.RetryInfo != nil {
		ri := *u.RetryInfo
		rec.RetryInfo = &ri
	}
	if u.PreviousSize != nil {
		rec.PreviousSize = *u.PreviousSize
	}
	if u.GrowthStableSince != nil {
		rec.GrowthStableSince = *u.GrowthStableSince
	}
	if u.GrowthRate != nil {
		rec.GrowthRate = *u.GrowthRate
	}
}

// eventDispatcher publishes events strictly in the order they were
// scheduled. It decouples the state machine lock from event handlers, which
// may themselves re-enter the state machine.
type eventDispatcher struct {
	evLogger *events.Logger
	mut      sync.Mutex
	cond     *stdsync.Cond
	queue    []scheduledEvent
	stopped  bool
}

type scheduledEvent struct {
	t    events.EventType
	data interface{}
}

func newEventDispatcher(evLogger *events.Logger) *eventDispatcher {
	d := &eventDispatcher{
		evLogger: evLogger,
		mut:      sync.NewMutex(),
	}
	d.cond = stdsync.NewCond(d.mut)
	return d
}

func (d *eventDispatcher) String() string {
	return "model.eventDispatcher"
}

func (d *eventDispatcher) enqueue(t events.EventType, data interface{}) {
	d.mut.Lock()
	d.queue = append(d.queue, scheduledEvent{t, data})
	d.cond.Broadcast()
	d.mut.Unlock()
}

func (d *eventDispatcher) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.mut.Lock()
		d.stopped = true
		d.cond.Broadcast()
		d.mut.Unlock()
	}()

	for {
		d.mut.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped && len(d.queue) == 0 {
			d.mut.Unlock()
			return ctx.Err()
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		d.mut.Unlock()

		d.evLogger.Log(ev.t, ev.data)
	}
}
