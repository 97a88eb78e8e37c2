// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"fmt"
	"time"

	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/sync"
)

// A SpaceRetryScheduler parks files blocked by a destination space shortage
// and retries them later. A shortage below a fifth of the required space is
// considered temporary and retried at half the configured delay.
type SpaceRetryScheduler struct {
	sm         *StateMachine
	delay      time.Duration
	maxRetries int

	mut    sync.Mutex
	timers map[files.Identity]*time.Timer
}

func NewSpaceRetryScheduler(sm *StateMachine, delay time.Duration, maxRetries int) *SpaceRetryScheduler {
	return &SpaceRetryScheduler{
		sm:         sm,
		delay:      delay,
		maxRetries: maxRetries,
		mut:        sync.NewMutex(),
		timers:     make(map[files.Identity]*time.Timer),
	}
}

// ScheduleRetry handles a space shortage for the given record: bump the
// retry count, give up with SpaceError when the retries are exhausted, or
// park the record in WaitingForSpace with a timer that returns it to Ready.
func (s *SpaceRetryScheduler) ScheduleRetry(rec files.Record, shortage, required int64) error {
	count := rec.RetryCount + 1

	if count >= s.maxRetries || s.maxRetries == 0 {
		s.Cancel(rec.Identity)
		msg := fmt.Sprintf("insufficient space after %d retries: %d bytes short of %d required", rec.RetryCount, shortage, required)
		l.Infof("Giving up on %s: %s", rec.Path, msg)
		_, err := s.sm.Transition(rec.Identity, files.SpaceError, Updates{
			RetryCount:   intp(count),
			ErrorMessage: str(msg),
		})
		return err
	}

	delay := s.delay
	if required > 0 && shortage < required/5 {
		delay /= 2
	}

	now := time.Now()
	msg := fmt.Sprintf("insufficient space: %d bytes short of %d required", shortage, required)
	_, err := s.sm.Transition(rec.Identity, files.WaitingForSpace, Updates{
		RetryCount:   intp(count),
		ErrorMessage: str(msg),
		RetryInfo: &files.RetryInfo{
			ScheduledAt: now,
			FiresAt:     now.Add(delay),
			Reason:      msg,
			Kind:        files.RetrySpace,
		},
	})
	if err != nil {
		return err
	}

	metricSpaceRetries.Inc()
	l.Debugf("space retry %d/%d for %s in %v", count, s.maxRetries, rec.Path, delay)

	id := rec.Identity
	s.mut.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	s.mut.Unlock()
	return nil
}

// fire runs when a retry timer expires. If the record has advanced or been
// cancelled in the meantime it does nothing.
func (s *SpaceRetryScheduler) fire(id files.Identity) {
	s.mut.Lock()
	delete(s.timers, id)
	s.mut.Unlock()

	rec, err := s.sm.repo.Get(id)
	if err != nil {
		l.Debugln("space retry fired for missing record", id)
		return
	}
	if rec.Status != files.WaitingForSpace {
		l.Debugf("space retry fired for %s in status %v; skipping", id, rec.Status)
		return
	}
	if _, err := s.sm.Transition(id, files.Ready, Updates{}); err != nil {
		l.Infof("Retrying %s for space: %v", rec.Path, err)
	}
}

// Cancel stops any pending retry for the identity.
func (s *SpaceRetryScheduler) Cancel(id files.Identity) {
	s.mut.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mut.Unlock()
}

// CancelAll stops all pending retries; used at shutdown.
func (s *SpaceRetryScheduler) CancelAll() {
	s.mut.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mut.Unlock()
}

// Pending returns the number of armed retry timers.
func (s *SpaceRetryScheduler) Pending() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.timers)
}
