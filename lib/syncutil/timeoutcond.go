// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package syncutil provides synchronization helpers on top of the standard
// primitives.
package syncutil

import (
	"sync"
	"time"
)

// TimeoutCond is a variant of sync.Cond that supports a bounded wait. L must
// be held both when broadcasting and when calling TimeoutCondWaiter.Wait.
type TimeoutCond struct {
	L  sync.Locker
	ch chan struct{}
}

// TimeoutCondWaiter is a single bounded wait on a TimeoutCond. It must be
// stopped when no longer needed to release the timer.
type TimeoutCondWaiter struct {
	c     *TimeoutCond
	timer *time.Timer
}

func NewTimeoutCond(l sync.Locker) *TimeoutCond {
	return &TimeoutCond{
		L:  l,
		ch: make(chan struct{}),
	}
}

// Broadcast wakes all current waiters.
func (c *TimeoutCond) Broadcast() {
	// Waiters hold a reference to the current channel; closing it releases
	// them, and a fresh channel takes its place for later waiters.
	close(c.ch)
	c.ch = make(chan struct{})
}

// SetupWait creates a waiter with the given timeout. The timeout covers the
// whole waiter, not each individual Wait call.
func (c *TimeoutCond) SetupWait(timeout time.Duration) *TimeoutCondWaiter {
	return &TimeoutCondWaiter{
		c:     c,
		timer: time.NewTimer(timeout),
	}
}

// Wait blocks until the cond is broadcast or the timeout expires, and
// reports whether it was woken by a broadcast.
func (w *TimeoutCondWaiter) Wait() bool {
	// Grab the channel under the lock; Broadcast replaces it.
	ch := w.c.ch
	w.c.L.Unlock()
	defer w.c.L.Lock()

	select {
	case <-w.timer.C:
		return false
	case <-ch:
		return true
	}
}

func (w *TimeoutCondWaiter) Stop() {
	w.timer.Stop()
}
