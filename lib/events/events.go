// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events provides event subscription and publishing functionality.
//
// Two consumption models are offered. Handlers are registered for a set of
// event types and are invoked, and awaited, on every matching Log call; a
// failing handler is logged and never prevents the other handlers from
// running. Subscriptions are buffered channels for pollers such as the API
// long-poll surface; a subscription that does not keep up drops events.
package events

import (
	"errors"
	stdsync "sync"
	"time"

	"github.com/mediamover/mediamover/lib/sync"
	"github.com/mediamover/mediamover/lib/syncutil"
)

type EventType int

const (
	FileDiscovered EventType = 1 << iota
	FileStatusChanged
	FileReady
	FileCopyStarted
	FileCopyProgress
	FileCopyCompleted
	FileCopyFailed
	NetworkFailureDetected
	StorageUpdate
	MountStatus

	AllEvents = (1 << iota) - 1
)

func (t EventType) String() string {
	switch t {
	case FileDiscovered:
		return "FileDiscovered"
	case FileStatusChanged:
		return "FileStatusChanged"
	case FileReady:
		return "FileReady"
	case FileCopyStarted:
		return "FileCopyStarted"
	case FileCopyProgress:
		return "FileCopyProgress"
	case FileCopyCompleted:
		return "FileCopyCompleted"
	case FileCopyFailed:
		return "FileCopyFailed"
	case NetworkFailureDetected:
		return "NetworkFailureDetected"
	case StorageUpdate:
		return "StorageUpdate"
	case MountStatus:
		return "MountStatus"
	default:
		return "Unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	*t = UnmarshalEventType(string(b))
	return nil
}

func UnmarshalEventType(s string) EventType {
	switch s {
	case "FileDiscovered":
		return FileDiscovered
	case "FileStatusChanged":
		return FileStatusChanged
	case "FileReady":
		return FileReady
	case "FileCopyStarted":
		return FileCopyStarted
	case "FileCopyProgress":
		return FileCopyProgress
	case "FileCopyCompleted":
		return FileCopyCompleted
	case "FileCopyFailed":
		return FileCopyFailed
	case "NetworkFailureDetected":
		return NetworkFailureDetected
	case "StorageUpdate":
		return StorageUpdate
	case "MountStatus":
		return MountStatus
	default:
		return 0
	}
}

const BufferSize = 64

// DefaultEventTimeout is the usual timeout to use when polling for events.
const DefaultEventTimeout = time.Minute

type Event struct {
	// Per-subscription sequential event ID.
	SubscriptionID int `json:"id"`
	// Global ID of the event across all subscriptions
	GlobalID int         `json:"globalID"`
	Time     time.Time   `json:"time"`
	Type     EventType   `json:"type"`
	Data     interface{} `json:"data"`
}

// A Handler is invoked for every event matching its registration mask. The
// returned error is logged; it does not affect other handlers or the
// publisher.
type Handler func(Event) error

type Logger struct {
	subs                []*Subscription
	nextSubscriptionIDs []int
	handlers            []handlerEntry
	nextGlobalID        int
	mutex               sync.Mutex
}

type handlerEntry struct {
	mask EventType
	fn   Handler
}

type Subscription struct {
	mask    EventType
	events  chan Event
	timeout *time.Timer
}

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

func NewLogger() *Logger {
	return &Logger{
		mutex: sync.NewMutex(),
	}
}

// Log publishes an event. All handlers registered for the type are started
// in registration order, run concurrently, and are awaited before Log
// returns. Channel subscriptions receive the event without blocking; a full
// subscription drops it.
func (l *Logger) Log(t EventType, data interface{}) {
	l.mutex.Lock()
	dl.Debugln("log", l.nextGlobalID, t, data)
	l.nextGlobalID++

	e := Event{
		GlobalID: l.nextGlobalID,
		Time:     time.Now(),
		Type:     t,
		Data:     data,
	}

	for i, s := range l.subs {
		if s.mask&t != 0 {
			e.SubscriptionID = l.nextSubscriptionIDs[i]
			l.nextSubscriptionIDs[i]++

			select {
			case s.events <- e:
			default:
				// if s.events is not ready, drop the event
			}
		}
	}

	var matching []Handler
	for _, h := range l.handlers {
		if h.mask&t != 0 {
			matching = append(matching, h.fn)
		}
	}
	l.mutex.Unlock()

	if len(matching) == 0 {
		return
	}

	e.SubscriptionID = 0
	var wg stdsync.WaitGroup
	for _, fn := range matching {
		wg.Add(1)
		go func(fn Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					dl.Warnf("Event handler for %v panicked: %v", t, r)
				}
			}()
			if err := fn(e); err != nil {
				dl.Warnf("Event handler for %v: %v", t, err)
			}
		}(fn)
	}
	wg.Wait()
}

// Register adds a handler for all event types in the mask. Registering the
// same function twice invokes it once per registration.
func (l *Logger) Register(mask EventType, fn Handler) {
	l.mutex.Lock()
	dl.Debugln("register handler", mask)
	l.handlers = append(l.handlers, handlerEntry{mask, fn})
	l.mutex.Unlock()
}

func (l *Logger) Subscribe(mask EventType) *Subscription {
	l.mutex.Lock()
	dl.Debugln("subscribe", mask)

	s := &Subscription{
		mask:    mask,
		events:  make(chan Event, BufferSize),
		timeout: time.NewTimer(0),
	}

	// We need to create the timeout timer in the stopped, non-fired state so
	// that Subscription.Poll() can safely reset it and select on the timeout
	// channel. This ensures the timer is stopped and the channel drained.
	if !s.timeout.Stop() {
		<-s.timeout.C
	}

	l.subs = append(l.subs, s)
	l.nextSubscriptionIDs = append(l.nextSubscriptionIDs, 1)
	l.mutex.Unlock()
	return s
}

func (l *Logger) Unsubscribe(s *Subscription) {
	l.mutex.Lock()
	dl.Debugln("unsubscribe")
	for i, ss := range l.subs {
		if s == ss {
			last := len(l.subs) - 1

			l.subs[i] = l.subs[last]
			l.subs[last] = nil
			l.subs = l.subs[:last]

			l.nextSubscriptionIDs[i] = l.nextSubscriptionIDs[last]
			l.nextSubscriptionIDs[last] = 0
			l.nextSubscriptionIDs = l.nextSubscriptionIDs[:last]

			break
		}
	}
	close(s.events)
	l.mutex.Unlock()
}

// Poll returns an event from the subscription or an error if the poll times
// out or the event channel is closed. Poll should not be called concurrently
// from multiple goroutines for a single subscription.
func (s *Subscription) Poll(timeout time.Duration) (Event, error) {
	dl.Debugln("poll", timeout)

	s.timeout.Reset(timeout)

	select {
	case e, ok := <-s.events:
		if !ok {
			return e, ErrClosed
		}
		if !s.timeout.Stop() {
			// The timeout must be stopped and possibly drained to be ready
			// for reuse in the next call.
			<-s.timeout.C
		}
		return e, nil
	case <-s.timeout.C:
		return Event{}, ErrTimeout
	}
}

func (s *Subscription) C() <-chan Event {
	return s.events
}

type bufferedSubscription struct {
	sub  *Subscription
	buf  []Event
	next int
	cur  int // Current SubscriptionID
	mut  sync.Mutex
	cond *syncutil.TimeoutCond
}

type BufferedSubscription interface {
	Since(id int, into []Event, timeout time.Duration) []Event
}

func NewBufferedSubscription(s *Subscription, size int) BufferedSubscription {
	bs := &bufferedSubscription{
		sub: s,
		buf: make([]Event, size),
		mut: sync.NewMutex(),
	}
	bs.cond = syncutil.NewTimeoutCond(bs.mut)
	go bs.pollingLoop()
	return bs
}

func (s *bufferedSubscription) pollingLoop() {
	for {
		ev, err := s.sub.Poll(60 * time.Second)
		if err == ErrTimeout {
			continue
		}
		if err == ErrClosed {
			return
		}
		if err != nil {
			panic("unexpected error: " + err.Error())
		}

		s.mut.Lock()
		s.buf[s.next] = ev
		s.next = (s.next + 1) % len(s.buf)
		s.cur = ev.SubscriptionID
		s.cond.Broadcast()
		s.mut.Unlock()
	}
}

func (s *bufferedSubscription) Since(id int, into []Event, timeout time.Duration) []Event {
	s.mut.Lock()
	defer s.mut.Unlock()

	// Check once first before generating the waiter and its timer.
	if id >= s.cur {
		waiter := s.cond.SetupWait(timeout)
		defer waiter.Stop()

		for id >= s.cur {
			if eventsAvailable := waiter.Wait(); !eventsAvailable {
				// Timed out
				return into
			}
		}
	}

	for i := s.next; i < len(s.buf); i++ {
		if s.buf[i].SubscriptionID > id {
			into = append(into, s.buf[i])
		}
	}
	for i := 0; i < s.next; i++ {
		if s.buf[i].SubscriptionID > id {
			into = append(into, s.buf[i])
		}
	}

	return into
}

// Error returns a string pointer suitable for JSON marshalling errors. It
// retains the "null on success" semantics, but ensures the error result is a
// string regardless of the underlying concrete error type.
func Error(err error) *string {
	if err == nil {
		return nil
	}
	str := err.Error()
	return &str
}
