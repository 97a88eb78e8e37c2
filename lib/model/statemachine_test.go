// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/files"
)

func newTestRecord(t *testing.T, repo *files.Repository, path string, status files.Status) files.Record {
	t.Helper()
	rec := files.NewRecord(path, 1000, time.Now())
	rec.Status = status
	if err := repo.Add(rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func runDispatcher(t *testing.T, sm *StateMachine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sm.EventDispatcher().Serve(ctx)
}

func TestTransitionHappyPath(t *testing.T) {
	repo := files.NewRepository()
	sm := NewStateMachine(repo, events.NewLogger())
	rec := newTestRecord(t, repo, "/src/a.mxf", files.Discovered)

	for _, to := range []files.Status{files.Ready, files.InQueue, files.Copying, files.Completed} {
		if _, err := sm.Transition(rec.Identity, to, Updates{}); err != nil {
			t.Fatalf("transition to %v: %v", to, err)
		}
	}

	got, _ := repo.Get(rec.Identity)
	if got.Status != files.Completed {
		t.Errorf("final status %v", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if got.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
}

func TestTransitionInvalid(t *testing.T) {
	repo := files.NewRepository()
	sm := NewStateMachine(repo, events.NewLogger())
	rec := newTestRecord(t, repo, "/src/a.mxf", files.Discovered)

	_, err := sm.Transition(rec.Identity, files.Copying, Updates{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	// The failed transition must not have modified the record.
	got, _ := repo.Get(rec.Identity)
	if got.Status != files.Discovered {
		t.Errorf("status changed to %v by rejected transition", got.Status)
	}
}

func TestTransitionNotFound(t *testing.T) {
	sm := NewStateMachine(files.NewRepository(), events.NewLogger())
	_, err := sm.Transition("nosuchid", files.Ready, Updates{})
	if !errors.Is(err, files.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSameStatusAppliesUpdatesWithoutEvent(t *testing.T) {
	repo := files.NewRepository()
	evLogger := events.NewLogger()
	sm := NewStateMachine(repo, evLogger)
	runDispatcher(t, sm)
	rec := newTestRecord(t, repo, "/src/a.mxf", files.Copying)

	sub := evLogger.Subscribe(events.FileStatusChanged)
	defer evLogger.Unsubscribe(sub)

	got, err := sm.Transition(rec.Identity, files.Copying, Updates{
		Progress: &files.Progress{BytesCopied: 512, TotalBytes: 1000, CopySpeed: 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress == nil || got.Progress.BytesCopied != 512 {
		t.Error("progress update not applied")
	}

	stored, _ := repo.Get(rec.Identity)
	if stored.Progress == nil || stored.Progress.BytesCopied != 512 {
		t.Error("progress update not persisted")
	}

	if ev, err := sub.Poll(50 * time.Millisecond); err == nil {
		t.Errorf("same-status transition emitted event %v", ev)
	}
}

func TestTransitionClearsErrorMessage(t *testing.T) {
	repo := files.NewRepository()
	sm := NewStateMachine(repo, events.NewLogger())
	rec := newTestRecord(t, repo, "/src/a.mxf", files.Copying)

	got, err := sm.Transition(rec.Identity, files.Failed, Updates{
		ErrorMessage: str("boom"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("error message %q", got.ErrorMessage)
	}
	if got.FailedAt.IsZero() {
		t.Error("FailedAt not set")
	}

	got, err = sm.Transition(rec.Identity, files.Ready, Updates{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message survived status change: %q", got.ErrorMessage)
	}
}

func TestRetryInfoOnlyInWaitingForSpace(t *testing.T) {
	repo := files.NewRepository()
	sm := NewStateMachine(repo, events.NewLogger())
	rec := newTestRecord(t, repo, "/src/a.mxf", files.InQueue)

	now := time.Now()
	got, err := sm.Transition(rec.Identity, files.WaitingForSpace, Updates{
		RetryInfo: &files.RetryInfo{ScheduledAt: now, FiresAt: now.Add(time.Minute), Kind: files.RetrySpace},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryInfo == nil {
		t.Fatal("retry info not applied")
	}

	got, err = sm.Transition(rec.Identity, files.Ready, Updates{})
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryInfo != nil {
		t.Error("retry info survived leaving WaitingForSpace")
	}
}

func TestEventOrderPerIdentity(t *testing.T) {
	repo := files.NewRepository()
	evLogger := events.NewLogger()
	sm := NewStateMachine(repo, evLogger)

	var seen []files.Status
	done := make(chan struct{})
	evLogger.Register(events.FileStatusChanged, func(ev events.Event) error {
		data := ev.Data.(map[string]interface{})
		seen = append(seen, data["new_status"].(files.Status))
		if len(seen) == 4 {
			close(done)
		}
		return nil
	})

	rec := newTestRecord(t, repo, "/src/a.mxf", files.Discovered)

	// Transitions complete before the dispatcher starts; publication must
	// still happen in transition order.
	want := []files.Status{files.Ready, files.InQueue, files.Copying, files.Completed}
	for _, to := range want {
		if _, err := sm.Transition(rec.Identity, to, Updates{}); err != nil {
			t.Fatal(err)
		}
	}

	runDispatcher(t, sm)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("event order %v, expected %v", seen, want)
		}
	}
}

func TestTransitionTableEdges(t *testing.T) {
	// Spot checks on edges that matter for recovery flows.
	valid := [][2]files.Status{
		{files.WaitingForNetwork, files.Discovered},
		{files.WaitingForSpace, files.Ready},
		{files.GrowingCopy, files.Copying},
		{files.Completed, files.Discovered},
		{files.Failed, files.Ready},
		{files.SpaceError, files.Ready},
		{files.InQueue, files.Ready},
		{files.InQueue, files.WaitingForNetwork},
		{files.Copying, files.SpaceError},
		{files.GrowingCopy, files.SpaceError},
	}
	for _, edge := range valid {
		if !transitionAllowed(edge[0], edge[1]) {
			t.Errorf("%v -> %v should be allowed", edge[0], edge[1])
		}
	}

	invalid := [][2]files.Status{
		{files.Completed, files.Ready},
		{files.Removed, files.Ready},
		{files.Copying, files.InQueue},
		{files.Discovered, files.Completed},
		{files.Growing, files.Ready},
	}
	for _, edge := range invalid {
		if transitionAllowed(edge[0], edge[1]) {
			t.Errorf("%v -> %v should be rejected", edge[0], edge[1])
		}
	}
}
