// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"fmt"
	"time"

	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/files"
)

// A DestinationChecker reports whether the destination volume can accept
// new copies right now.
type DestinationChecker interface {
	DestinationAvailable() bool
}

// registerHandlers wires the event chain: a status change into a ready
// state publishes FileReady, and FileReady enqueues the file.
func (m *Model) registerHandlers() {
	m.evLogger.Register(events.FileStatusChanged, m.onStatusChanged)
	m.evLogger.Register(events.FileReady, m.onFileReady)
}

func (m *Model) onStatusChanged(ev events.Event) error {
	data, ok := ev.Data.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected event payload %T", ev.Data)
	}
	newStatus, ok := data["new_status"].(files.Status)
	if !ok {
		return fmt.Errorf("unexpected new_status in event payload")
	}

	// Both the scanner path (Ready) and the growing path
	// (ReadyToStartGrowing) funnel into the same readiness event; so do
	// space and network retries, which re-enter Ready.
	if newStatus != files.Ready && newStatus != files.ReadyToStartGrowing {
		return nil
	}
	m.evLogger.Log(events.FileReady, map[string]interface{}{
		"identity": data["identity"],
		"path":     data["path"],
		"growing":  newStatus == files.ReadyToStartGrowing,
	})
	return nil
}

func (m *Model) onFileReady(ev events.Event) error {
	data, ok := ev.Data.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected event payload %T", ev.Data)
	}
	id, ok := data["identity"].(files.Identity)
	if !ok {
		return fmt.Errorf("unexpected identity in event payload")
	}
	return m.QueueFile(id)
}

// QueueFile moves a ready file into the queue. When the destination is
// unavailable the file is parked in WaitingForNetwork instead; the storage
// monitor recovers it later. The status change to InQueue happens before
// the job becomes visible to workers.
func (m *Model) QueueFile(id files.Identity) error {
	rec, err := m.repo.Get(id)
	if err != nil {
		return err
	}
	switch rec.Status {
	case files.Ready, files.ReadyToStartGrowing:
	default:
		l.Debugf("not queueing %s in status %v", id, rec.Status)
		return nil
	}

	if m.destChecker != nil && !m.destChecker.DestinationAvailable() {
		l.Infof("Destination unavailable; parking %s", rec.Path)
		_, err := m.sm.Transition(id, files.WaitingForNetwork, Updates{
			ErrorMessage: str("destination unavailable"),
		})
		return err
	}

	growing := rec.Status == files.ReadyToStartGrowing

	rec, err = m.sm.Transition(id, files.InQueue, Updates{})
	if err != nil {
		return err
	}

	job := QueueJob{
		FileIdentity:       id,
		Path:               rec.Path,
		Size:               rec.Size,
		CreationTime:       rec.MTime,
		IsGrowingAtEnqueue: growing,
		EnqueuedAt:         time.Now(),
		RetryCount:         rec.RetryCount,
	}
	if err := m.queue.Push(job); err != nil {
		l.Warnf("Queueing %s: %v", rec.Path, err)
		m.sm.transitionLogged(id, files.Ready, Updates{})
		return err
	}
	return nil
}
