// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"container/heap"
	"errors"
	stdsync "sync"
	"time"

	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/sync"
)

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
)

// A QueueJob is an immutable snapshot of the work to do for one file; the
// live state is always re-read from the repository when the job is
// processed.
type QueueJob struct {
	FileIdentity       files.Identity
	Path               string
	Size               int64
	CreationTime       time.Time
	IsGrowingAtEnqueue bool
	EnqueuedAt         time.Time
	RetryCount         int
}

// JobQueue is a priority queue of copy jobs: oldest file first, ties broken
// by enqueue time.
type JobQueue struct {
	mut     sync.Mutex
	cond    *stdsync.Cond
	jobs    jobHeap
	maxSize int // 0 means unbounded
	closed  bool
}

func NewJobQueue(maxSize int) *JobQueue {
	q := &JobQueue{
		mut:     sync.NewMutex(),
		maxSize: maxSize,
	}
	q.cond = stdsync.NewCond(q.mut)
	return q
}

// Push enqueues a job.
func (q *JobQueue) Push(job QueueJob) error {
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.maxSize > 0 && q.jobs.Len() >= q.maxSize {
		return ErrQueueFull
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	heap.Push(&q.jobs, job)
	metricQueueLength.Set(float64(q.jobs.Len()))
	q.cond.Signal()
	return nil
}

// Dequeue returns the highest priority job, waiting up to timeout for one to
// appear. The second return is false on timeout or when the queue has been
// closed and drained.
func (q *JobQueue) Dequeue(timeout time.Duration) (QueueJob, bool) {
	deadline := time.Now().Add(timeout)
	q.mut.Lock()
	defer q.mut.Unlock()

	for q.jobs.Len() == 0 {
		if q.closed {
			return QueueJob{}, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return QueueJob{}, false
		}
		// Cond has no timed wait; a timer broadcast substitutes for one.
		t := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		t.Stop()
	}

	job := heap.Pop(&q.jobs).(QueueJob)
	metricQueueLength.Set(float64(q.jobs.Len()))
	return job, true
}

func (q *JobQueue) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.jobs.Len()
}

// Close wakes all waiters; pending jobs can still be drained.
func (q *JobQueue) Close() {
	q.mut.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mut.Unlock()
}

type jobHeap []QueueJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(a, b int) bool {
	if !h[a].CreationTime.Equal(h[b].CreationTime) {
		return h[a].CreationTime.Before(h[b].CreationTime)
	}
	return h[a].EnqueuedAt.Before(h[b].EnqueuedAt)
}

func (h jobHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(QueueJob))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}
