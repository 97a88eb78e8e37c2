// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediamover",
		Subsystem: "model",
		Name:      "status_transitions_total",
		Help:      "Number of file status transitions, by edge.",
	}, []string{"from", "to"})

	metricFilesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediamover",
		Subsystem: "model",
		Name:      "files_completed_total",
		Help:      "Number of files copied to completion.",
	})

	metricFilesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediamover",
		Subsystem: "model",
		Name:      "files_failed_total",
		Help:      "Number of files that ended in a failure status.",
	})

	metricBytesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediamover",
		Subsystem: "model",
		Name:      "bytes_copied_total",
		Help:      "Total number of file bytes written to the destination.",
	})

	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediamover",
		Subsystem: "model",
		Name:      "queue_length",
		Help:      "Number of jobs currently queued.",
	})

	metricSpaceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediamover",
		Subsystem: "model",
		Name:      "space_retries_total",
		Help:      "Number of deferred retries scheduled for space shortages.",
	})
)
