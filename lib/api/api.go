// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api implements the REST surface: current state, long-polled
// events, statistics and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/model"
	"github.com/mediamover/mediamover/lib/monitor"
)

const (
	eventBufferSize = 1000
	longPollTimeout = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Service serves the REST API. It is a suture service; the listener is
// bound when Serve starts.
type Service struct {
	addr     string
	model    *model.Model
	monitor  *monitor.Service
	evLogger *events.Logger
}

func New(addr string, m *model.Model, mon *monitor.Service, evLogger *events.Logger) *Service {
	return &Service{
		addr:     addr,
		model:    m,
		monitor:  mon,
		evLogger: evLogger,
	}
}

func (s *Service) String() string {
	return fmt.Sprintf("api.Service@%s", s.addr)
}

func (s *Service) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	sub := s.evLogger.Subscribe(events.AllEvents)
	defer s.evLogger.Unsubscribe(sub)
	buffered := events.NewBufferedSubscription(sub, eventBufferSize)

	srv := &http.Server{
		Handler:     s.router(buffered),
		ReadTimeout: 10 * time.Second,
	}

	l.Infoln("API listening on", listener.Addr())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		timeout, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(timeout)
		return ctx.Err()
	}
}

func (s *Service) router(buffered events.BufferedSubscription) http.Handler {
	router := httprouter.New()
	router.GET("/rest/state", s.getState)
	router.GET("/rest/statistics", s.getStatistics)
	router.GET("/rest/storage", s.getStorage)
	router.GET("/rest/events", s.getEvents(buffered))
	router.Handler("GET", "/metrics", promhttp.Handler())
	return router
}

// stateRecord is the wire form of a record, with sizes in both bytes and
// megabytes for direct display.
type stateRecord struct {
	files.Record
	SizeMB float64 `json:"size_mb"`
}

func (s *Service) getState(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	recs := s.model.Repository().All()
	wireRecs := make([]stateRecord, 0, len(recs))
	for _, rec := range recs {
		wireRecs = append(wireRecs, stateRecord{
			Record: rec,
			SizeMB: float64(rec.Size) / (1 << 20),
		})
	}

	sendJSON(w, map[string]interface{}{
		"type":       "initial_state",
		"timestamp":  time.Now().Format(time.RFC3339),
		"records":    wireRecs,
		"statistics": s.model.Statistics(),
		"storage":    s.monitorSnapshot(),
	})
}

func (s *Service) getStatistics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sendJSON(w, map[string]interface{}{
		"type":       "statistics_update",
		"timestamp":  time.Now().Format(time.RFC3339),
		"statistics": s.model.Statistics(),
	})
}

func (s *Service) getStorage(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sendJSON(w, map[string]interface{}{
		"type":      "storage_update",
		"timestamp": time.Now().Format(time.RFC3339),
		"storage":   s.monitorSnapshot(),
	})
}

func (s *Service) monitorSnapshot() interface{} {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Snapshot()
}

// getEvents long-polls for events after the given ID. With no new events it
// returns an empty list after the timeout rather than holding the
// connection forever.
func (s *Service) getEvents(buffered events.BufferedSubscription) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		qs := r.URL.Query()

		since := 0
		if v := qs.Get("since"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid since", http.StatusBadRequest)
				return
			}
			since = n
		}

		timeout := longPollTimeout
		if sec, err := strconv.Atoi(qs.Get("timeout")); err == nil && sec >= 0 { // 0 is a valid timeout
			timeout = time.Duration(sec) * time.Second
		}

		// The empty non-nil slice serializes as [] rather than null.
		sendJSON(w, buffered.Since(since, []events.Event{}, timeout))
	}
}

func sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		l.Debugln("encoding response:", err)
	}
}
