// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mediamover watches a source directory for finished and
// still-growing media files and moves them to a destination volume,
// tolerating network failures and space shortages on the way.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	"github.com/mediamover/mediamover/lib/api"
	"github.com/mediamover/mediamover/lib/config"
	"github.com/mediamover/mediamover/lib/events"
	"github.com/mediamover/mediamover/lib/files"
	"github.com/mediamover/mediamover/lib/logger"
	"github.com/mediamover/mediamover/lib/model"
	"github.com/mediamover/mediamover/lib/monitor"
	"github.com/mediamover/mediamover/lib/scanner"
	"github.com/mediamover/mediamover/lib/svcutil"
)

const defaultConfigName = "mediamover.xml"

var l = logger.DefaultLogger.NewFacility("main", "Startup and supervision")

type cli struct {
	Config      string `name:"config" short:"c" placeholder:"PATH" help:"Configuration file (created with defaults if absent)."`
	Source      string `name:"source" placeholder:"DIR" help:"Override the configured source directory."`
	Destination string `name:"destination" placeholder:"DIR" help:"Override the configured destination directory."`
	Verbose     bool   `name:"verbose" short:"v" help:"Print verbose log output."`
	Version     bool   `name:"version" help:"Print version and exit."`
}

var (
	version = "dev"
)

func main() {
	var c cli
	kong.Parse(&c, kong.Description("Supervised media file transfer agent."))
	os.Exit(run(c))
}

func run(c cli) int {
	if c.Version {
		fmt.Println("mediamover", version)
		return svcutil.ExitSuccess.AsInt()
	}

	if c.Verbose {
		logger.DefaultLogger.SetFlags(logger.DebugFlags)
		for facility := range logger.DefaultLogger.Facilities() {
			logger.DefaultLogger.SetDebug(facility, true)
		}
	}

	cfg, err := loadOrCreateConfig(c)
	if err != nil {
		l.Warnln("Configuration:", err)
		return svcutil.ExitError.AsInt()
	}
	if err := cfg.Check(); err != nil {
		l.Warnln("Configuration:", err)
		return svcutil.ExitError.AsInt()
	}

	evLogger := events.NewLogger()
	repo := files.NewRepository()

	// The monitor's recovery callback re-enters the model; the model is
	// built first and the callback bound afterwards.
	var m *model.Model
	mon := monitor.New(cfg.Options, evLogger, func() {
		m.ProcessWaitingNetworkFiles()
	})

	m, err = model.NewModel(cfg, repo, evLogger, mon)
	if err != nil {
		l.Warnln("Startup:", err)
		return svcutil.ExitError.AsInt()
	}

	mainService := suture.New("main", svcutil.SpecWithInfoLogger(l))
	mainService.Add(mon)
	mainService.Add(m)
	mainService.Add(scanner.New(cfg.Options, m))
	mainService.Add(api.New(cfg.Options.ListenAddress, m, mon, evLogger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		sig := <-sigs
		l.Infoln("Received signal", sig, "- shutting down")
		cancel()
	}()

	l.Infof("mediamover %s starting; %s -> %s", version, cfg.Options.SourceDirectory, cfg.Options.DestinationDirectory)

	err = mainService.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.Warnln("Exiting:", err)
		return svcutil.ExitError.AsInt()
	}
	return svcutil.ExitSuccess.AsInt()
}

func loadOrCreateConfig(c cli) (config.Configuration, error) {
	path := c.Config
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return config.Configuration{}, err
		}
		path = filepath.Join(dir, "mediamover", defaultConfigName)
	}

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		l.Infof("No configuration at %s; creating one with defaults", path)
		cfg = config.New()
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return config.Configuration{}, mkErr
		}
		if saveErr := cfg.Save(path); saveErr != nil {
			return config.Configuration{}, saveErr
		}
	default:
		return config.Configuration{}, err
	}

	if c.Source != "" {
		cfg.Options.SourceDirectory = c.Source
	}
	if c.Destination != "" {
		cfg.Options.DestinationDirectory = c.Destination
	}
	return cfg, nil
}
