// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading and writing of the mediamover
// configuration file.
package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const CurrentVersion = 1

type Configuration struct {
	XMLName xml.Name             `xml:"configuration" json:"-"`
	Version int                  `xml:"version,attr" json:"version"`
	Options OptionsConfiguration `xml:"options" json:"options"`
	Rules   []TemplateRule       `xml:"rule" json:"rules"`
}

// OptionsConfiguration holds all tunables. The defaults are applied by
// reflection over the default tags before the XML is decoded, so an absent
// element keeps its default.
type OptionsConfiguration struct {
	SourceDirectory      string `xml:"sourceDirectory" json:"sourceDirectory"`
	DestinationDirectory string `xml:"destinationDirectory" json:"destinationDirectory"`

	MaxConcurrentCopies int  `xml:"maxConcurrentCopies" json:"maxConcurrentCopies" default:"2"`
	ChunkSizeKiB        int  `xml:"chunkSizeKiB" json:"chunkSizeKiB" default:"1024"`
	UseTemporaryFile    bool `xml:"useTemporaryFile" json:"useTemporaryFile" default:"true"`
	QueueSize           int  `xml:"queueSize" json:"queueSize" default:"0"` // 0 means unlimited
	MaxCopyRateKiBps    int  `xml:"maxCopyRateKiBps" json:"maxCopyRateKiBps" default:"0"`

	ScanIntervalS   int `xml:"scanIntervalS" json:"scanIntervalS" default:"10"`
	FileStableTimeS int `xml:"fileStableTimeS" json:"fileStableTimeS" default:"10"`

	EnableGrowingFileSupport   bool `xml:"enableGrowingFileSupport" json:"enableGrowingFileSupport" default:"true"`
	GrowingFileMinSizeMiB      int  `xml:"growingFileMinSizeMiB" json:"growingFileMinSizeMiB" default:"10"`
	GrowingFileSafetyMarginMiB int  `xml:"growingFileSafetyMarginMiB" json:"growingFileSafetyMarginMiB" default:"16"`
	GrowingFilePollIntervalS   int  `xml:"growingFilePollIntervalS" json:"growingFilePollIntervalS" default:"2"`
	GrowingCopyPauseMs         int  `xml:"growingCopyPauseMs" json:"growingCopyPauseMs" default:"100"`
	GrowingFileGrowthTimeoutS  int  `xml:"growingFileGrowthTimeoutS" json:"growingFileGrowthTimeoutS" default:"30"`

	EnablePreCopySpaceCheck bool `xml:"enablePreCopySpaceCheck" json:"enablePreCopySpaceCheck" default:"true"`
	SpaceRetryDelayS        int  `xml:"spaceRetryDelayS" json:"spaceRetryDelayS" default:"300"`
	MaxSpaceRetries         int  `xml:"maxSpaceRetries" json:"maxSpaceRetries" default:"5"`

	StorageCheckIntervalS            int     `xml:"storageCheckIntervalS" json:"storageCheckIntervalS" default:"30"`
	SourceWarningThresholdGiB        float64 `xml:"sourceWarningThresholdGiB" json:"sourceWarningThresholdGiB" default:"10"`
	SourceCriticalThresholdGiB       float64 `xml:"sourceCriticalThresholdGiB" json:"sourceCriticalThresholdGiB" default:"2"`
	DestinationWarningThresholdGiB   float64 `xml:"destinationWarningThresholdGiB" json:"destinationWarningThresholdGiB" default:"10"`
	DestinationCriticalThresholdGiB  float64 `xml:"destinationCriticalThresholdGiB" json:"destinationCriticalThresholdGiB" default:"2"`

	FileOperationTimeoutS int `xml:"fileOperationTimeoutS" json:"fileOperationTimeoutS" default:"30"`
	KeepCompletedFilesH   int `xml:"keepCompletedFilesHours" json:"keepCompletedFilesHours" default:"24"`

	DefaultCategory string `xml:"defaultCategory" json:"defaultCategory" default:"misc"`
	DateExpression  string `xml:"dateExpression" json:"dateExpression" default:"filename[0:6]"`

	ListenAddress string `xml:"listenAddress" json:"listenAddress" default:"127.0.0.1:8810"`
}

// A TemplateRule maps matching filenames to a destination subfolder
// template. The first match in ascending priority order wins.
type TemplateRule struct {
	Pattern  string `xml:"pattern,attr" json:"pattern"`
	Folder   string `xml:"folder,attr" json:"folder"`
	Priority int    `xml:"priority,attr" json:"priority"`
	IsRegex  bool   `xml:"isRegex,attr" json:"isRegex"`
}

func (o OptionsConfiguration) ChunkSize() int64 {
	return int64(o.ChunkSizeKiB) << 10
}

func (o OptionsConfiguration) GrowingFileMinSize() int64 {
	return int64(o.GrowingFileMinSizeMiB) << 20
}

func (o OptionsConfiguration) SafetyMargin() int64 {
	return int64(o.GrowingFileSafetyMarginMiB) << 20
}

func (o OptionsConfiguration) PollInterval() time.Duration {
	return time.Duration(o.GrowingFilePollIntervalS) * time.Second
}

func (o OptionsConfiguration) ThrottlePause() time.Duration {
	return time.Duration(o.GrowingCopyPauseMs) * time.Millisecond
}

func (o OptionsConfiguration) GrowthTimeout() time.Duration {
	return time.Duration(o.GrowingFileGrowthTimeoutS) * time.Second
}

func (o OptionsConfiguration) IOTimeout() time.Duration {
	return time.Duration(o.FileOperationTimeoutS) * time.Second
}

func (o OptionsConfiguration) SpaceRetryDelay() time.Duration {
	return time.Duration(o.SpaceRetryDelayS) * time.Second
}

func (o OptionsConfiguration) StorageCheckInterval() time.Duration {
	return time.Duration(o.StorageCheckIntervalS) * time.Second
}

func (o OptionsConfiguration) ScanInterval() time.Duration {
	return time.Duration(o.ScanIntervalS) * time.Second
}

func (o OptionsConfiguration) FileStableTime() time.Duration {
	return time.Duration(o.FileStableTimeS) * time.Second
}

func (o OptionsConfiguration) KeepCompletedFiles() time.Duration {
	return time.Duration(o.KeepCompletedFilesH) * time.Hour
}

// New returns a configuration with all defaults applied.
func New() Configuration {
	var cfg Configuration
	cfg.Version = CurrentVersion
	setDefaults(&cfg.Options)
	return cfg
}

// ReadXML reads a configuration from the given reader, with defaults for
// everything the XML does not mention.
func ReadXML(r io.Reader) (Configuration, error) {
	cfg := New()
	if err := xml.NewDecoder(r).Decode(&cfg); err != nil {
		return Configuration{}, err
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	return cfg, nil
}

// Load reads the configuration from the named file.
func Load(path string) (Configuration, error) {
	fd, err := os.Open(path)
	if err != nil {
		return Configuration{}, err
	}
	defer fd.Close()
	cfg, err := ReadXML(fd)
	if err != nil {
		return Configuration{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return cfg, nil
}

// Save atomically writes the configuration to the named file.
func (cfg Configuration) Save(path string) error {
	tmp := path + ".tmp"
	fd, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := xml.NewEncoder(fd)
	enc.Indent("", "    ")
	if err := enc.Encode(cfg); err != nil {
		fd.Close()
		os.Remove(tmp)
		return err
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

// Check validates that the configuration is usable.
func (cfg Configuration) Check() error {
	if cfg.Options.SourceDirectory == "" {
		return fmt.Errorf("sourceDirectory is not set")
	}
	if cfg.Options.DestinationDirectory == "" {
		return fmt.Errorf("destinationDirectory is not set")
	}
	if !filepath.IsAbs(cfg.Options.SourceDirectory) {
		return fmt.Errorf("sourceDirectory must be absolute")
	}
	if !filepath.IsAbs(cfg.Options.DestinationDirectory) {
		return fmt.Errorf("destinationDirectory must be absolute")
	}
	if cfg.Options.MaxConcurrentCopies < 1 {
		return fmt.Errorf("maxConcurrentCopies must be at least 1")
	}
	if cfg.Options.ChunkSizeKiB < 1 {
		return fmt.Errorf("chunkSizeKiB must be at least 1")
	}
	return nil
}
