// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

type Loader struct {
	Logger logrus.FieldLogger

	// Config file path; "-" means stdin.
	Path string

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to the default config
// file location.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Logger: logger,
		Path:   lbas.DefaultConfigFile,
		stdin:  stdin,
	}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/lbas/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", lbas.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting an LBAS_CONFIG environment variable)")
	if path := os.Getenv("LBAS_CONFIG"); path != "" {
		ldr.Path = path
	}
}

// Load reads the config file at Path, applies defaults, and checks
// the result.
func (ldr *Loader) Load() (*lbas.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.LoadYAML(buf)
}

// LoadYAML loads the given config data on top of the defaults in
// DefaultYAML, and checks the result.
func (ldr *Loader) LoadYAML(buf []byte) (*lbas.Config, error) {
	var cfg lbas.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(bytes.TrimSpace(buf)) > 0 {
		var supplied map[string]interface{}
		if err := yaml.Unmarshal(buf, &supplied); err != nil {
			return nil, err
		}
		var expected map[string]interface{}
		if err := yaml.Unmarshal(DefaultYAML, &expected); err != nil {
			return nil, err
		}
		ldr.logExtraKeys(expected, supplied, "")

		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, err
		}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			suggestion := ""
			for key := range expected {
				if strings.EqualFold(key, k) {
					suggestion = fmt.Sprintf(" (perhaps you meant %s%s?)", prefix, key)
					break
				}
			}
			ldr.Logger.Warnf("unknown config entry: %s%s%s", prefix, k, suggestion)
			continue
		}
		if k == "DriverParameters" {
			// Checked by the driver.
			continue
		}
		vsupp, ok := vsupp.(map[string]interface{})
		if !ok {
			continue
		}
		vexpMap, ok := vexp.(map[string]interface{})
		if !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s%s", prefix, k)
			continue
		}
		ldr.logExtraKeys(vexpMap, vsupp, prefix+k+".")
	}
}

// Validate returns an error describing every nonsensical value in
// cfg, or nil if there are none.
func Validate(cfg *lbas.Config) error {
	var errs []error
	check := func(bad bool, format string, args ...interface{}) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(cfg.Listen == "", "Listen must not be empty")
	check(cfg.ShutdownTimeout < 0, "ShutdownTimeout must not be negative")
	check(cfg.Fleet.Capacity <= 0, "Fleet.Capacity must be positive, not %d", cfg.Fleet.Capacity)
	check(cfg.Fleet.ServerlessThreshold < 0, "Fleet.ServerlessThreshold must not be negative")
	check(cfg.Fleet.PackThreshold < 0, "Fleet.PackThreshold must not be negative")
	check(cfg.Fleet.SpreadThreshold > 1, "Fleet.SpreadThreshold must not exceed 1")
	check(cfg.Fleet.PackThreshold > cfg.Fleet.SpreadThreshold,
		"Fleet.PackThreshold (%v) must not exceed Fleet.SpreadThreshold (%v)", cfg.Fleet.PackThreshold, cfg.Fleet.SpreadThreshold)
	check(cfg.Fleet.WorkerPort <= 0 || cfg.Fleet.WorkerPort > 65535, "Fleet.WorkerPort %d is out of range", cfg.Fleet.WorkerPort)
	check(cfg.Placement.MaxAttempts < 1, "Placement.MaxAttempts must be at least 1")
	check(cfg.AutoScaler.MinWorkers < 0, "AutoScaler.MinWorkers must not be negative")
	check(cfg.AutoScaler.MaxWorkers < cfg.AutoScaler.MinWorkers,
		"AutoScaler.MaxWorkers (%d) must not be less than AutoScaler.MinWorkers (%d)", cfg.AutoScaler.MaxWorkers, cfg.AutoScaler.MinWorkers)
	check(cfg.AutoScaler.ScaleInCPU > cfg.AutoScaler.ScaleOutCPU,
		"AutoScaler.ScaleInCPU (%v) must not exceed AutoScaler.ScaleOutCPU (%v)", cfg.AutoScaler.ScaleInCPU, cfg.AutoScaler.ScaleOutCPU)
	check(cfg.AutoScaler.MaxCloudOpsPerSecond < 0, "AutoScaler.MaxCloudOpsPerSecond must not be negative")
	check(cfg.Cloud.Driver == "", "Cloud.Driver must not be empty")
	check(cfg.Estimator.CacheSize < 0, "Estimator.CacheSize must not be negative")
	return errors.Join(errs...)
}
