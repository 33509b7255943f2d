// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/computefarm/lbas/lib/metricstore"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct {
	store *metricstore.MemoryStore
}

const commandTestConfig = `
MetricsStore:
  Driver: commandtest
`

func (s *CommandSuite) SetUpTest(c *check.C) {
	s.store = metricstore.NewMemoryStore()
	StoreDrivers["commandtest"] = metricstore.DriverFunc(func(context.Context, json.RawMessage, logrus.FieldLogger) (metricstore.Store, error) {
		return s.store, nil
	})
}

func (s *CommandSuite) TearDownTest(c *check.C) {
	delete(StoreDrivers, "commandtest")
}

func (s *CommandSuite) TestEstimateFromModel(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := EstimateCommand.RunCommand("estimate", []string{"-config", "-", "gameoflife", "iterations=100"}, strings.NewReader(commandTestConfig), &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "164,594\tmodel\n")
}

func (s *CommandSuite) TestStoreThenEstimate(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := StoreMetricsCommand.RunCommand("store-metrics", []string{"-config", "-", "GameOfLife", "10", "541560", "iterations=100"}, strings.NewReader(commandTestConfig), &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	rec := metricstore.NewRecord("gameoflife", map[string]string{"iterations": "100"}, 0, 10, 541560)
	c.Check(stdout.String(), check.Equals, humanize.Comma(rec.Complexity)+"\n")

	stored, err := s.store.Get(context.Background(), "gameoflife", rec.Parameters)
	c.Assert(err, check.IsNil)
	c.Check(stored, check.Equals, rec.Complexity)

	stdout.Reset()
	stderr.Reset()
	code = EstimateCommand.RunCommand("estimate", []string{"-config", "-", "gameoflife", "iterations=100"}, strings.NewReader(commandTestConfig), &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Matches, `[0-9,]+\tstored\n`)
}

func (s *CommandSuite) TestEstimateUsage(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := EstimateCommand.RunCommand("estimate", []string{"-config", "-"}, strings.NewReader(commandTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)Usage: .*`)

	stderr.Reset()
	code = EstimateCommand.RunCommand("estimate", []string{"-config", "-", "gameoflife", "iterations"}, strings.NewReader(commandTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*name=value.*`)
}

func (s *CommandSuite) TestEstimateUnknownWorkload(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := EstimateCommand.RunCommand("estimate", []string{"-config", "-", "nosuchworkload"}, strings.NewReader(commandTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*unsupported workload.*`)
}

func (s *CommandSuite) TestStoreMetricsBadCounter(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := StoreMetricsCommand.RunCommand("store-metrics", []string{"-config", "-", "gameoflife", "ten", "541560"}, strings.NewReader(commandTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stdout.String(), check.Equals, "")
}

func (s *CommandSuite) TestParseParams(c *check.C) {
	params, err := parseParams([]string{"a=1", "b=", "c=x=y"})
	c.Check(err, check.IsNil)
	c.Check(params, check.DeepEquals, map[string]string{"a": "1", "b": "", "c": "x=y"})
	_, err = parseParams([]string{"=1"})
	c.Check(err, check.NotNil)
}
