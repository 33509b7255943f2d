// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/computefarm/lbas/lib/dispatch/test"
	"github.com/computefarm/lbas/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ThrottleSuite{})

type ThrottleSuite struct{}

type rateLimitError struct{ until time.Time }

func (e rateLimitError) Error() string            { return "slow down" }
func (e rateLimitError) EarliestRetry() time.Time { return e.until }

type quotaError struct{}

func (quotaError) Error() string      { return "quota exceeded" }
func (quotaError) IsQuotaError() bool { return true }

func (s *ThrottleSuite) TestRateLimitError(c *check.C) {
	var t throttle
	c.Check(t.Error(), check.IsNil)
	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Second))
	c.Check(t.Error(), check.NotNil)
	t.ErrorUntil(nil, time.Now())
	c.Check(t.Error(), check.IsNil)

	t.CheckRateLimitError(fmt.Errorf("wrapped: %w", rateLimitError{time.Now().Add(10 * time.Millisecond)}), ctxlog.TestLogger(c), "Create")
	c.Check(t.Error(), check.ErrorMatches, `remote calls are suspended.*`)
	time.Sleep(20 * time.Millisecond)
	c.Check(t.Error(), check.IsNil)

	// Already expired: no holdoff.
	t.CheckRateLimitError(rateLimitError{time.Now().Add(-time.Second)}, ctxlog.TestLogger(c), "Create")
	c.Check(t.Error(), check.IsNil)
	t.CheckRateLimitError(errors.New("other"), ctxlog.TestLogger(c), "Create")
	c.Check(t.Error(), check.IsNil)
}

func (s *ThrottleSuite) TestThrottledCreate(c *check.C) {
	sis := &test.StubInstanceSet{CreateErr: rateLimitError{time.Now().Add(time.Hour)}}
	defer sis.Stop()
	tis := newThrottledInstanceSet(sis, ctxlog.TestLogger(c), 0)
	_, err := tis.Create(context.Background(), "t2.micro", "ami-1")
	c.Check(err, check.ErrorMatches, `slow down`)
	sis.Set(func(sis *test.StubInstanceSet) { sis.CreateErr = nil })
	_, err = tis.Create(context.Background(), "t2.micro", "ami-1")
	c.Check(err, check.ErrorMatches, `remote calls are suspended.*`)
	c.Check(sis.Creates(), check.Equals, 1)
}

func (s *ThrottleSuite) TestQuota(c *check.C) {
	sis := &test.StubInstanceSet{CreateErr: quotaError{}}
	defer sis.Stop()
	tis := newThrottledInstanceSet(sis, ctxlog.TestLogger(c), 0)
	_, err := tis.Create(context.Background(), "t2.micro", "ami-1")
	c.Check(err, check.ErrorMatches, `quota exceeded`)
	_, err = tis.Create(context.Background(), "t2.micro", "ami-1")
	c.Check(err, check.ErrorMatches, `at quota.*quota exceeded`)
	c.Check(sis.Creates(), check.Equals, 1)
}

func (s *ThrottleSuite) TestRateLimiter(c *check.C) {
	sis := &test.StubInstanceSet{}
	defer sis.Stop()
	tis := newThrottledInstanceSet(sis, ctxlog.TestLogger(c), 20)
	t0 := time.Now()
	for i := 0; i < 3; i++ {
		_, err := tis.Create(context.Background(), "t2.micro", "ami-1")
		c.Assert(err, check.IsNil)
	}
	// Burst of 1, then 50ms per call.
	c.Check(time.Since(t0) >= 90*time.Millisecond, check.Equals, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tis.Create(ctx, "t2.micro", "ami-1")
	c.Check(err, check.NotNil)
	c.Check(sis.Creates(), check.Equals, 3)
}
