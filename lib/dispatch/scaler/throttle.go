// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Time after a quota error to try creating instances again.
const quotaErrorTTL = time.Minute

type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether the given error is a
// cloud.RateLimitError, and if so, ensures Error() returns a non-nil
// error until the rate limiting holdoff period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string) {
	var rle cloud.RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	until := rle.EarliestRetry()
	if !until.After(time.Now()) {
		return
	}
	dur := time.Until(until)
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).Info("suspending remote calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("remote calls are suspended for %s, until %s", dur, until), until)
}

// CheckQuotaError checks whether the given error is a
// cloud.QuotaError, and if so, ensures Error() returns a non-nil
// error for quotaErrorTTL.
func (thr *throttle) CheckQuotaError(err error, logger logrus.FieldLogger, callType string) {
	var qe cloud.QuotaError
	if !errors.As(err, &qe) || !qe.IsQuotaError() {
		return
	}
	until := time.Now().Add(quotaErrorTTL)
	logger.WithError(err).WithFields(logrus.Fields{
		"CallType": callType,
		"ResumeAt": until,
	}).Warn("suspending remote calls due to quota error")
	thr.ErrorUntil(fmt.Errorf("at quota, remote calls are suspended until %s: %w", until, err), until)
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}

// throttledInstanceSet limits the rate of Create and Terminate calls,
// and suspends them after the provider reports rate-limit or quota
// errors.
type throttledInstanceSet struct {
	cloud.InstanceSet
	logger            logrus.FieldLogger
	limiter           *rate.Limiter // nil means unlimited
	throttleCreate    throttle
	throttleTerminate throttle
}

func newThrottledInstanceSet(is cloud.InstanceSet, logger logrus.FieldLogger, opsPerSecond float64) *throttledInstanceSet {
	tis := &throttledInstanceSet{InstanceSet: is, logger: logger}
	if opsPerSecond > 0 {
		tis.limiter = rate.NewLimiter(rate.Limit(opsPerSecond), 1)
	}
	return tis
}

func (tis *throttledInstanceSet) wait(ctx context.Context) error {
	if tis.limiter == nil {
		return nil
	}
	return tis.limiter.Wait(ctx)
}

func (tis *throttledInstanceSet) Create(ctx context.Context, instanceType string, image cloud.ImageID) (cloud.InstanceID, error) {
	if err := tis.throttleCreate.Error(); err != nil {
		return "", err
	}
	if err := tis.wait(ctx); err != nil {
		return "", err
	}
	id, err := tis.InstanceSet.Create(ctx, instanceType, image)
	tis.throttleCreate.CheckRateLimitError(err, tis.logger, "Create")
	tis.throttleCreate.CheckQuotaError(err, tis.logger, "Create")
	return id, err
}

func (tis *throttledInstanceSet) Terminate(ctx context.Context, id cloud.InstanceID) error {
	if err := tis.throttleTerminate.Error(); err != nil {
		return err
	}
	if err := tis.wait(ctx); err != nil {
		return err
	}
	err := tis.InstanceSet.Terminate(ctx, id)
	tis.throttleTerminate.CheckRateLimitError(err, tis.logger, "Terminate")
	return err
}
