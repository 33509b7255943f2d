// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package assigner is the client-facing HTTP handler that estimates,
// admits, and retries workload requests.
package assigner

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/computefarm/lbas/lib/dispatch/balancer"
	"github.com/computefarm/lbas/lib/dispatch/estimate"
	"github.com/computefarm/lbas/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 100 * time.Millisecond
)

// An Estimator predicts request costs.
type Estimator interface {
	Estimate(ctx context.Context, workload string, params map[string]string) (estimate.Estimate, error)
}

// Assigner is an http.Handler that serves GET /{workload}?{params}
// by admitting the request to the balancer, retrying on failure.
type Assigner struct {
	Balancer    *balancer.Balancer
	Estimator   Estimator
	MaxAttempts int
	RetryDelay  time.Duration
}

func (asg *Assigner) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch req.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		httpserver.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer func() {
		if asg.Balancer.QueueLength() > 0 {
			asg.Balancer.TriggerDrain()
		}
	}()

	breq, err := parseRequest(req)
	if err != nil {
		httpserver.WriteError(w, err, http.StatusBadRequest)
		return
	}
	logger := httpserver.Logger(req).WithField("Workload", breq.Workload)

	maxAttempts := asg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := asg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	ctx := req.Context()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				logger.Info("client went away")
				return
			case <-time.After(retryDelay):
			}
		}
		est, err := asg.Estimator.Estimate(ctx, breq.Workload, breq.Params)
		if errors.Is(err, estimate.ErrBadParameters) {
			httpserver.WriteError(w, err, http.StatusBadRequest)
			return
		} else if err != nil {
			logger.WithError(err).Warn("estimate failed")
			continue
		}
		avg := asg.Balancer.AverageLoad()
		strategy := asg.Balancer.Strategy(avg)
		rctx := balancer.Context{Cost: est.Cost, Persist: est.Persist, AvgLoad: avg}
		lgr := logger.WithFields(logrus.Fields{
			"Attempt":  attempt,
			"Cost":     est.Cost,
			"Strategy": strategy.String(),
		})
		resp, err := asg.Balancer.Admit(ctx, breq, rctx, strategy).Wait(ctx)
		if ctx.Err() != nil {
			lgr.Info("client went away")
			return
		} else if err != nil {
			lgr.WithError(err).Warn("attempt failed")
			continue
		} else if !resp.OK() {
			lgr.WithField("Status", resp.Status).Warn("attempt failed")
			continue
		}
		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
		return
	}
	logger.WithField("Attempts", maxAttempts).Error("giving up")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(http.StatusText(http.StatusInternalServerError)))
}

// parseRequest returns the balancer request for an incoming HTTP
// request. The workload is the last element of the path, and each
// query parameter's first value is used.
func parseRequest(req *http.Request) (*balancer.Request, error) {
	workload := path.Base(req.URL.Path)
	if workload == "/" || workload == "." || workload == "" {
		return nil, httpserver.Errorf(http.StatusBadRequest, "no workload specified")
	}
	vals, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		return nil, httpserver.ErrorWithStatus(err, http.StatusBadRequest)
	}
	params := make(map[string]string, len(vals))
	for k, v := range vals {
		params[k] = v[0]
	}
	return &balancer.Request{
		Workload: strings.ToLower(workload),
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Params:   params,
	}, nil
}
