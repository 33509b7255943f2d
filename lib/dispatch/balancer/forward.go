// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package balancer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/computefarm/lbas/lib/dispatch/worker"
	"github.com/computefarm/lbas/lib/metricstore"
	"github.com/sirupsen/logrus"
)

// forward sends req to wkr, which already has rctx.Cost reserved,
// and resolves pending with the outcome. The reservation is released
// when the worker responds or the attempt fails.
func (b *Balancer) forward(ctx context.Context, wkr *worker.Worker, req *Request, rctx Context, pending *Pending) {
	t0 := time.Now()
	logger := b.logger.WithFields(logrus.Fields{
		"Instance": wkr.ID,
		"Workload": req.Workload,
		"Cost":     rctx.Cost,
	})
	resp, err := b.send(ctx, wkr, req, rctx.Persist)
	wkr.DecreaseLoad(rctx.Cost)
	switch {
	case err != nil && ctx.Err() != nil:
		// Client went away. Not the worker's fault.
		logger.WithError(err).Info("forwarded request cancelled")
		b.mResults.WithLabelValues("worker", "cancelled").Inc()
	case err != nil:
		logger.WithError(err).Warn("forwarding failed")
		b.mResults.WithLabelValues("worker", "error").Inc()
		if wkr.MarkUnhealthy() {
			logger.Warn("marked worker unhealthy")
		}
	case !resp.OK():
		logger.WithField("Status", resp.Status).Warn("worker returned error status")
		b.mResults.WithLabelValues("worker", "error").Inc()
		if wkr.MarkUnhealthy() {
			logger.Warn("marked worker unhealthy")
		}
	default:
		logger.WithField("Elapsed", time.Since(t0).Seconds()).Debug("forwarded request completed")
		b.mResults.WithLabelValues("worker", "ok").Inc()
	}
	b.TriggerDrain()
	pending.finish(resp, err)
}

func (b *Balancer) send(ctx context.Context, wkr *worker.Worker, req *Request, persist bool) (*Response, error) {
	// The client's query is forwarded verbatim.
	query := req.RawQuery
	if persist {
		if query != "" {
			query += "&"
		}
		query += metricstore.StoreMetricsParam + "=true"
	}
	u := url.URL{
		Scheme:   "http",
		Host:     wkr.Address(),
		Path:     req.Path,
		RawQuery: query,
	}
	hreq, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	hresp, err := b.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()
	body, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", wkr.ID, err)
	}
	return &Response{
		Status:      hresp.StatusCode,
		Body:        body,
		ContentType: hresp.Header.Get("Content-Type"),
		Instance:    string(wkr.ID),
	}, nil
}

// invokeServerless runs req as a serverless function named after the
// workload, with the query parameters as a JSON object payload.
func (b *Balancer) invokeServerless(ctx context.Context, req *Request, pending *Pending) {
	logger := b.logger.WithField("Workload", req.Workload)
	payload, err := json.Marshal(req.Params)
	if err != nil {
		pending.finish(nil, err)
		return
	}
	status, body, err := b.invoker.Invoke(ctx, req.Workload, payload)
	if err != nil {
		logger.WithError(err).Warn("serverless invocation failed")
		b.mResults.WithLabelValues("serverless", "error").Inc()
		pending.finish(nil, err)
		return
	}
	resp := &Response{Status: status, Body: body}
	if resp.OK() {
		b.mResults.WithLabelValues("serverless", "ok").Inc()
	} else {
		logger.WithField("Status", status).Warn("serverless function returned error status")
		b.mResults.WithLabelValues("serverless", "error").Inc()
	}
	pending.finish(resp, nil)
}
