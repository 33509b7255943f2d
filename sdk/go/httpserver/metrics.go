// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument wraps next with request duration and concurrency
// metrics, registered in reg under the given namespace.
func Instrument(reg *prometheus.Registry, namespace string, next http.Handler) http.Handler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time until response status is sent, by response code and method.",
		Buckets:   []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"code", "method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "concurrent_requests",
		Help:      "Number of requests in progress.",
	})
	reg.MustRegister(reqDuration, inFlight)
	return promhttp.InstrumentHandlerInFlight(inFlight,
		promhttp.InstrumentHandlerDuration(reqDuration, next))
}
